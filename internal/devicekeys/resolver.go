// Package devicekeys resolves device key ids (kid) to public keys for
// envelope signature verification. Lookups go local cache → shared cache →
// identity service → static fallback map, and both hits and misses are
// cached so a flapping identity service cannot stall the ingest path.
package devicekeys

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Algorithm identifies the signature scheme a device key uses.
type Algorithm string

const (
	AlgorithmEd25519   Algorithm = "ed25519"
	AlgorithmECDSAP256 Algorithm = "ecdsa-p256"
)

// ErrUnknownKID is returned when no source knows the key id.
var ErrUnknownKID = errors.New("unknown kid")

// DeviceKey is a resolved public key with revocation metadata.
type DeviceKey struct {
	KID       string
	Algorithm Algorithm
	PublicKey any // ed25519.PublicKey or *ecdsa.PublicKey
	RevokedAt *time.Time
}

// Revoked reports whether the key carries a revocation timestamp.
func (k *DeviceKey) Revoked() bool { return k.RevokedAt != nil }

// ParseSPKI decodes a base64 SubjectPublicKeyInfo blob into a DeviceKey.
// The algorithm is derived from the key type inside the SPKI.
func ParseSPKI(kid, spkiB64 string, revokedAt *time.Time) (*DeviceKey, error) {
	der, err := base64.StdEncoding.DecodeString(spkiB64)
	if err != nil {
		return nil, fmt.Errorf("kid %s: public key is not base64: %w", kid, err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("kid %s: parse SPKI: %w", kid, err)
	}
	key := &DeviceKey{KID: kid, PublicKey: pub, RevokedAt: revokedAt}
	switch pub.(type) {
	case ed25519.PublicKey:
		key.Algorithm = AlgorithmEd25519
	case *ecdsa.PublicKey:
		key.Algorithm = AlgorithmECDSAP256
	default:
		return nil, fmt.Errorf("kid %s: unsupported key type %T", kid, pub)
	}
	return key, nil
}

// Resolver maps a kid to a device key.
type Resolver interface {
	Resolve(ctx context.Context, kid string) (*DeviceKey, error)
}

// SharedCache is an optional cross-pod cache layer (Redis in production).
// Payloads are opaque to the cache; a nil SharedCache disables the layer.
type SharedCache interface {
	Get(ctx context.Context, kid string) ([]byte, bool, error)
	Set(ctx context.Context, kid string, payload []byte, ttl time.Duration) error
}

// keyRecord is the serialized form of a key in the shared cache. A record
// with Missing set caches a negative lookup.
type keyRecord struct {
	KID       string     `json:"kid"`
	PublicKey string     `json:"publicKey,omitempty"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	Missing   bool       `json:"missing,omitempty"`
}

// Options configure a CachingResolver. Zero TTLs pick the defaults: positive
// results live 10 minutes, negative results 30 seconds so a key still
// rolling in is discovered quickly.
type Options struct {
	IdentityURL string            // base URL of the device-identity service; empty disables
	StaticKeys  map[string]string // kid → SPKI base64 fallback
	Shared      SharedCache
	HTTPClient  *http.Client
	PositiveTTL time.Duration
	NegativeTTL time.Duration
}

// CachingResolver is the production Resolver.
type CachingResolver struct {
	identityURL string
	static      map[string]*DeviceKey
	shared      SharedCache
	client      *http.Client

	positive *expirable.LRU[string, *DeviceKey]
	negative *expirable.LRU[string, struct{}]
	posTTL   time.Duration
	negTTL   time.Duration
}

func NewCachingResolver(opts Options) (*CachingResolver, error) {
	if opts.PositiveTTL == 0 {
		opts.PositiveTTL = 10 * time.Minute
	}
	if opts.NegativeTTL == 0 {
		opts.NegativeTTL = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}

	static := make(map[string]*DeviceKey, len(opts.StaticKeys))
	for kid, spki := range opts.StaticKeys {
		key, err := ParseSPKI(kid, spki, nil)
		if err != nil {
			return nil, fmt.Errorf("static key map: %w", err)
		}
		static[kid] = key
	}

	return &CachingResolver{
		identityURL: opts.IdentityURL,
		static:      static,
		shared:      opts.Shared,
		client:      opts.HTTPClient,
		positive:    expirable.NewLRU[string, *DeviceKey](4096, nil, opts.PositiveTTL),
		negative:    expirable.NewLRU[string, struct{}](4096, nil, opts.NegativeTTL),
		posTTL:      opts.PositiveTTL,
		negTTL:      opts.NegativeTTL,
	}, nil
}

// Resolve looks up kid through the cache hierarchy. A cached negative result
// returns ErrUnknownKID without touching the network.
func (r *CachingResolver) Resolve(ctx context.Context, kid string) (*DeviceKey, error) {
	if key, ok := r.positive.Get(kid); ok {
		return key, nil
	}
	if _, ok := r.negative.Get(kid); ok {
		return nil, ErrUnknownKID
	}

	if key, done, err := r.fromShared(ctx, kid); done {
		return key, err
	}

	key, err := r.lookup(ctx, kid)
	switch {
	case err == nil:
		r.positive.Add(kid, key)
		r.writeShared(ctx, kid, key)
		return key, nil
	case errors.Is(err, ErrUnknownKID):
		r.negative.Add(kid, struct{}{})
		r.writeSharedNegative(ctx, kid)
		return nil, ErrUnknownKID
	default:
		// Transient failure: do not poison the negative cache.
		return nil, err
	}
}

func (r *CachingResolver) fromShared(ctx context.Context, kid string) (*DeviceKey, bool, error) {
	if r.shared == nil {
		return nil, false, nil
	}
	payload, ok, err := r.shared.Get(ctx, kid)
	if err != nil || !ok {
		return nil, false, nil
	}
	var rec keyRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, false, nil
	}
	if rec.Missing {
		r.negative.Add(kid, struct{}{})
		return nil, true, ErrUnknownKID
	}
	key, err := ParseSPKI(rec.KID, rec.PublicKey, rec.RevokedAt)
	if err != nil {
		return nil, false, nil
	}
	r.positive.Add(kid, key)
	return key, true, nil
}

func (r *CachingResolver) writeShared(ctx context.Context, kid string, key *DeviceKey) {
	if r.shared == nil {
		return
	}
	// Re-encode the SPKI so the shared record is self-contained.
	der, err := marshalSPKI(key.PublicKey)
	if err != nil {
		return
	}
	payload, _ := json.Marshal(keyRecord{
		KID:       kid,
		PublicKey: base64.StdEncoding.EncodeToString(der),
		RevokedAt: key.RevokedAt,
	})
	if err := r.shared.Set(ctx, kid, payload, r.posTTL); err != nil {
		slog.Warn("device key shared cache write failed", "kid", kid, "error", err)
	}
}

func (r *CachingResolver) writeSharedNegative(ctx context.Context, kid string) {
	if r.shared == nil {
		return
	}
	payload, _ := json.Marshal(keyRecord{KID: kid, Missing: true})
	if err := r.shared.Set(ctx, kid, payload, r.negTTL); err != nil {
		slog.Warn("device key shared cache write failed", "kid", kid, "error", err)
	}
}

func marshalSPKI(pub any) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

// identityResponse is the device-identity service's wire shape.
type identityResponse struct {
	KID       string     `json:"kid"`
	PublicKey string     `json:"publicKey"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// lookup queries the identity service, then the static fallback map.
func (r *CachingResolver) lookup(ctx context.Context, kid string) (*DeviceKey, error) {
	if r.identityURL != "" {
		key, err := r.fetchIdentity(ctx, kid)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, ErrUnknownKID) {
			slog.Warn("identity service lookup failed, trying static fallback",
				"kid", kid, "error", err)
			if key, ok := r.static[kid]; ok {
				return key, nil
			}
			return nil, err
		}
	}
	if key, ok := r.static[kid]; ok {
		return key, nil
	}
	return nil, ErrUnknownKID
}

func (r *CachingResolver) fetchIdentity(ctx context.Context, kid string) (*DeviceKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.identityURL+"/device-keys/"+kid, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrUnknownKID
	default:
		return nil, fmt.Errorf("identity service: status %d", resp.StatusCode)
	}

	var body identityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("identity service: decode: %w", err)
	}
	return ParseSPKI(kid, body.PublicKey, body.RevokedAt)
}

// StaticResolver serves keys from a fixed map only. Used in tests and for
// air-gapped deployments driven entirely by INGESTION_DEVICE_KEYS_JSON.
type StaticResolver map[string]*DeviceKey

func (s StaticResolver) Resolve(_ context.Context, kid string) (*DeviceKey, error) {
	key, ok := s[kid]
	if !ok {
		return nil, ErrUnknownKID
	}
	return key, nil
}
