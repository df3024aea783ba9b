// Package trust annotates envelopes with a signature verdict. Verification
// failures never drop an envelope — unsigned, failed, and verified traffic
// are counted separately downstream.
package trust

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"log/slog"

	"github.com/roastlabs/ingestion/internal/devicekeys"
	"github.com/roastlabs/ingestion/internal/roast"
)

// Verifier checks envelope signatures against a key resolver.
type Verifier struct {
	resolver devicekeys.Resolver
}

func NewVerifier(resolver devicekeys.Resolver) *Verifier {
	return &Verifier{resolver: resolver}
}

// Annotate returns the trust verdict for env. An unsigned envelope (no sig)
// is a distinct status from a failed one (tampering or misconfiguration).
func (v *Verifier) Annotate(ctx context.Context, env *roast.Envelope) roast.TrustAnnotation {
	if len(env.Sig) == 0 {
		return roast.TrustAnnotation{Reason: roast.ReasonMissingSig}
	}
	if env.KID == "" {
		return roast.TrustAnnotation{Reason: roast.ReasonMissingKID}
	}

	key, err := v.resolver.Resolve(ctx, env.KID)
	if err != nil {
		if !errors.Is(err, devicekeys.ErrUnknownKID) {
			// Transient resolver failure counts as unknown for this
			// envelope; the negative cache was not poisoned, so the next
			// envelope retries the lookup.
			slog.Warn("device key resolution failed", "kid", env.KID, "error", err)
		}
		return roast.TrustAnnotation{Reason: roast.ReasonUnknownKID, KID: env.KID}
	}
	if key.Revoked() {
		return roast.TrustAnnotation{Reason: roast.ReasonRevokedKey, KID: env.KID}
	}

	msg, err := env.SigningBytes()
	if err != nil {
		slog.Warn("cannot recompute signing bytes", "kid", env.KID, "error", err)
		return roast.TrustAnnotation{Reason: roast.ReasonBadSignature, KID: env.KID}
	}

	if verify(key, msg, env.Sig) {
		return roast.TrustAnnotation{Verified: true, KID: env.KID}
	}
	return roast.TrustAnnotation{Reason: roast.ReasonBadSignature, KID: env.KID}
}

// verify dispatches on the key's algorithm. Ed25519 signs the message
// directly; ECDSA-P256 signs a SHA-256 digest with an ASN.1 signature.
func verify(key *devicekeys.DeviceKey, msg, sig []byte) bool {
	switch key.Algorithm {
	case devicekeys.AlgorithmEd25519:
		pub, ok := key.PublicKey.(ed25519.PublicKey)
		return ok && ed25519.Verify(pub, msg, sig)
	case devicekeys.AlgorithmECDSAP256:
		pub, ok := key.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		digest := sha256.Sum256(msg)
		return ecdsa.VerifyASN1(pub, digest[:], sig)
	default:
		return false
	}
}
