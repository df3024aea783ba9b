package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gateHandler(t *testing.T, g *Gate) http.Handler {
	t.Helper()
	return g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r.Context())
		require.True(t, ok)
		w.Header().Set("X-Acting-Org", actor.OrgID)
		w.Header().Set("X-Acting-User", actor.UserID)
		w.WriteHeader(http.StatusOK)
	}))
}

func TestDevModeConfiguredActor(t *testing.T) {
	g, err := NewGate(Config{Mode: ModeDev, DevActor: Actor{
		OrgID: "dev-org", UserID: "dev-user", Name: "Local Developer",
	}})
	require.NoError(t, err)
	h := gateHandler(t, g)

	// No header: every request acts as the configured dev actor.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev-org", rec.Header().Get("X-Acting-Org"))
	assert.Equal(t, "dev-user", rec.Header().Get("X-Acting-User"))

	// Header override still works for impersonation from local tooling.
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("X-Org-ID", "acme")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", rec.Header().Get("X-Acting-Org"))
}

func TestDevModeSystemActor(t *testing.T) {
	g, err := NewGate(Config{Mode: ModeDev, DevActor: Actor{OrgID: SystemOrg}})
	require.NoError(t, err)

	actor, err := g.authenticate(httptest.NewRequest(http.MethodGet, "/sessions", nil))
	require.NoError(t, err)
	assert.True(t, actor.System)
}

func TestDevModeHeader(t *testing.T) {
	g, err := NewGate(Config{Mode: ModeDev})
	require.NoError(t, err)
	h := gateHandler(t, g)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("X-Org-ID", "acme")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", rec.Header().Get("X-Acting-Org"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no configured actor, no header, no identity")
}

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func TestBearerMode(t *testing.T) {
	g, err := NewGate(Config{Mode: ModeBearer, Secret: "topsecret"})
	require.NoError(t, err)
	h := gateHandler(t, g)

	do := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	good := signToken(t, "topsecret", Claims{
		OrgID: "acme",
		Name:  "Roaster One",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "user-17",
		},
	})
	rec := do(good)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", rec.Header().Get("X-Acting-Org"))
	assert.Equal(t, "user-17", rec.Header().Get("X-Acting-User"))

	assert.Equal(t, http.StatusUnauthorized, do("").Code)
	assert.Equal(t, http.StatusUnauthorized, do("garbage").Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(signToken(t, "wrongsecret", Claims{OrgID: "acme"})).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(signToken(t, "topsecret", Claims{})).Code, "token without orgId")

	expired := signToken(t, "topsecret", Claims{
		OrgID: "acme",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	assert.Equal(t, http.StatusUnauthorized, do(expired).Code)
}

func TestBearerIssuerAndAudience(t *testing.T) {
	g, err := NewGate(Config{
		Mode:     ModeBearer,
		Secret:   "topsecret",
		Issuer:   "https://id.roastlabs.dev",
		Audience: "ingestion",
	})
	require.NoError(t, err)

	sign := func(iss string, aud []string) string {
		return signToken(t, "topsecret", Claims{
			OrgID: "acme",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:   iss,
				Audience: jwt.ClaimStrings(aud),
			},
		})
	}

	actor, err := g.parseToken(sign("https://id.roastlabs.dev", []string{"ingestion"}))
	require.NoError(t, err)
	assert.Equal(t, "acme", actor.OrgID)

	_, err = g.parseToken(sign("https://evil.example", []string{"ingestion"}))
	assert.Error(t, err, "wrong issuer")
	_, err = g.parseToken(sign("https://id.roastlabs.dev", []string{"other-service"}))
	assert.Error(t, err, "wrong audience")
	_, err = g.parseToken(sign("", nil))
	assert.Error(t, err, "claims missing entirely")
}

func TestOrgIsolation(t *testing.T) {
	assert.True(t, Actor{OrgID: "acme"}.CanAccess("acme"))
	assert.False(t, Actor{OrgID: "acme"}.CanAccess("rival"))
	assert.True(t, Actor{OrgID: SystemOrg, System: true}.CanAccess("rival"))

	ctx := WithActor(context.Background(), Actor{OrgID: "acme"})
	status, err := RequireOrg(ctx, "rival")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Error(t, err)

	status, err = RequireOrg(context.Background(), "acme")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Error(t, err)

	status, err = RequireOrg(ctx, "acme")
	assert.Zero(t, status)
	assert.NoError(t, err)
}

func TestSystemRoleClaim(t *testing.T) {
	g, err := NewGate(Config{Mode: ModeBearer, Secret: "topsecret"})
	require.NoError(t, err)

	actor, err := g.parseToken(signToken(t, "topsecret", Claims{OrgID: "ops-team", Role: "system"}))
	require.NoError(t, err)
	assert.True(t, actor.System)
	assert.True(t, actor.CanAccess("anything"))
}

func TestUnknownModeRejected(t *testing.T) {
	_, err := NewGate(Config{Mode: "yolo"})
	assert.Error(t, err)
	_, err = NewGate(Config{Mode: ModeBearer})
	assert.Error(t, err, "bearer without secret")
}
