package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testAudience = "https://cuecraft-api.internal"
	googleIssuer = "https://accounts.google.com"
	iapIssuer    = "https://cloud.google.com/iap"
)

type oidcFixture struct {
	validator *OIDCValidator
	cache     *JWKSCache
	logs      *observer.ObservedLogs
	sign      func(mutate func(jwt.MapClaims)) string
}

func setupOIDCTest(t *testing.T, opts ...OIDCOption) oidcFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "svc-key", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	now := time.Unix(1_700_000_000, 0)
	originalTimeFunc := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = originalTimeFunc })

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	cache := NewJWKSCache(server.URL, WithJWKSLogger(logger), WithJWKSClock(func() time.Time { return now }))
	validator := NewOIDCValidator(cache, append([]OIDCOption{WithOIDCLogger(logger)}, opts...)...)

	sign := func(mutate func(jwt.MapClaims)) string {
		claims := jwt.MapClaims{
			"aud":   []string{testAudience},
			"iss":   googleIssuer,
			"sub":   "1234567890",
			"email": "scheduler@cuecraft.iam.gserviceaccount.com",
			"exp":   float64(now.Add(time.Hour).Unix()),
			"iat":   float64(now.Unix()),
		}
		if mutate != nil {
			mutate(claims)
		}
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = "svc-key"
		signed, err := token.SignedString(key)
		require.NoError(t, err)
		return signed
	}

	return oidcFixture{validator: validator, cache: cache, logs: logs, sign: sign}
}

func serveOIDC(f oidcFixture, req *http.Request, next http.Handler) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.validator.RequireOIDC(testAudience, []string{googleIssuer, iapIssuer})(next).ServeHTTP(rr, req)
	return rr
}

func rejectReason(t *testing.T, logs *observer.ObservedLogs) string {
	t.Helper()
	entries := logs.FilterMessage("oidc verification failed").All()
	require.NotEmpty(t, entries)
	reason, _ := entries[len(entries)-1].ContextMap()["reason"].(string)
	return reason
}

func TestOIDCRequireOIDC_Success(t *testing.T) {
	f := setupOIDCTest(t)
	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/idempotency-cleanup", nil)
	req.Header.Set("Authorization", "Bearer "+f.sign(nil))

	var identity *ServiceIdentity
	rr := serveOIDC(f, req, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = ServiceIdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	require.NotNil(t, identity)
	assert.Equal(t, "1234567890", identity.Subject)
	assert.Equal(t, googleIssuer, identity.Issuer)
	assert.Equal(t, testAudience, identity.Audience)
}

func TestOIDCRequireOIDC_UsesIAPHeader(t *testing.T) {
	f := setupOIDCTest(t)
	req := httptest.NewRequest(http.MethodPost, "/internal/test", nil)
	req.Header.Set("X-Goog-Iap-Jwt-Assertion", f.sign(func(c jwt.MapClaims) { c["iss"] = iapIssuer }))

	rr := serveOIDC(f, req, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestOIDCRequireOIDC_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		opts   []OIDCOption
		mutate func(jwt.MapClaims)
		header bool
		status int
		reason string
	}{
		{name: "missing token", status: http.StatusUnauthorized, reason: "token_missing"},
		{name: "audience mismatch", header: true, mutate: func(c jwt.MapClaims) { c["aud"] = "https://elsewhere" }, status: http.StatusUnauthorized, reason: "audience_mismatch"},
		{name: "issuer mismatch", header: true, mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example" }, status: http.StatusUnauthorized, reason: "issuer_mismatch"},
		{name: "expired", header: true, mutate: func(c jwt.MapClaims) { c["exp"] = float64(1) }, status: http.StatusUnauthorized, reason: "token_invalid"},
		{name: "email not allowed", header: true, opts: []OIDCOption{WithAllowedEmails("pubsub@cuecraft.iam.gserviceaccount.com")}, status: http.StatusForbidden, reason: "email_not_allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setupOIDCTest(t, tc.opts...)
			req := httptest.NewRequest(http.MethodPost, "/internal/test", nil)
			if tc.header {
				req.Header.Set("Authorization", "Bearer "+f.sign(tc.mutate))
			}
			rr := serveOIDC(f, req, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler should not be called")
			}))
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, tc.reason, rejectReason(t, f.logs))
		})
	}
}

func TestOIDCRequireOIDC_JWKSUnavailable(t *testing.T) {
	f := setupOIDCTest(t)
	f.cache.url = "http://127.0.0.1:1/unreachable"

	req := httptest.NewRequest(http.MethodPost, "/internal/test", nil)
	req.Header.Set("Authorization", "Bearer "+f.sign(nil))
	rr := serveOIDC(f, req, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be called")
	}))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "jwks_unavailable", rejectReason(t, f.logs))
}

func TestOIDCRequireOIDC_AudienceNotConfigured(t *testing.T) {
	f := setupOIDCTest(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/test", nil)
	f.validator.RequireOIDC("", nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestServiceIdentityFromContextMissing(t *testing.T) {
	_, ok := ServiceIdentityFromContext(context.Background())
	assert.False(t, ok)
}
