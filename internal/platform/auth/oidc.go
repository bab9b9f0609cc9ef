package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

// OIDCValidator admits internal callers (Cloud Scheduler jobs, Pub/Sub push, IAP) that present a
// Google-signed identity token.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  *zap.Logger
	allowed map[string]bool
}

// OIDCOption customises an OIDCValidator.
type OIDCOption func(*OIDCValidator)

func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{cache: cache, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func WithOIDCLogger(logger *zap.Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithAllowedEmails only admits the listed service accounts. Without it any account signed for
// the audience passes.
func WithAllowedEmails(emails ...string) OIDCOption {
	return func(v *OIDCValidator) {
		for _, email := range emails {
			if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
				if v.allowed == nil {
					v.allowed = make(map[string]bool)
				}
				v.allowed[email] = true
			}
		}
	}
}

// ServiceIdentity is the verified caller of an internal endpoint.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type serviceIdentityKey struct{}

func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// serviceClaims is the subset of a Google identity token the validator reads.
type serviceClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// rejection is why a request was turned away. reason is logged, code is returned to the caller.
type rejection struct {
	status int
	code   string
	reason string
	err    error
	fields []zap.Field
}

// RequireOIDC admits requests whose bearer token (or IAP assertion) is RS256-signed by a key in
// the JWKS, names audience, and comes from one of issuers. An empty audience answers 503 so a
// misconfigured deployment fails closed.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	trusted := make(map[string]bool, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			trusted[issuer] = true
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, rej := v.verify(r, audience, trusted)
			if rej != nil {
				v.reject(r.Context(), w, rej)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(r.Context(), identity)))
		})
	}
}

func (v *OIDCValidator) verify(r *http.Request, audience string, trusted map[string]bool) (*ServiceIdentity, *rejection) {
	if audience == "" || v == nil || v.cache == nil {
		return nil, &rejection{status: http.StatusServiceUnavailable, code: "verification_unavailable", reason: "not_configured"}
	}
	raw, source := oidcToken(r)
	if raw == "" {
		return nil, &rejection{status: http.StatusUnauthorized, code: "unauthenticated", reason: "token_missing"}
	}

	var claims serviceClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(raw, &claims, v.cache.Keyfunc(r.Context())); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, &rejection{status: http.StatusServiceUnavailable, code: "verification_unavailable", reason: "jwks_unavailable", err: err}
		}
		return nil, &rejection{status: http.StatusUnauthorized, code: "invalid_token", reason: "token_invalid", err: err}
	}

	switch {
	case len(trusted) > 0 && !trusted[claims.Issuer]:
		return nil, &rejection{status: http.StatusUnauthorized, code: "invalid_token", reason: "issuer_mismatch", fields: []zap.Field{zap.String("issuer", claims.Issuer)}}
	case !claims.VerifyAudience(audience, true):
		return nil, &rejection{status: http.StatusUnauthorized, code: "invalid_token", reason: "audience_mismatch", fields: []zap.Field{zap.Strings("audience", claims.Audience), zap.String("source", source)}}
	case len(v.allowed) > 0 && !v.allowed[strings.ToLower(claims.Email)]:
		return nil, &rejection{status: http.StatusForbidden, code: "forbidden", reason: "email_not_allowed", fields: []zap.Field{zap.String("email", claims.Email)}}
	}
	return &ServiceIdentity{Subject: claims.Subject, Email: claims.Email, Issuer: claims.Issuer, Audience: audience}, nil
}

func (v *OIDCValidator) reject(ctx context.Context, w http.ResponseWriter, rej *rejection) {
	if v != nil && v.logger != nil {
		fields := append(rej.fields, zap.String("reason", rej.reason))
		if rej.err != nil {
			fields = append(fields, zap.Error(rej.err))
		}
		v.logger.Warn("oidc verification failed", fields...)
	}
	respondAuthError(ctx, w, rej.status, rej.code, "oidc token verification failed")
}

// oidcToken prefers the Authorization header and falls back to the IAP assertion header.
func oidcToken(r *http.Request) (token, source string) {
	if bearer, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return bearer, "authorization"
	}
	if assertion := strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion")); assertion != "" {
		return assertion, "iap"
	}
	return "", ""
}
