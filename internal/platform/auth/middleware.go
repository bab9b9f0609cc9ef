package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/cuecraft/api/internal/platform/httpx"
	"github.com/cuecraft/api/internal/platform/requestctx"
)

var (
	// ErrTokenExpired lets verifiers other than Firebase report an expired token.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid lets verifiers other than Firebase report an unusable token.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens. *firebaseauth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns Firebase ID tokens into request identities. It does not decide what the
// caller may do; that happens once the identity is resolved to a marketplace principal.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithVerificationTimeout bounds each VerifyIDToken call. The default is five seconds.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, timeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth verifies the bearer token and stores the Identity on the request context.
func (a *Authenticator) RequireFirebaseAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, rej := a.authenticate(r)
			if rej != nil {
				if rej.err != nil {
					requestctx.Logger(r.Context()).Debug("firebase token rejected", zap.String("reason", rej.reason), zap.Error(rej.err))
				}
				respondAuthError(r.Context(), w, rej.status, rej.code, rej.reason)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func (a *Authenticator) authenticate(r *http.Request) (*Identity, *rejection) {
	raw, ok := extractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, &rejection{status: http.StatusUnauthorized, code: "unauthenticated", reason: "authorization header missing or invalid"}
	}
	if a == nil || a.verifier == nil {
		return nil, &rejection{status: http.StatusServiceUnavailable, code: "verification_unavailable", reason: "authorization service unavailable"}
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	token, err := a.verifier.VerifyIDToken(ctx, raw)
	switch {
	case err == nil:
		return identityFromToken(token), nil
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return nil, &rejection{status: http.StatusUnauthorized, code: "token_expired", reason: "firebase id token expired", err: err}
	case firebaseauth.IsIDTokenRevoked(err):
		return nil, &rejection{status: http.StatusUnauthorized, code: "token_revoked", reason: "firebase session revoked", err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &rejection{status: http.StatusServiceUnavailable, code: "verification_unavailable", reason: "firebase verification timed out", err: err}
	default:
		return nil, &rejection{status: http.StatusUnauthorized, code: "invalid_token", reason: "firebase id token invalid", err: err}
	}
}

// extractBearerToken accepts "Bearer <token>" with any casing of the scheme.
func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
