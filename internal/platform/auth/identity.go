package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Identity is the Firebase account behind a verified ID token. Marketplace roles are not carried
// here; they are resolved from the user record.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
	Name          string

	token *firebaseauth.Token
}

func identityFromToken(token *firebaseauth.Token) *Identity {
	email, _ := token.Claims["email"].(string)
	verified, _ := token.Claims["email_verified"].(bool)
	name, _ := token.Claims["name"].(string)
	return &Identity{
		UID:           token.UID,
		Email:         strings.TrimSpace(email),
		EmailVerified: verified,
		Name:          strings.TrimSpace(name),
		token:         token,
	}
}

// Token is the decoded ID token, or nil for identities built in tests.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}
