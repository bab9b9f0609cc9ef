package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/cuecraft/api/internal/platform/config"
)

// UserGetter retrieves Firebase user records.
type UserGetter interface {
	GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
}

// FirebaseClient wraps the Admin SDK auth client with bounded calls. It verifies ID tokens for
// the authenticator and loads user records for registration.
type FirebaseClient struct {
	client       *firebaseauth.Client
	timeout      time.Duration
	checkRevoked bool
}

// FirebaseOption customises FirebaseClient instances.
type FirebaseOption func(*FirebaseClient)

// WithFirebaseTimeout overrides the timeout used for Admin SDK calls.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(c *FirebaseClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRevocationCheck rejects tokens whose sessions were revoked. It costs one Admin API call per
// request.
func WithRevocationCheck() FirebaseOption {
	return func(c *FirebaseClient) {
		c.checkRevoked = true
	}
}

var (
	_ TokenVerifier = (*FirebaseClient)(nil)
	_ UserGetter    = (*FirebaseClient)(nil)
)

// NewFirebaseClient initialises the Admin SDK for the configured project.
func NewFirebaseClient(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseClient, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}

	c := &FirebaseClient{client: authClient, timeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// VerifyIDToken implements TokenVerifier.
func (c *FirebaseClient) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("firebase client not initialised")
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	if c.checkRevoked {
		return c.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
	}
	return c.client.VerifyIDToken(ctx, idToken)
}

// GetUser loads the Firebase user record for uid.
func (c *FirebaseClient) GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("firebase client not initialised")
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.client.GetUser(ctx, uid)
}

func (c *FirebaseClient) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
