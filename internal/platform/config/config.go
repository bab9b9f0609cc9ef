package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultRequestTimeout       = 30 * time.Second
	defaultStoreDriver          = StoreDriverFirestore
	defaultSignedURLTTL         = 15 * time.Minute
	defaultMaxUploadBytes       = 200 << 20
	defaultStripeTolerance      = 5 * time.Minute
	defaultWebhookDedupTTL      = 72 * time.Hour
	defaultOrderEventsTopic     = "order-events"
	defaultNotificationsTopic   = "notifications"
	defaultRedisUnreadTTL       = 10 * time.Minute
	defaultChatMaxLength        = 4000
	defaultChatMessagesPerMin   = 60
	defaultChatPollInterval     = 3 * time.Second
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultSecurityIAPIssuer    = "https://cloud.google.com/iap"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Supported entity store drivers.
const (
	StoreDriverFirestore = "firestore"
	StoreDriverMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Store       StoreConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	Stripe      StripeConfig
	PubSub      PubSubConfig
	Redis       RedisConfig
	Webhooks    WebhookConfig
	Chat        ChatConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// StoreConfig selects the entity store implementation. The memory driver keeps all state in
// process and is meant for local runs.
type StoreConfig struct {
	Driver string
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	CheckRevoked    bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig lists bucket names and signing parameters for Cloud Storage.
type StorageConfig struct {
	AttachmentsBucket string
	DeliveriesBucket  string
	SignedURLTTL      time.Duration
	SignerKey         string
	MaxUploadBytes    int64
}

// StripeConfig holds payment processor credentials. Only webhooks are consumed.
type StripeConfig struct {
	WebhookSecret string
	Tolerance     time.Duration
}

// PubSubConfig names the topics domain events are published to. Empty topics disable publishing.
type PubSubConfig struct {
	ProjectID          string
	OrderEventsTopic   string
	NotificationsTopic string
}

// RedisConfig configures the unread notification counter cache. An empty address disables it.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	UnreadTTL time.Duration
}

// WebhookConfig controls processing of inbound payment webhooks.
type WebhookConfig struct {
	DedupTTL time.Duration
}

// ChatConfig bounds chat message input.
type ChatConfig struct {
	MaxMessageLength     int
	MessagesPerMinute    int
	PollInterval         time.Duration
	AllowedAttachmentExt []string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver turns a secret:// reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists the fields that are missing or could not be parsed. Field names use the
// Go path (Server.Port) for semantic checks and the variable name for parse failures.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: invalid fields [" + strings.Join(e.fields, ", ") + "]"
}

// Fields returns a copy of the offending field names in detection order.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a failed secret lookup.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError is returned when a secret named by WithRequiredSecrets resolved to nothing.
// Error() only prints redacted names so the message is safe to log.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "config: missing required secrets"
	}
	return "config: missing required secrets [" + strings.Join(e.RedactedNames(), ", ") + "]"
}

// Names returns the sorted field names of the missing secrets.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns the sorted hashes of the missing secret names.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := make([]string, len(e.names))
	for i, name := range e.names {
		out[i] = redactSecretName(name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")
