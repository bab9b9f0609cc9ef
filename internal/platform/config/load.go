package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// defaults are registered on every loader as the lowest layer. Values are kept as strings so
// every layer is parsed the same way.
var defaults = map[string]string{
	"API_SERVER_PORT":                  defaultPort,
	"API_SERVER_READ_TIMEOUT":          defaultReadTimeout.String(),
	"API_SERVER_WRITE_TIMEOUT":         defaultWriteTimeout.String(),
	"API_SERVER_IDLE_TIMEOUT":          defaultIdleTimeout.String(),
	"API_SERVER_REQUEST_TIMEOUT":       defaultRequestTimeout.String(),
	"API_STORE_DRIVER":                 defaultStoreDriver,
	"API_STORAGE_SIGNED_URL_TTL":       defaultSignedURLTTL.String(),
	"API_STORAGE_MAX_UPLOAD_BYTES":     strconv.Itoa(defaultMaxUploadBytes),
	"API_STRIPE_WEBHOOK_TOLERANCE":     defaultStripeTolerance.String(),
	"API_PUBSUB_ORDER_EVENTS_TOPIC":    defaultOrderEventsTopic,
	"API_PUBSUB_NOTIFICATIONS_TOPIC":   defaultNotificationsTopic,
	"API_REDIS_DB":                     "0",
	"API_REDIS_UNREAD_TTL":             defaultRedisUnreadTTL.String(),
	"API_WEBHOOK_DEDUP_TTL":            defaultWebhookDedupTTL.String(),
	"API_CHAT_MAX_MESSAGE_LENGTH":      strconv.Itoa(defaultChatMaxLength),
	"API_CHAT_MESSAGES_PER_MIN":        strconv.Itoa(defaultChatMessagesPerMin),
	"API_CHAT_POLL_INTERVAL":           defaultChatPollInterval.String(),
	"API_SECURITY_ENVIRONMENT":         defaultSecurityEnvironment,
	"API_SECURITY_OIDC_JWKS_URL":       defaultOIDCJWKSURL,
	"API_IDEMPOTENCY_HEADER":           defaultIdempotencyHeader,
	"API_IDEMPOTENCY_TTL":              defaultIdempotencyTTL.String(),
	"API_IDEMPOTENCY_CLEANUP_INTERVAL": defaultIdempotencyInterval.String(),
	"API_IDEMPOTENCY_CLEANUP_BATCH":    strconv.Itoa(defaultIdempotencyBatchSize),
}

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithEnvFile points the loader at a dotenv file. An empty path or a missing file is skipped.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap adds explicit values that win over both the process environment and the dotenv file.
// Empty values are ignored.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv stops the loader from reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets names secret fields (e.g. "Stripe.WebhookSecret") that must resolve to a
// non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic with *MissingSecretsError instead of returning it.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// layers stacks the dotenv file, the process environment and the explicit map, lowest first.
func (o loaderOptions) layers() (*viper.Viper, error) {
	v := viper.New()
	if o.envFile != "" {
		v.SetConfigFile(o.envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", o.envFile, err)
		}
	}
	if o.useSystemEnv {
		for _, entry := range os.Environ() {
			name, _, ok := strings.Cut(entry, "=")
			if !ok || name == "" || strings.Contains(name, ".") {
				continue
			}
			if err := v.BindEnv(name, name); err != nil {
				return nil, fmt.Errorf("config: bind %s: %w", name, err)
			}
		}
	}
	for key, value := range o.envMap {
		if value != "" {
			v.Set(key, value)
		}
	}
	return v, nil
}

// Snapshot captures the merged environment and the secrets Load resolved, for callers that wire
// dependent components from the same inputs.
type Snapshot struct {
	EnvFile         string
	Values          map[string]string
	ResolvedSecrets map[string]string
}

// EnvironmentValues returns the merged environment with the same precedence as Load: the dotenv
// file, then the process environment, then WithEnvMap. Keys are upper-cased.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	v, err := newLoaderOptions(opts).layers()
	if err != nil {
		return nil, err
	}
	values := make(map[string]string)
	for _, key := range v.AllKeys() {
		values[strings.ToUpper(key)] = v.GetString(key)
	}
	return values, nil
}

// env reads typed values out of the layered lookup and records the keys it could not parse.
type env struct {
	v       *viper.Viper
	invalid []string
}

func (e *env) str(key string) string {
	return strings.TrimSpace(e.v.GetString(key))
}

func (e *env) duration(key string) time.Duration {
	raw := e.str(key)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.invalid = append(e.invalid, key)
	}
	return d
}

func (e *env) integer(key string) int {
	raw := e.str(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.invalid = append(e.invalid, key)
	}
	return n
}

func (e *env) flag(key string) bool {
	switch strings.ToLower(e.str(key)) {
	case "", "false", "0", "no", "off":
		return false
	case "true", "1", "yes", "on":
		return true
	}
	e.invalid = append(e.invalid, key)
	return false
}

// list splits a comma separated value and drops blanks.
func (e *env) list(key string) []string {
	out := []string{}
	for _, part := range strings.Split(e.str(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "name=value,name=value" with lower-cased names. Malformed entries are skipped.
func (e *env) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range e.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name, value = strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

// Load builds the configuration from defaults, the dotenv file, the process environment and
// WithEnvMap, then resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	v, err := options.layers()
	if err != nil {
		return Config{}, err
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	e := &env{v: v}
	cfg := Config{
		Server: ServerConfig{
			Port:           e.str("API_SERVER_PORT"),
			ReadTimeout:    e.duration("API_SERVER_READ_TIMEOUT"),
			WriteTimeout:   e.duration("API_SERVER_WRITE_TIMEOUT"),
			IdleTimeout:    e.duration("API_SERVER_IDLE_TIMEOUT"),
			RequestTimeout: e.duration("API_SERVER_REQUEST_TIMEOUT"),
		},
		Store: StoreConfig{Driver: strings.ToLower(e.str("API_STORE_DRIVER"))},
		Firebase: FirebaseConfig{
			ProjectID:       e.str("API_FIREBASE_PROJECT_ID"),
			CredentialsFile: e.str("API_FIREBASE_CREDENTIALS_FILE"),
			CheckRevoked:    e.flag("API_FIREBASE_CHECK_REVOKED"),
		},
		Firestore: FirestoreConfig{
			ProjectID:    e.str("API_FIRESTORE_PROJECT_ID"),
			EmulatorHost: e.str("API_FIRESTORE_EMULATOR_HOST"),
		},
		Storage: StorageConfig{
			AttachmentsBucket: e.str("API_STORAGE_ATTACHMENTS_BUCKET"),
			DeliveriesBucket:  e.str("API_STORAGE_DELIVERIES_BUCKET"),
			SignedURLTTL:      e.duration("API_STORAGE_SIGNED_URL_TTL"),
			SignerKey:         e.str("API_STORAGE_SIGNER_KEY"),
			MaxUploadBytes:    int64(e.integer("API_STORAGE_MAX_UPLOAD_BYTES")),
		},
		Stripe: StripeConfig{
			WebhookSecret: e.str("API_STRIPE_WEBHOOK_SECRET"),
			Tolerance:     e.duration("API_STRIPE_WEBHOOK_TOLERANCE"),
		},
		PubSub: PubSubConfig{
			ProjectID:          e.str("API_PUBSUB_PROJECT_ID"),
			OrderEventsTopic:   e.str("API_PUBSUB_ORDER_EVENTS_TOPIC"),
			NotificationsTopic: e.str("API_PUBSUB_NOTIFICATIONS_TOPIC"),
		},
		Redis: RedisConfig{
			Addr:      e.str("API_REDIS_ADDR"),
			Password:  e.str("API_REDIS_PASSWORD"),
			DB:        e.integer("API_REDIS_DB"),
			UnreadTTL: e.duration("API_REDIS_UNREAD_TTL"),
		},
		Webhooks: WebhookConfig{DedupTTL: e.duration("API_WEBHOOK_DEDUP_TTL")},
		Chat: ChatConfig{
			MaxMessageLength:     e.integer("API_CHAT_MAX_MESSAGE_LENGTH"),
			MessagesPerMinute:    e.integer("API_CHAT_MESSAGES_PER_MIN"),
			PollInterval:         e.duration("API_CHAT_POLL_INTERVAL"),
			AllowedAttachmentExt: e.list("API_CHAT_ATTACHMENT_EXTENSIONS"),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(e.str("API_SECURITY_ENVIRONMENT")),
			OIDC: OIDCConfig{
				JWKSURL:   e.str("API_SECURITY_OIDC_JWKS_URL"),
				Audience:  e.str("API_SECURITY_OIDC_AUDIENCE"),
				Audiences: e.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   e.list("API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           e.str("API_IDEMPOTENCY_HEADER"),
			TTL:              e.duration("API_IDEMPOTENCY_TTL"),
			CleanupInterval:  e.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL"),
			CleanupBatchSize: e.integer("API_IDEMPOTENCY_CLEANUP_BATCH"),
		},
	}
	applyDerivedDefaults(&cfg)

	resolved := make(map[string]string)
	for _, target := range []struct {
		name  string
		field *string
	}{
		{"Stripe.WebhookSecret", &cfg.Stripe.WebhookSecret},
		{"Redis.Password", &cfg.Redis.Password},
		{"Storage.SignerKey", &cfg.Storage.SignerKey},
	} {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if fields := append(validate(cfg), e.invalid...); len(fields) > 0 {
		return Config{}, &ValidationError{fields: fields}
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintln(os.Stderr, missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

// applyDerivedDefaults fills values that default to other settings.
func applyDerivedDefaults(cfg *Config) {
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}
	if len(cfg.Chat.AllowedAttachmentExt) == 0 {
		cfg.Chat.AllowedAttachmentExt = []string{".mp3", ".wav", ".flac", ".pdf", ".png", ".jpg"}
	}
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	ref, ok := secretReference(value)
	if !ok {
		return value, nil
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

// secretReference reports whether value points at a secret and returns it in secret:// form.
// sm:// is accepted as an older spelling.
func secretReference(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest, true
	}
	return value, strings.HasPrefix(value, "secret://")
}

func validate(cfg Config) []string {
	var fields []string
	check := func(ok bool, field string) {
		if !ok {
			fields = append(fields, field)
		}
	}

	switch cfg.Store.Driver {
	case StoreDriverFirestore:
		check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case StoreDriverMemory:
	default:
		fields = append(fields, "Store.Driver")
	}
	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	check(cfg.Server.RequestTimeout > 0, "Server.RequestTimeout")
	check(cfg.Storage.SignedURLTTL > 0 && cfg.Storage.SignedURLTTL <= 7*24*time.Hour, "Storage.SignedURLTTL")
	check(cfg.Chat.MaxMessageLength > 0, "Chat.MaxMessageLength")
	check(cfg.Webhooks.DedupTTL > 0, "Webhooks.DedupTTL")
	check(cfg.Idempotency.Header != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")
	return fields
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var names []string
	seen := make(map[string]bool)
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if resolved[name] == "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return &MissingSecretsError{names: names}
}

// redactSecretName hashes a field name so error messages do not reveal which secret is absent.
func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
