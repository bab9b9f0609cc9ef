package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/go-redis/redis/v8"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/cuecraft/api/internal/di"
	"github.com/cuecraft/api/internal/platform/auth"
	"github.com/cuecraft/api/internal/platform/cache"
	"github.com/cuecraft/api/internal/platform/config"
	pfirestore "github.com/cuecraft/api/internal/platform/firestore"
	"github.com/cuecraft/api/internal/platform/idempotency"
	"github.com/cuecraft/api/internal/platform/jobs"
	"github.com/cuecraft/api/internal/platform/observability"
	"github.com/cuecraft/api/internal/platform/requestctx"
	"github.com/cuecraft/api/internal/platform/secrets"
	platformstorage "github.com/cuecraft/api/internal/platform/storage"
	"github.com/cuecraft/api/internal/repositories"
	firestoreRepo "github.com/cuecraft/api/internal/repositories/firestore"
	"github.com/cuecraft/api/internal/repositories/memory"
	"github.com/cuecraft/api/internal/services"
)

const shutdownGrace = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	infra := di.Infrastructure{
		Logger: baseLogger,
		Clock:  time.Now,
		Build:  buildInfoFromEnv(envValues, cfg, startedAt),
	}

	registry, err := openRegistry(ctx, logger, cfg, &infra)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}

	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		client, err := cache.Dial(ctx, cache.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			// Unread counts fall back to the store and the chat limiter to one per process.
			logger.Warn("redis unavailable, continuing without it", zap.Error(err))
		} else {
			defer func() { _ = client.Close() }()
			infra.Redis = client
			infra.HealthChecks = append(infra.HealthChecks, redisCheck(client))
		}
	}

	if publisher, closePublisher, err := newPublisher(ctx, cfg); err != nil {
		logger.Warn("pubsub publisher disabled", zap.Error(err))
	} else if publisher != nil {
		defer closePublisher()
		infra.Events = publisher
		infra.Dispatcher = publisher
	}

	if media, err := newMediaSigner(cfg); err != nil {
		logger.Warn("signed uploads disabled", zap.Error(err))
	} else {
		infra.Media = media
	}

	if strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		var opts []auth.FirebaseOption
		if cfg.Firebase.CheckRevoked {
			opts = append(opts, auth.WithRevocationCheck())
		}
		firebaseClient, err := auth.NewFirebaseClient(ctx, cfg.Firebase, opts...)
		if err != nil {
			logger.Fatal("failed to initialise firebase", zap.Error(err))
		}
		infra.Tokens = firebaseClient
		infra.Directory = firebaseClient
	} else {
		logger.Warn("firebase project not configured; member routes will answer 503")
	}

	infra.ServiceAuth = newServiceAuth(logger, cfg)
	infra.HealthChecks = append(infra.HealthChecks, secretManagerCheck(fetcher))

	container, err := di.NewContainer(cfg, registry, infra)
	if err != nil {
		logger.Fatal("failed to wire dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("store close error", zap.Error(err))
		}
	}()

	go container.RunIdempotencyCleanup(ctx, cfg.Idempotency.CleanupInterval)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           container.Router(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.String("version", infra.Build.Version),
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

// openRegistry selects the entity store. Firestore also backs idempotency records and the
// firestore readiness check.
func openRegistry(ctx context.Context, logger *zap.Logger, cfg config.Config, infra *di.Infrastructure) (repositories.Registry, error) {
	if cfg.Store.Driver == config.StoreDriverMemory {
		logger.Warn("using in-memory store; state is lost on restart")
		infra.Idempotency = idempotency.NewMemoryStore()
		return memory.NewStore(), nil
	}

	var providerOpts []pfirestore.ProviderOption
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
		providerOpts = append(providerOpts, pfirestore.WithClientOptions(option.WithCredentialsFile(file)))
	}
	provider := pfirestore.NewProvider(cfg.Firestore, providerOpts...)
	client, err := provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	registry, err := firestoreRepo.NewRegistry(provider)
	if err != nil {
		_ = provider.Close(context.Background())
		return nil, err
	}
	infra.Idempotency = idempotency.NewFirestoreStore(client)
	infra.HealthChecks = append(infra.HealthChecks, firestoreCheck(client))
	return registry, nil
}

func newPublisher(ctx context.Context, cfg config.Config) (*jobs.PubSubPublisher, func(), error) {
	project := strings.TrimSpace(cfg.PubSub.ProjectID)
	if project == "" {
		return nil, nil, nil
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	topic := func(name string) *pubsub.Topic {
		if name = strings.TrimSpace(name); name == "" {
			return nil
		}
		return client.Topic(name)
	}
	publisher, err := jobs.NewPubSubPublisher(topic(cfg.PubSub.OrderEventsTopic), topic(cfg.PubSub.NotificationsTopic))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return publisher, func() {
		publisher.Stop()
		_ = client.Close()
	}, nil
}

func newMediaSigner(cfg config.Config) (*platformstorage.MediaSigner, error) {
	key := strings.TrimSpace(cfg.Storage.SignerKey)
	if key == "" {
		return nil, errors.New("storage signer key is not configured")
	}
	signer, err := platformstorage.NewServiceAccountSignerFromJSON([]byte(key))
	if err != nil {
		return nil, err
	}
	client, err := platformstorage.NewClient(signer)
	if err != nil {
		return nil, err
	}
	return platformstorage.NewMediaSigner(client, platformstorage.MediaConfig{
		AttachmentsBucket: cfg.Storage.AttachmentsBucket,
		DeliveriesBucket:  cfg.Storage.DeliveriesBucket,
		TTL:               cfg.Storage.SignedURLTTL,
		MaxUploadBytes:    cfg.Storage.MaxUploadBytes,
		NewID:             func() string { return ulid.Make().String() },

		DeliveryContentTypes: []string{"audio/*", "application/zip"},
	})
}

// newServiceAuth guards /internal with Google-signed OIDC tokens. The audience may be set per
// environment through API_SECURITY_OIDC_AUDIENCES.
func newServiceAuth(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.JWKSURL) == "" {
		return nil
	}
	audience := strings.TrimSpace(oidc.Audiences[cfg.Security.Environment])
	if audience == "" {
		audience = strings.TrimSpace(oidc.Audience)
	}
	if audience == "" || len(oidc.Issuers) == 0 {
		logger.Warn("oidc audience or issuers not configured; internal routes will answer 503")
		return nil
	}
	authLogger := logger.Named("auth")
	keys := auth.NewJWKSCache(oidc.JWKSURL, auth.WithJWKSLogger(authLogger))
	return auth.NewOIDCValidator(keys, auth.WithOIDCLogger(authLogger)).RequireOIDC(audience, oidc.Issuers)
}

func firestoreCheck(client *firestore.Client) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check: func(ctx context.Context) error {
			_, err := client.Collections(ctx).Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		},
	}
}

func redisCheck(client *redis.Client) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:     "redis",
		Timeout:  time.Second,
		Optional: true,
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}

func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	const probe = "secret://system-healthz"
	return repositories.DependencyCheck{
		Name:     "secretManager",
		Timeout:  time.Second,
		Optional: true,
		Check: func(ctx context.Context) error {
			if _, err := fetcher.Resolve(ctx, probe); err != nil && !errors.Is(err, secrets.ErrNotFound) {
				return err
			}
			return nil
		},
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string { return strings.TrimSpace(env[key]) }

	opts := []secrets.Option{secrets.WithLogger(logger.Named("secrets"))}
	project := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	if project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if projects := parseKeyValueList(lookup("API_SECRET_PROJECT_IDS")); len(projects) > 0 {
		opts = append(opts, secrets.WithEnvironmentProjects(securityEnvironment(env), projects))
	}
	if path, ok := env["API_SECRET_FALLBACK_FILE"]; ok {
		opts = append(opts, secrets.WithFallbackFile(strings.TrimSpace(path)))
	}
	if file := lookup("API_FIREBASE_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets a deployed environment cannot start without. Local runs
// tolerate their absence and disable the features that need them.
func requiredSecretNames(env map[string]string) []string {
	if securityEnvironment(env) == "local" {
		return nil
	}
	return []string{"Stripe.WebhookSecret", "Storage.SignerKey"}
}

func securityEnvironment(env map[string]string) string {
	if label := strings.ToLower(strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"])); label != "" {
		return label
	}
	return "local"
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// parseKeyValueList reads "a=b,c=d" pairs, lower-casing keys and skipping malformed entries.
func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		key, value = strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
