// Package di assembles services, handlers, and the HTTP router from a repository registry and
// the external clients built by cmd/api.
package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/cuecraft/api/internal/handlers"
	"github.com/cuecraft/api/internal/payments"
	"github.com/cuecraft/api/internal/platform/auth"
	"github.com/cuecraft/api/internal/platform/cache"
	"github.com/cuecraft/api/internal/platform/config"
	"github.com/cuecraft/api/internal/platform/httpx"
	"github.com/cuecraft/api/internal/platform/idempotency"
	"github.com/cuecraft/api/internal/platform/observability"
	"github.com/cuecraft/api/internal/platform/pagination"
	"github.com/cuecraft/api/internal/repositories"
	"github.com/cuecraft/api/internal/services"
)

// IdempotencyStore is the replay store behind both the Idempotency-Key middleware and the
// payment webhook ledger.
type IdempotencyStore interface {
	idempotency.Store
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// MediaSigner issues every signed Cloud Storage URL the API hands out.
type MediaSigner interface {
	services.AttachmentSigner
	services.DeliverySigner
	services.DownloadSigner
}

// Infrastructure holds the external clients. A nil field switches the matching feature off:
// no Redis means no unread cache and a per-process chat limiter, no publisher means no outbound
// events, no media signer means upload and download URL endpoints answer 503.
type Infrastructure struct {
	Logger *zap.Logger
	Clock  func() time.Time
	Build  services.BuildInfo

	// Tokens verifies Firebase ID tokens on member routes; Directory backfills profile fields.
	Tokens    auth.TokenVerifier
	Directory auth.UserGetter
	// ServiceAuth guards /internal, normally the OIDC validator.
	ServiceAuth func(http.Handler) http.Handler

	Redis         *redis.Client
	Events        services.OrderEventPublisher
	Dispatcher    services.NotificationPublisher
	Media         MediaSigner
	Idempotency   IdempotencyStore
	PaymentParser payments.EventParser
	HealthChecks  []repositories.DependencyCheck
}

// Services bundles the service layer.
type Services struct {
	Users           services.UserService
	Orders          services.OrderService
	Chats           services.ChatService
	Notifications   services.NotificationService
	Moderation      services.ModerationService
	Library         services.LibraryService
	PaymentWebhooks services.PaymentWebhookService
	System          services.SystemService
}

// Container owns the assembled runtime.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services

	infra       Infrastructure
	idempotency IdempotencyStore
	unread      services.UnreadCountCache
	limiter     handlers.RateLimiter
	parser      payments.EventParser
}

// NewContainer builds every service over reg.
func NewContainer(cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("di: repository registry is required")
	}
	if infra.Logger == nil {
		infra.Logger = zap.NewNop()
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}

	c := &Container{Config: cfg, Repositories: reg, infra: infra}
	logger := infra.Logger

	c.idempotency = infra.Idempotency
	if c.idempotency == nil {
		logger.Warn("no shared idempotency store; replays are only detected within this instance")
		c.idempotency = idempotency.NewMemoryStore()
	}

	if infra.Redis != nil {
		c.unread = cache.NewRedisUnreadCacheWithClient(infra.Redis, cfg.Redis.UnreadTTL)
	}
	switch {
	case cfg.Chat.MessagesPerMinute <= 0:
	case infra.Redis != nil:
		limiter, err := cache.NewRedisRateLimiter(infra.Redis, "chat-messages", cfg.Chat.MessagesPerMinute, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("di: chat rate limiter: %w", err)
		}
		c.limiter = limiter
	default:
		c.limiter = handlers.NewMemoryRateLimiter(cfg.Chat.MessagesPerMinute, time.Minute, infra.Clock)
	}

	c.parser = infra.PaymentParser
	if c.parser == nil && strings.TrimSpace(cfg.Stripe.WebhookSecret) != "" {
		parser, err := payments.NewStripeWebhookParser(payments.StripeWebhookConfig{
			Secret:    cfg.Stripe.WebhookSecret,
			Tolerance: cfg.Stripe.Tolerance,
			Logger:    observability.EventLogger(logger, "payments"),
			Clock:     infra.Clock,
		})
		if err != nil {
			return nil, fmt.Errorf("di: stripe webhook parser: %w", err)
		}
		c.parser = parser
	}

	svc, err := c.buildServices()
	if err != nil {
		return nil, err
	}
	c.Services = svc
	return c, nil
}

func (c *Container) buildServices() (Services, error) {
	reg, infra, cfg := c.Repositories, c.infra, c.Config
	guard, err := services.NewGuard()
	if err != nil {
		return Services{}, fmt.Errorf("di: guard: %w", err)
	}
	eventLog := func(component string) services.Logger {
		return observability.EventLogger(infra.Logger, component)
	}

	var svc Services

	svc.Users, err = services.NewUserService(services.UserServiceDeps{
		Users:      reg.Users(),
		Customers:  reg.Customers(),
		Directors:  reg.Directors(),
		UnitOfWork: reg,
		Guard:      guard,
		Firebase:   infra.Directory,
		Clock:      infra.Clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("di: user service: %w", err)
	}

	orderDeps := services.OrderServiceDeps{
		Orders:        reg.Orders(),
		History:       reg.OrderHistory(),
		Chats:         reg.Chats(),
		Users:         reg.Users(),
		Directors:     reg.Directors(),
		Carts:         reg.Carts(),
		Downloads:     reg.Downloads(),
		Notifications: reg.Notifications(),
		UnitOfWork:    reg,
		Guard:         guard,
		UnreadCache:   c.unread,
		Dispatcher:    infra.Dispatcher,
		Events:        infra.Events,
		Clock:         infra.Clock,
		Logger:        eventLog("orders"),
	}
	if infra.Media != nil {
		orderDeps.Deliveries = infra.Media
	}
	if svc.Orders, err = services.NewOrderService(orderDeps); err != nil {
		return Services{}, fmt.Errorf("di: order service: %w", err)
	}

	chatDeps := services.ChatServiceDeps{
		Chats:             reg.Chats(),
		Notifications:     reg.Notifications(),
		UnitOfWork:        reg,
		Guard:             guard,
		UnreadCache:       c.unread,
		Dispatcher:        infra.Dispatcher,
		MaxMessageLength:  cfg.Chat.MaxMessageLength,
		AllowedExtensions: cfg.Chat.AllowedAttachmentExt,
		Clock:             infra.Clock,
		Logger:            eventLog("chats"),
	}
	if infra.Media != nil {
		chatDeps.Attachments = infra.Media
	}
	if svc.Chats, err = services.NewChatService(chatDeps); err != nil {
		return Services{}, fmt.Errorf("di: chat service: %w", err)
	}

	if svc.Notifications, err = services.NewNotificationService(services.NotificationServiceDeps{
		Notifications: reg.Notifications(),
		Users:         reg.Users(),
		Guard:         guard,
		UnreadCache:   c.unread,
		Dispatcher:    infra.Dispatcher,
		Clock:         infra.Clock,
		Logger:        eventLog("notifications"),
	}); err != nil {
		return Services{}, fmt.Errorf("di: notification service: %w", err)
	}

	if svc.Moderation, err = services.NewModerationService(services.ModerationServiceDeps{
		Moderation:    reg.Moderation(),
		Directors:     reg.Directors(),
		Music:         reg.Music(),
		Notifications: reg.Notifications(),
		UnitOfWork:    reg,
		Guard:         guard,
		UnreadCache:   c.unread,
		Dispatcher:    infra.Dispatcher,
		Clock:         infra.Clock,
		Logger:        eventLog("moderation"),
	}); err != nil {
		return Services{}, fmt.Errorf("di: moderation service: %w", err)
	}

	libraryDeps := services.LibraryServiceDeps{Carts: reg.Carts(), Downloads: reg.Downloads(), Guard: guard}
	if infra.Media != nil {
		libraryDeps.Signer = infra.Media
	}
	if svc.Library, err = services.NewLibraryService(libraryDeps); err != nil {
		return Services{}, fmt.Errorf("di: library service: %w", err)
	}

	ledger, err := idempotency.NewLedger(c.idempotency, cfg.Webhooks.DedupTTL, infra.Clock)
	if err != nil {
		return Services{}, fmt.Errorf("di: webhook ledger: %w", err)
	}
	if svc.PaymentWebhooks, err = services.NewPaymentWebhookService(services.PaymentWebhookServiceDeps{
		Orders:        svc.Orders,
		OrderReader:   reg.Orders(),
		Notifications: svc.Notifications,
		Ledger:        ledger,
		Logger:        eventLog("payments"),
	}); err != nil {
		return Services{}, fmt.Errorf("di: payment webhook service: %w", err)
	}

	checks := append([]repositories.DependencyCheck(nil), infra.HealthChecks...)
	if len(checks) == 0 {
		// The in-process store has nothing to probe.
		checks = append(checks, repositories.DependencyCheck{Name: "store", Check: func(context.Context) error { return nil }})
	}
	health, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyClock(infra.Clock))
	if err != nil {
		return Services{}, fmt.Errorf("di: health checks: %w", err)
	}
	if svc.System, err = services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		Clock:            infra.Clock,
		Build:            infra.Build,
	}); err != nil {
		return Services{}, fmt.Errorf("di: system service: %w", err)
	}
	return svc, nil
}

// Router wires handlers and middleware into the HTTP handler served by cmd/api. Global order:
// request id, trace, request logger, recoverer; member routes add Firebase auth then the
// Idempotency-Key replay middleware.
func (c *Container) Router() http.Handler {
	cfg, svc, infra := c.Config, c.Services, c.infra
	httpLogger := infra.Logger.Named("http")
	paging := pagination.Options{DefaultLimit: pagination.DefaultLimit, MaxLimit: pagination.DefaultMaxLimit}

	memberAuth := unavailable("auth_unavailable", "member authentication is not configured")
	if infra.Tokens != nil {
		memberAuth = auth.NewAuthenticator(infra.Tokens).RequireFirebaseAuth()
	}
	serviceAuth := infra.ServiceAuth
	if serviceAuth == nil {
		serviceAuth = unavailable("auth_unavailable", "service authentication is not configured")
	}
	replay := idempotency.Middleware(c.idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithClock(infra.Clock),
		idempotency.WithLogger(infra.Logger.Named("idempotency")),
	)

	chatOpts := []handlers.ChatOption{handlers.WithChatPagination(paging)}
	if c.limiter != nil {
		chatOpts = append(chatOpts, handlers.WithChatRateLimiter(c.limiter))
	}

	me := handlers.NewMeHandlers(handlers.MeDeps{
		Users:         svc.Users,
		Notifications: svc.Notifications,
		Library:       svc.Library,
		Moderation:    svc.Moderation,
		Pagination:    paging,
	})
	orders := handlers.NewOrderHandlers(svc.Users, svc.Orders, paging)
	chats := handlers.NewChatHandlers(svc.Users, svc.Chats, chatOpts...)
	admin := handlers.NewAdminHandlers(handlers.AdminDeps{
		Users:         svc.Users,
		Moderation:    svc.Moderation,
		Notifications: svc.Notifications,
		Pagination:    paging,
	})
	internal := handlers.NewInternalHandlers(svc.Notifications,
		handlers.WithIdempotencyCleaner(c.idempotency, cfg.Idempotency.CleanupBatchSize),
		handlers.WithInternalClock(infra.Clock),
	)
	paymentHandlers := handlers.NewPaymentHandlers(c.parser, svc.PaymentWebhooks)
	health := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(infra.Build),
		handlers.WithHealthSystemService(svc.System),
		handlers.WithHealthClock(infra.Clock),
	)

	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(traceProject(cfg)),
			observability.RequestLogger(httpLogger),
			observability.Recoverer(httpLogger),
		),
		handlers.WithHealthHandlers(health),
		handlers.WithMemberMiddlewares(memberAuth, replay),
		handlers.WithMeRoutes(me.Routes),
		handlers.WithOrderRoutes(orders.Routes),
		handlers.WithChatRoutes(chats.Routes),
		handlers.WithAdminRoutes(admin.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithInternalMiddlewares(serviceAuth),
		handlers.WithInternalRoutes(internal.Routes),
	)
}

// RunIdempotencyCleanup purges expired replay records every interval until ctx ends. The
// /internal cleanup endpoint does the same on demand for deployments driven by Cloud Scheduler.
func (c *Container) RunIdempotencyCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	logger := c.infra.Logger.Named("idempotency")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := c.idempotency.CleanupExpired(runCtx, c.infra.Clock().UTC(), c.Config.Idempotency.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		}
	}
}

// Close releases the repository registry. Clients in Infrastructure belong to the caller.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func unavailable(code, message string) func(http.Handler) http.Handler {
	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteError(r.Context(), w, httpx.NewError(code, message, http.StatusServiceUnavailable))
		})
	}
}

func traceProject(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firestore.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firebase.ProjectID)
}
