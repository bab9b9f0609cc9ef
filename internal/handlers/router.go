package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuecraft/api/internal/platform/httpx"
)

// RouteRegistrar mounts one surface's endpoints on the router it is given.
type RouteRegistrar func(r chi.Router)

type middlewareChain = []func(http.Handler) http.Handler

// surface is one route group under the API prefix. A surface without routes answers 501 so an
// unwired deployment is distinguishable from a wrong path.
type surface struct {
	routes RouteRegistrar
	chain  middlewareChain
}

// Surfaces behind the API prefix. /me shares the member chain with orders, chats and admin.
const (
	surfaceMe       = "me"
	surfaceOrders   = "orders"
	surfaceChats    = "chats"
	surfaceAdmin    = "admin"
	surfacePayments = "payments"
	surfaceInternal = "internal"
)

var memberSurfaces = []string{surfaceMe, surfaceOrders, surfaceChats, surfaceAdmin}

type routerConfig struct {
	prefix   string
	global   middlewareChain
	health   *HealthHandlers
	surfaces map[string]*surface
}

// Option customises NewRouter.
type Option func(*routerConfig)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second
)

// NewRouter builds the chi router: health probes at the root and the marketplace surfaces under
// /api/v1, each behind its own middleware chain.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		prefix:   apiPrefix,
		global:   middlewareChain{middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout)},
		surfaces: make(map[string]*surface),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	use(r, cfg.global)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})
	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.prefix, func(api chi.Router) {
		// /me and /me:register are siblings, so the me surface is registered on the prefix itself.
		me := cfg.surface(surfaceMe)
		api.Group(func(group chi.Router) {
			use(group, me.chain)
			if me.routes != nil {
				me.routes(group)
				return
			}
			for _, path := range []string{"/me", "/me:register", "/me/*"} {
				group.HandleFunc(path, notImplemented(surfaceMe))
			}
		})

		for _, name := range []string{surfaceOrders, surfaceChats, surfaceAdmin, surfacePayments, surfaceInternal} {
			s := cfg.surface(name)
			api.Route("/"+name, func(group chi.Router) {
				use(group, s.chain)
				if s.routes != nil {
					s.routes(group)
					return
				}
				stub := notImplemented(name)
				group.HandleFunc("/", stub)
				group.HandleFunc("/*", stub)
				group.NotFound(stub)
				group.MethodNotAllowed(stub)
			})
		}
	})
	return r
}

func (c *routerConfig) surface(name string) *surface {
	s, ok := c.surfaces[name]
	if !ok {
		s = &surface{}
		c.surfaces[name] = s
	}
	return s
}

func use(r chi.Router, chain middlewareChain) {
	for _, mw := range chain {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func notImplemented(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes are not available", http.StatusNotImplemented))
	}
}

func withRoutes(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.surface(name).routes = reg }
}

func withChain(names []string, mw []func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		for _, name := range names {
			s := cfg.surface(name)
			s.chain = append(s.chain, mw...)
		}
	}
}

// WithMiddlewares appends middleware that runs for every request, health probes included.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.global = append(cfg.global, mw...) }
}

// WithHealthHandlers replaces the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithMemberMiddlewares sets the chain shared by /me, /orders, /chats and /admin: Firebase
// authentication followed by idempotent replay.
func WithMemberMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withChain(memberSurfaces, mw)
}

// WithPaymentMiddlewares sets the chain for /payments.
func WithPaymentMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withChain([]string{surfacePayments}, mw)
}

// WithInternalMiddlewares sets the chain for /internal, normally OIDC service authentication.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withChain([]string{surfaceInternal}, mw)
}

func WithMeRoutes(reg RouteRegistrar) Option       { return withRoutes(surfaceMe, reg) }
func WithOrderRoutes(reg RouteRegistrar) Option    { return withRoutes(surfaceOrders, reg) }
func WithChatRoutes(reg RouteRegistrar) Option     { return withRoutes(surfaceChats, reg) }
func WithAdminRoutes(reg RouteRegistrar) Option    { return withRoutes(surfaceAdmin, reg) }
func WithPaymentRoutes(reg RouteRegistrar) Option  { return withRoutes(surfacePayments, reg) }
func WithInternalRoutes(reg RouteRegistrar) Option { return withRoutes(surfaceInternal, reg) }
