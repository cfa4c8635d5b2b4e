package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mobishop/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

const (
	groupOrders   = "orders"
	groupPayments = "payments"
	groupProducts = "products"
	groupAdmin    = "admin"
	groupWebhooks = "webhooks"
	groupInternal = "internal"
)

// groupOrder fixes the mount order under the API prefix.
var groupOrder = []string{groupOrders, groupPayments, groupProducts, groupAdmin, groupWebhooks, groupInternal}

type routeGroup struct {
	registrars  []RouteRegistrar
	middlewares []middlewareFunc
}

type routerConfig struct {
	basePath    string
	middlewares []middlewareFunc
	health      *HealthHandlers
	groups      map[string]*routeGroup
}

func (c *routerConfig) group(name string) *routeGroup {
	if c.groups == nil {
		c.groups = make(map[string]*routeGroup, len(groupOrder))
	}
	g, ok := c.groups[name]
	if !ok {
		g = &routeGroup{}
		c.groups[name] = g
	}
	return g
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// NewRouter builds the chi router: health probes at the root, every group under /api/v1.
// Groups without a registrar answer 501.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []middlewareFunc{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	use(r, cfg.middlewares)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, name := range groupOrder {
			g := cfg.group(name)
			api.Route("/"+name, func(sub chi.Router) {
				use(sub, g.middlewares)
				if !g.register(sub) {
					registerNotImplemented(sub, name)
				}
			})
		}
	})

	return r
}

func (g *routeGroup) register(r chi.Router) bool {
	registered := false
	for _, reg := range g.registrars {
		if reg != nil {
			reg(r)
			registered = true
		}
	}
	return registered
}

func use(r chi.Router, mws []middlewareFunc) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func withRoutes(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(name)
		g.registrars = append(g.registrars, reg)
	}
}

func withGroupMiddlewares(name string, mw []middlewareFunc) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(name)
		g.middlewares = append(g.middlewares, mw...)
	}
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithOrderRoutes adds a registrar to /orders. Checkout and the read side share the group.
func WithOrderRoutes(reg RouteRegistrar) Option { return withRoutes(groupOrders, reg) }

// WithPaymentRoutes adds the direct charge registrar.
func WithPaymentRoutes(reg RouteRegistrar) Option { return withRoutes(groupPayments, reg) }

// WithProductRoutes adds the catalog registrar.
func WithProductRoutes(reg RouteRegistrar) Option { return withRoutes(groupProducts, reg) }

func WithAdminRoutes(reg RouteRegistrar) Option { return withRoutes(groupAdmin, reg) }

func WithAdminMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupAdmin, mw)
}

func WithWebhookRoutes(reg RouteRegistrar) Option { return withRoutes(groupWebhooks, reg) }

func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupWebhooks, mw)
}

// WithInternalRoutes adds registrars for scheduler-invoked endpoints. Pair with WithInternalMiddlewares for OIDC.
func WithInternalRoutes(reg RouteRegistrar) Option { return withRoutes(groupInternal, reg) }

func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupInternal, mw)
}

func registerNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
}
