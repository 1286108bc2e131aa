package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/pitabwire/nexusbff/internal/config"
	"github.com/pitabwire/nexusbff/internal/dashboard"
	"github.com/pitabwire/nexusbff/internal/guard"
	"github.com/pitabwire/nexusbff/internal/navigation"
	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/internal/query"
	"github.com/pitabwire/nexusbff/internal/session"
	"github.com/pitabwire/nexusbff/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config     *config.Config
	Sessions   *session.Manager
	Resolver   model.CapabilityResolver
	Guard      *guard.Guard
	Navigation *navigation.Provider
	Dashboard  *dashboard.Service
	Queries    *query.Client
	Readiness  observability.ReadinessChecks
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// session loading.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{
		sessions:   deps.Sessions,
		resolver:   deps.Resolver,
		guard:      deps.Guard,
		navigation: deps.Navigation,
		dashboard:  deps.Dashboard,
		queries:    deps.Queries,
		logger:     logger,
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders(deps.Config.Server.Development))
	r.Use(deps.Metrics.MetricsMiddleware)

	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(LoadSession(deps.Sessions, deps.Resolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		limit := deps.Config.Server.LoginRateLimit
		r.With(httprate.Limit(limit.Requests, limit.Window,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				WriteError(w, r, model.NewRateLimitedError())
			}),
		)).Post("/auth/login", h.login)
		r.Post("/auth/logout", h.logout)
		r.Get("/auth/session", h.currentSession)

		for _, page := range dashboard.Pages() {
			r.With(deps.Guard.Page(guard.RequireCapabilities(page.Capability))).
				Get("/ui/pages/"+page.Name, h.page(page))
		}

		r.Group(func(r chi.Router) {
			r.Use(RequireSession)
			r.Get("/ui/navigation", h.navigationTree)
			r.Mount("/ui/actions", h.actionRoutes())
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, model.NewNotFoundError("No route for "+r.URL.Path))
	})
	return r
}
