package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/dealdesk/internal/config"
	"github.com/pitabwire/dealdesk/internal/definition"
	"github.com/pitabwire/dealdesk/internal/observability"
	"github.com/pitabwire/dealdesk/internal/session"
	"github.com/pitabwire/dealdesk/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Registry           *definition.Registry
	Sessions           *session.Engine

	// Metrics and Gatherer are optional; without them /metrics serves an
	// empty registry and requests are not measured.
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer

	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)

	// Public routes.
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	metricsPath := deps.Config.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	r.Method(http.MethodGet, metricsPath, observability.Handler(gatherer))

	// Authenticated routes.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Get("/ui/entities", handleListEntities(deps.Registry))
		r.Get("/ui/entities/{entityType}", handleGetEntity(deps.Registry))

		r.Post("/ui/sessions", handleOpenSession(deps.Sessions))
		r.Get("/ui/sessions", handleListSessions(deps.Sessions))
		r.Route("/ui/sessions/{sessionId}", func(r chi.Router) {
			r.Get("/", handleGetSession(deps.Sessions))
			r.Delete("/", handleDiscardSession(deps.Sessions))
			r.Patch("/fields", handleUpdateFields(deps.Sessions))
			r.Get("/changes", handleSessionChanges(deps.Sessions))
			r.Post("/save", handleSaveSession(deps.Sessions))
			r.Post("/reload", handleReloadSession(deps.Sessions))
			r.Post("/reset", handleResetSession(deps.Sessions))
		})
	})

	return r
}
