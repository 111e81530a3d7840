package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/solicitudes/internal/calendar"
	"github.com/pitabwire/solicitudes/internal/config"
	"github.com/pitabwire/solicitudes/internal/observability"
	"github.com/pitabwire/solicitudes/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Engine       *workflow.Engine
	Calendar     *calendar.Service
	Idempotency  ApprovalIdempotency
	Readiness    observability.ReadinessChecks
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
	r.Use(Correlate)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, deps.Metrics.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(deps.Metrics.MetricsMiddleware)
		r.Use(AccessLog(logger))
		r.Use(auth)
		r.Use(Identity(deps.Config.Identity.ClaimPaths, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(LimitBody(deps.Config.Server.MaxBodyBytes))

		r.Route("/api/requests", func(r chi.Router) {
			r.Post("/", handleCreateRequest(deps.Engine))
			r.Get("/{id}", handleGetRequest(deps.Engine))
			r.Get("/{id}/owner", handleGetRequestOwner(deps.Engine))
			r.Get("/{id}/events", handleListEvents(deps.Engine))
			r.Get("/{id}/events/latest", handleLatestEvent(deps.Engine))
			r.Post("/{id}/approval", handleSubmitApproval(deps.Engine, deps.Idempotency, deps.Metrics, logger))
		})
		r.Put("/api/users/me/phone", handleUpdatePhone(deps.Engine))

		r.Post("/api/calendar/blocked-days", handleToggleBlockedDay(deps.Calendar))
		r.Get("/api/calendar/availability", handleDateAvailability(deps.Calendar))
	})

	return r
}
