package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"fastdls/internal/config"
	apierrors "fastdls/internal/errors"
	"fastdls/internal/infrastructure"
	"fastdls/internal/middleware"
	"fastdls/internal/pki"
	"fastdls/internal/services"
	ws "fastdls/internal/websocket"
)

// RouterDeps are the collaborators of NewRouter. Hub, Tracer, Metrics and
// PrometheusHTTP are optional.
type RouterDeps struct {
	Config    *config.Config
	Logger    *slog.Logger
	Handshake *services.HandshakeService
	Leases    *services.LeaseService
	Admin     *services.AdminService
	Signer    *pki.Signer

	Hub            *ws.Hub
	Tracer         trace.Tracer
	Metrics        *infrastructure.DLSMetrics
	PrometheusHTTP http.Handler
}

// NewRouter builds the service router.
func NewRouter(d RouterDeps) http.Handler {
	cfg := d.Config
	logger := d.Logger
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(infrastructure.MeterName + "/http")
	}

	errs := apierrors.NewErrorHandler(logger, false)
	validator := middleware.NewValidator()
	respond := NewResponder(d.Signer, errs, logger)

	auth := NewAuthHandler(d.Handshake, validator, respond, logger)
	leasing := NewLeasingHandler(d.Leases, d.Admin, validator, respond, logger)
	admin := NewAdminHandler(d.Admin, d.Leases, respond, logger)
	bearer := middleware.BearerAuth(logger, d.Handshake, errs)

	r := chi.NewRouter()

	// Order: RequestID → RealIP → OTel → Logger → Recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.NotFound(errs.NotFound)
	r.MethodNotAllowed(errs.MethodNotAllowed)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewOTelMiddleware(d.Tracer, d.Metrics).Handler)
		r.Use(middleware.StructuredLogger(logger))
		r.Use(middleware.Recoverer(errs))
		r.Use(middleware.SecurityHeaders)

		if cfg.Security.EnableCORS {
			r.Use(middleware.CORS(middleware.CORSConfig{
				AllowedOrigins: cfg.Security.AllowedOrigins,
				ExposedHeaders: []string{config.SignatureHeader, middleware.RequestIDHeader},
				Logger:         logger,
			}))
		}
		if cfg.Security.RateLimit.Enabled {
			r.Use(middleware.NewRateLimiter(
				cfg.Security.RateLimit.RPS,
				cfg.Security.RateLimit.Burst,
				errs,
				logger,
			).Handler)
		}
		r.Use(middleware.PatchMalformedJSON(cfg.Security.PatchMalformedJSON, logger))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/-/health", http.StatusFound)
		})

		r.Mount("/auth/v1", auth.Routes())
		r.Mount("/leasing/v1", leasing.Routes(bearer))

		r.Route("/-", func(r chi.Router) {
			r.Get("/health", admin.Health)
			r.Get("/client-token", admin.ClientToken)

			r.Group(func(r chi.Router) {
				r.Use(middleware.APIKeyAuth(logger, cfg.Security.AdminAPIKey, errs))
				r.Use(middleware.AuditLog(logger))

				r.Get("/config", admin.Config)
				r.Get("/origins", admin.ListOrigins)
				r.Delete("/origins", admin.DeleteOrigins)
				r.Delete("/origins/{origin_ref}", admin.DeleteOrigin)
				r.Get("/leases", admin.ListLeases)
				r.Get("/leases/export", admin.ExportLeases)
				r.Delete("/leases/expired", admin.SweepExpired)
				r.Delete("/lease/{lease_ref}", admin.DeleteLease)

				if d.Hub != nil {
					events := NewEventsHandler(d.Hub, cfg.WebSocket, cfg.Security.AllowedOrigins, logger)
					r.Get("/events", events.Subscribe)
				}
			})
		})
	})

	// Outside the instrumented group so scrapes do not count themselves.
	if d.PrometheusHTTP != nil {
		r.Handle("/metrics", d.PrometheusHTTP)
	}

	return r
}
