/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request for tracing
  2. RealIP:       Client address behind proxies (rate limiting key)
  3. AccessLog:    zap access log (method, path, status, duration, request id)
  4. Recoverer:    Panic recovery (500 instead of crash)
  5. CORS:         Cross-origin requests for the admin frontend
  Write routes additionally get:
  6. httprate:     Per-IP request limit
  7. Idempotency:  Replay of repeated Idempotency-Key requests

ROUTE GROUPS:
  /healthz, /metrics    Liveness and Prometheus metrics
  /api/mappings/*       Mappings and session consumption
  /api/consultations/*  Scheduling entry point
  /api/extensions/*     Extension workflow
  /api/refunds/*        Refund workflow
  /api/packages         Session package catalog
  /api/admin/*          Consistency engine
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware. Deploy behind the practice's gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterOptions tunes the middleware stack. Zero values get defaults.
type RouterOptions struct {
	CORSOrigins        []string
	RateLimitPerMinute int
	IdempotencyTTL     time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = 120
	}
	idem := NewIdempotency(opts.IdempotencyTTL)

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		ExposedHeaders:   []string{ReplayedHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	writes := chi.Chain(
		httprate.LimitByIP(opts.RateLimitPerMinute, time.Minute),
		idem.Middleware,
	)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/packages", h.ListPackages)

		// Mapping routes
		r.Route("/mappings", func(r chi.Router) {
			r.Get("/", h.ListMappings)
			r.With(writes...).Post("/", h.CreateMapping)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetMapping)
				r.Get("/validate", h.ValidateMapping)
				r.Get("/refundable", h.GetRefundable)
				r.Get("/extensions", h.ListMappingExtensions)
				r.Get("/refunds", h.ListMappingRefunds)
				r.With(writes...).Post("/consume", h.ConsumeSession)
				r.With(writes...).Post("/terminate", h.TerminateMapping)
			})
		})

		r.With(writes...).Post("/consultations/complete", h.CompleteConsultation)

		// Extension routes
		r.Route("/extensions", func(r chi.Router) {
			r.Get("/", h.ListExtensions)
			r.Get("/stats", h.ExtensionStats)
			r.With(writes...).Post("/", h.CreateExtension)
			r.Get("/{id}", h.GetExtension)
			r.Group(func(r chi.Router) {
				r.Use(writes...)
				r.Post("/{id}/confirm-payment", h.ConfirmPayment)
				r.Post("/{id}/approve", h.ApproveExtension)
				r.Post("/{id}/complete", h.CompleteExtension)
				r.Post("/{id}/reject", h.RejectExtension)
			})
		})

		// Refund routes
		r.Route("/refunds", func(r chi.Router) {
			r.Get("/", h.ListRefunds)
			r.Get("/stats", h.RefundStats)
			r.Get("/{id}", h.GetRefund)
			r.Group(func(r chi.Router) {
				r.Use(writes...)
				r.Post("/", h.CreateRefund)
				r.Post("/erp-retry", h.RetryERP)
				r.Post("/{id}/approve", h.ApproveRefund)
				r.Post("/{id}/reject", h.RejectRefund)
				r.Post("/{id}/complete", h.CompleteRefund)
				r.Post("/{id}/erp-status", h.UpdateErpStatus)
			})
		})

		// Admin routes
		r.Route("/admin/consistency", func(r chi.Router) {
			r.Get("/validate", h.ValidateAll)
			r.Get("/status", h.SyncStatus)
			r.Get("/runs", h.ListRuns)
			r.With(writes...).Post("/repair", h.RepairAll)
			r.With(writes...).Post("/repair-queued", h.RepairQueued)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// AccessLog writes one zap line per request.
func AccessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				log.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
