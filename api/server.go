/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address behind a proxy
  3. Logger:     One zerolog line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Back-office frontends on other origins

ROUTE GROUPS:
  /api/locations/*      Location directory
  /api/movements/*      Raw ledger writes
  /api/products/*       Balances, history, variants, valuation
  /api/orders/*         Checkout channel
  /api/tickets/*        Repair ticket parts
  /api/transfers        Cross-location moves
  /api/conflicts/*      Negative balance view and resolution
  /api/scenarios/*      Demo data (Demo mode only)
  /metrics              Prometheus
  /healthz              Store ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/ledgerd: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// DefaultAllowedOrigins are the dev frontends.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/locations", func(r chi.Router) {
			r.Get("/", h.ListLocations)
			r.Post("/", h.SaveLocation)
		})

		r.Route("/movements", func(r chi.Router) {
			r.Post("/", h.RecordMovement)
			r.Post("/batch", h.RecordBatch)
		})
		r.Get("/reasons", h.ListReasons)
		r.Post("/adjustments", h.CreateAdjustment)

		r.Route("/products/{id}", func(r chi.Router) {
			r.Get("/stock", h.GetStock)
			r.Get("/movements", h.GetMovements)
			r.Get("/variants", h.GetVariantStock)
			r.Get("/variations", h.GetVariations)
			r.Put("/variations", h.SaveVariations)
			r.Get("/valuation", h.GetValuation)
			r.Post("/snapshot", h.TakeSnapshot)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.ConfirmOrder)
			r.Post("/{number}/cancel", h.CancelOrder)
		})

		r.Route("/tickets/{id}/parts", func(r chi.Router) {
			r.Get("/", h.ListParts)
			r.Post("/", h.AddPart)
			r.Post("/{tx}/return", h.ReturnPart)
		})

		r.Post("/transfers", h.CreateTransfer)

		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", h.ListConflicts)
			r.Post("/resolve", h.ResolveConflict)
			r.Post("/scan", h.TriggerScan)
		})

		if h.Demo {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// requestLogger writes one structured line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
