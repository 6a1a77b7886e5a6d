/**
 * @description
 * HTTP router setup for the referral service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the authentication settings for NewRouter.
type RouterConfig struct {
	Clerk          ClerkOptions
	InternalAPIKey string
}

// NewRouter creates a new Chi router and registers the referral routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Referral service is healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		h.registerInternalRoutes(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(cfg.Clerk))
		r.Use(ActorMiddleware(h.service))
		h.registerCommissionRoutes(r)
		h.registerConversionRoutes(r)
	})

	return r
}

func (h *Handler) registerCommissionRoutes(r chi.Router) {
	r.Route("/commission", func(r chi.Router) {
		r.Post("/calculate", h.handleCalculate)
		r.Post("/compare", h.handleCompareShops)
		r.Post("/sweep", h.handleRateSweep)
	})
}

func (h *Handler) registerConversionRoutes(r chi.Router) {
	r.Route("/conversions", func(r chi.Router) {
		r.Get("/", h.handleListConversions)
		r.Post("/payouts/bulk-paid", h.handleBulkMarkPaid)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetConversion)
			r.Get("/next-status", h.handleNextStatus)
			r.Post("/advance", h.handleAdvance)
			r.Put("/memo", h.handleUpdateMemo)
			r.Put("/payout", h.handleAdjustPayout)
			r.Post("/paid", h.handleMarkPaid)
			r.Delete("/paid", h.handleMarkUnpaid)
		})
	})
}

func (h *Handler) registerInternalRoutes(r chi.Router) {
	r.Post("/conversions", h.handleCreateConversion)
	r.Post("/payouts/digest/run", h.handleRunPayoutDigest)
}
