package rest

import (
	"log/slog"
	"net/http"

	"github.com/frahmantamala/rental-fulfillment/internal/auth"
	"github.com/frahmantamala/rental-fulfillment/internal/fulfillment"
	"github.com/frahmantamala/rental-fulfillment/internal/payment"
	"github.com/frahmantamala/rental-fulfillment/internal/transport/middleware"
	"github.com/frahmantamala/rental-fulfillment/internal/transport/swagger"
	"github.com/frahmantamala/rental-fulfillment/internal/webhook"
	"github.com/go-chi/chi"
)

// Routes bundles the handlers mounted by RegisterAllRoutes. A nil handler
// leaves its routes unmounted.
type Routes struct {
	Health         *HealthHandler
	Docs           *APIDocument
	Auth           *auth.Middleware
	Fulfillment    *fulfillment.Handler
	Payments       *payment.Handler
	Webhooks       *webhook.Handler
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins string
}

func RegisterAllRoutes(router *chi.Mux, routes Routes, logger *slog.Logger) {
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.CORS(routes.AllowedOrigins))
	router.Use(middleware.LoggingMiddleware(logger))

	if routes.Docs != nil {
		router.Method(http.MethodGet, "/openapi.yml", routes.Docs)
		router.Handle("/docs/*", swagger.Handler("/openapi.yml"))
	}

	limited := func(r chi.Router) chi.Router {
		if routes.RateLimiter == nil {
			return r
		}
		return r.With(routes.RateLimiter.Middleware)
	}

	// The gateway authenticates with its signature, not a bearer token.
	if routes.Webhooks != nil {
		limited(router).Post("/webhooks/stripe", routes.Webhooks.HandleStripe)
	}

	router.Route("/api/v1", func(r chi.Router) {
		if routes.Health != nil {
			r.Get("/health", routes.Health.Health)
			r.Get("/ping", routes.Health.Ping)
		}

		if routes.Auth == nil {
			return
		}

		r.Group(func(pr chi.Router) {
			pr.Use(routes.Auth.Authenticate)

			if routes.Fulfillment != nil {
				pr.Post("/bookings/{id}/confirm", routes.Fulfillment.ConfirmAutomatically)
			}

			pr.Route("/admin/bookings/{id}", func(ar chi.Router) {
				ar.Use(routes.Auth.RequireElevated)
				if routes.RateLimiter != nil {
					ar.Use(routes.RateLimiter.Middleware)
				}

				if routes.Fulfillment != nil {
					ar.Post("/confirm", routes.Fulfillment.ConfirmManually)
					ar.Get("/completion", routes.Fulfillment.GetCompletion)
					ar.Get("/ledger", routes.Fulfillment.GetLedger)
					ar.Post("/recalculate", routes.Fulfillment.Recalculate)
				}

				if routes.Payments != nil {
					ar.Post("/manual-payments", routes.Payments.RecordManualPayment)
					ar.Delete("/manual-payments/{paymentID}", routes.Payments.VoidManualPayment)
				}
			})
		})
	})
}
