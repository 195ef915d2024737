package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Webhook-Secret"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.StartCampaign)

			r.Route("/{campaignID}", func(r chi.Router) {
				r.Get("/", h.GetCampaign)
				r.Delete("/", h.DeleteCampaign)
				r.Post("/pause", h.PauseCampaign)
				r.Post("/resume", h.ResumeCampaign)
				r.Post("/cancel", h.CancelCampaign)
				r.Post("/retry-failed", h.RetryFailed)
				r.Get("/contacts", h.ListCampaignContacts)
				r.Get("/events", h.ListCampaignEvents)
				r.Get("/replies", h.ListCampaignReplies)
				r.Post("/contacts/{contactID}/retry", h.RetryContact)
			})
		})

		// Public endpoints hit by recipients' mail clients
		r.Get("/track/open/{campaignID}/{contactID}", h.TrackOpen)
		r.Get("/track/click/{campaignID}/{contactID}", h.TrackClick)

		r.Post("/webhooks/inbound", h.InboundWebhook)

		r.Get("/events/stream", h.StreamEvents)
		r.Get("/campaigns/{campaignID}/stream", h.StreamCampaign)

		r.Post("/admin/reconcile", h.TriggerReconcile)
		r.Get("/admin/stats", h.DeliveryStats)
	})

	// Method-level fallthrough keeps probes quiet
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return r
}
