package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const requestTimeout = 15 * time.Second

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(m.Compress)
			r.Use(m.Timeout(requestTimeout))

			r.Post("/jsonrpc", h.HandleJSONRPC)
			r.Get("/chains", h.ListChains)
			r.Get("/balances", h.GetBalances)
		})

		r.Route("/transfers", func(r chi.Router) {
			// Live updates; long-lived, so no timeout or compression
			r.Get("/stream", h.HandleSSE)
			r.Get("/ws", h.HandleWebSocket)

			r.Group(func(r chi.Router) {
				r.Use(m.Compress)
				r.Use(m.Timeout(requestTimeout))

				r.Post("/", h.CreateTransfer)
				r.Get("/", h.ListTransfers)
				r.Get("/state", h.GetTransferState)
				r.Post("/reset", h.ResetTransfer)
				r.Get("/{id}", h.GetTransfer)
				r.Post("/{id}/resume", h.ResumeTransfer)
			})
		})
	})

	return r
}
