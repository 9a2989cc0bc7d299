package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *Server) setupAPIRoutes(r chi.Router) {
	r.Get("/status", s.HandleStatus)

	r.Route("/settings", func(r chi.Router) {
		r.Get("/", s.HandleGetSettings)
		r.Post("/", s.HandleApplySettings)
	})

	r.Post("/command/{name}", s.HandleCommand)

	r.Get("/ws", s.HandleWebSocket)
}
