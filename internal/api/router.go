package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoveryMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/resume", s.handleResume)
		r.Get("/commands", s.handleRecentCommands)
		r.Get("/connections", s.handleConnections)

		r.Route("/entities", func(r chi.Router) {
			r.Get("/", s.handleListEntities)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetEntity)
				r.Get("/history", s.handleEntityHistory)
				r.Get("/commands", s.handleEntityCommands)
			})
		})

		r.Route("/controls/{preset}/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetControl)
			r.Post("/", s.handleReleaseControl)
		})
	})

	return r
}
