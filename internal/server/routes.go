package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/peers", s.handlePeersGet)
		r.Get("/peers/{peer}", s.handlePeerGet)
		r.Get("/changes", s.handleChangesGet)
		r.Post("/run", s.handleRun)
		r.Get("/events", s.handleEventsWebsocket)
	})

	return r
}
