package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires the control API routes.
func NewRouter(h *Handler) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	api.HandleFunc("/start", h.Start).Methods(http.MethodPost)
	api.HandleFunc("/stop", h.Stop).Methods(http.MethodPost)
	api.HandleFunc("/pending", h.Pending).Methods(http.MethodGet)
	api.HandleFunc("/jobs", h.Jobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/output", h.Output).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)

	return cors(r)
}
