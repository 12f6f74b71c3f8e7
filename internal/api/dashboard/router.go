// Package dashboard is the read-only HTTP surface over the status
// aggregator's projection.
package dashboard

import (
	"net/http"

	"github.com/gorilla/mux"

	"safeping.service/internal/aggregator"
)

// NewRouter sets up the gorilla/mux router and defines all dashboard routes.
func NewRouter(agg *aggregator.Aggregator) *mux.Router {

	statusHandler := StatusHandler{
		Aggregator: agg,
	}

	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", statusHandler.Status).Methods(http.MethodGet)
	api.HandleFunc("/status/{userId}", statusHandler.WorkerStatus).Methods(http.MethodGet)
	api.HandleFunc("/stats", statusHandler.Stats).Methods(http.MethodGet)
	api.HandleFunc("/refresh", statusHandler.Refresh).Methods(http.MethodPost)
	api.HandleFunc("/feed/health", statusHandler.FeedHealth).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Service is operational."))
	}).Methods(http.MethodGet)

	return r
}
