// Package agent is the localhost HTTP surface the device UI talks to.
// Every write lands in the durable queue and returns immediately.
package agent

import (
	"net/http"

	"github.com/gorilla/mux"

	"safeping.service/internal/core"
)

// NewRouter sets up the gorilla/mux router and defines all agent routes.
func NewRouter(service *core.SignalService, scheduler VisibilityNotifier) *mux.Router {

	signalHandler := SignalHandler{
		Service:   service,
		Scheduler: scheduler,
	}

	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/checkins", signalHandler.CheckIn).Methods(http.MethodPost)
	api.HandleFunc("/sos", signalHandler.SOS).Methods(http.MethodPost)
	api.HandleFunc("/incidents/{id}", signalHandler.UpdateIncident).Methods(http.MethodPatch)
	api.HandleFunc("/profile", signalHandler.UpdateProfile).Methods(http.MethodPatch)
	api.HandleFunc("/locations", signalHandler.TrackLocation).Methods(http.MethodPost)
	api.HandleFunc("/pending", signalHandler.Pending).Methods(http.MethodGet)
	api.HandleFunc("/visibility", signalHandler.Visibility).Methods(http.MethodPost)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Service is operational."))
	}).Methods(http.MethodGet)

	return r
}
