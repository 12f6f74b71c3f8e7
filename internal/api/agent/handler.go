package agent

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"safeping.service/internal/core"
	"safeping.service/internal/core/model"
)

// VisibilityNotifier receives the UI foreground ping.
type VisibilityNotifier interface {
	NotifyVisible()
}

type SignalHandler struct {
	Service   *core.SignalService
	Scheduler VisibilityNotifier
}

func (h *SignalHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var p model.CheckInPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.Service.CheckIn(r.Context(), p)
	if err != nil {
		// The local store rejected the write; the caller must know the
		// signal is NOT queued.
		http.Error(w, "Failed to queue check-in", http.StatusInternalServerError)
		return
	}

	writeAccepted(w, rec)
}

func (h *SignalHandler) SOS(w http.ResponseWriter, r *http.Request) {
	var p model.EmergencyPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.Service.SOS(r.Context(), p)
	if err != nil {
		http.Error(w, "Failed to queue emergency", http.StatusInternalServerError)
		return
	}

	writeAccepted(w, rec)
}

func (h *SignalHandler) UpdateIncident(w http.ResponseWriter, r *http.Request) {
	var p model.IncidentUpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	p.IncidentID = mux.Vars(r)["id"]

	id, err := h.Service.UpdateIncident(r.Context(), p)
	if err != nil {
		http.Error(w, "Failed to queue incident update", http.StatusInternalServerError)
		return
	}

	writeAccepted(w, map[string]string{"id": id})
}

func (h *SignalHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var p model.ProfileUpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.Service.UpdateProfile(r.Context(), p)
	if err != nil {
		http.Error(w, "Failed to queue profile update", http.StatusInternalServerError)
		return
	}

	writeAccepted(w, map[string]string{"id": id})
}

func (h *SignalHandler) TrackLocation(w http.ResponseWriter, r *http.Request) {
	var p model.LocationUpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if p.CheckInID == "" {
		http.Error(w, "checkInId is required", http.StatusBadRequest)
		return
	}

	id, err := h.Service.TrackLocation(r.Context(), p)
	if err != nil {
		http.Error(w, "Failed to queue location sample", http.StatusInternalServerError)
		return
	}

	writeAccepted(w, map[string]string{"id": id})
}

// Pending reports the queue depth and connectivity for the offline banner.
func (h *SignalHandler) Pending(w http.ResponseWriter, r *http.Request) {
	actions, err := h.Service.Pending(r.Context())
	if err != nil {
		http.Error(w, "Failed to read pending queue", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"count":   len(actions),
		"online":  h.Service.Online(),
		"actions": actions,
	})
}

// Visibility wakes the sync scheduler when the UI returns to foreground.
func (h *SignalHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.NotifyVisible()
	w.WriteHeader(http.StatusNoContent)
}

func writeAccepted(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(body)
}
