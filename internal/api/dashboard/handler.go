package dashboard

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"safeping.service/internal/aggregator"
)

type StatusHandler struct {
	Aggregator *aggregator.Aggregator
}

// Status returns every known worker's derived status.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"workers":   h.Aggregator.Snapshots(),
		"incidents": h.Aggregator.ActiveIncidents(),
	})
}

// WorkerStatus returns one worker's derived status. A worker with no
// visible record reports unknown rather than 404ing: absence of data is
// itself a displayable state.
func (h *StatusHandler) WorkerStatus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	writeJSON(w, h.Aggregator.Snapshot(userID))
}

// Stats returns organization-level counts for the overview header.
func (h *StatusHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Aggregator.Stats())
}

// Refresh forces a snapshot reload from the backing store.
func (h *StatusHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.Aggregator.Refresh(r.Context()); err != nil {
		http.Error(w, "Failed to refresh snapshots", http.StatusBadGateway)
		return
	}
	writeJSON(w, h.Aggregator.Stats())
}

// FeedHealth reports whether the change-feed subscription is live, for
// the dashboard's stale-data indicator.
func (h *StatusHandler) FeedHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"connected":         h.Aggregator.IsConnected(),
		"reconnectAttempts": h.Aggregator.ReconnectAttempts(),
	})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
