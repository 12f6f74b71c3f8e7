// Package aggregator maintains the live, eventually-consistent projection
// of per-worker safety status the dashboard renders. Authoritative state
// arrives over the change feed; polled snapshots recover missed events.
package aggregator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"safeping.service/internal/core/model"
	"safeping.service/internal/ports/repository"
)

// Change feed event types. The feed makes no delivery-order or
// exactly-once promise; the projection must converge regardless.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"

	TableCheckIns  = "check_ins"
	TableIncidents = "incidents"
)

// ChangeEvent is one row-change notification from the backend store.
type ChangeEvent struct {
	Type  string          `json:"eventType"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// PendingRemover lets the aggregator retire a queued action once the
// corresponding authoritative feed event has arrived. Removal is
// idempotent, so racing the sync engine is harmless.
type PendingRemover interface {
	Remove(ctx context.Context, id string) error
}

// Aggregator derives WorkerStatusSnapshots from check-in records. It keeps
// a short per-worker history so a DELETE can fall back to the
// next-most-recent record.
type Aggregator struct {
	repo  repository.Repository
	orgID string

	// PendingQueue, when set, is notified as feed events confirm queued
	// actions (agent-embedded mode). Nil on the dashboard.
	PendingQueue PendingRemover

	// PollInterval drives fallback snapshot refreshes independent of the
	// subscription.
	PollInterval time.Duration
	// Tolerance is the timestamp window for matching an authoritative
	// insert against an optimistic local record.
	Tolerance time.Duration

	mu        sync.RWMutex
	history   map[string][]model.CheckInRecord // per worker, newest first
	incidents map[string]model.Incident

	connected  atomic.Bool
	reconnects atomic.Int64
}

const historyCap = 8

// New creates an aggregator for one organization.
func New(repo repository.Repository, organizationID string) *Aggregator {
	return &Aggregator{
		repo:         repo,
		orgID:        organizationID,
		PollInterval: 60 * time.Second,
		Tolerance:    5 * time.Second,
		history:      make(map[string][]model.CheckInRecord),
		incidents:    make(map[string]model.Incident),
	}
}

// Load initializes the projection from the latest check-in per worker plus
// the organization's active incidents.
func (a *Aggregator) Load(ctx context.Context) error {
	records, err := a.repo.LatestCheckIns(ctx, a.orgID)
	if err != nil {
		return err
	}
	incidents, err := a.repo.ActiveIncidents(ctx, a.orgID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	for _, rec := range records {
		a.upsertLocked(rec)
	}
	for _, inc := range incidents {
		a.incidents[inc.ID] = inc
	}
	a.mu.Unlock()

	log.Ctx(ctx).Info().
		Int("workers", len(records)).
		Int("active_incidents", len(incidents)).
		Msg("Aggregator snapshot loaded")
	return nil
}

// Run re-fetches snapshots on a fixed interval to recover from missed feed
// events. It returns when the context is canceled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Refresh(ctx); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("Fallback snapshot refresh failed")
			}
		}
	}
}

// Refresh reloads the authoritative snapshot, also exposed for explicit
// user-triggered refresh.
func (a *Aggregator) Refresh(ctx context.Context) error {
	return a.Load(ctx)
}

// HandleEvent folds one change-feed event into the projection.
func (a *Aggregator) HandleEvent(ctx context.Context, ev ChangeEvent) {
	switch ev.Table {
	case TableCheckIns:
		a.handleCheckInEvent(ctx, ev)
	case TableIncidents:
		a.handleIncidentEvent(ctx, ev)
	default:
		log.Ctx(ctx).Debug().Str("table", ev.Table).Msg("Ignoring feed event for unknown table")
	}
}

func (a *Aggregator) handleCheckInEvent(ctx context.Context, ev ChangeEvent) {
	switch ev.Type {
	case EventInsert, EventUpdate:
		var rec model.CheckInRecord
		if err := json.Unmarshal(ev.New, &rec); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Malformed check-in feed event")
			return
		}
		if rec.OrganizationID != "" && rec.OrganizationID != a.orgID {
			return
		}

		var retired []string
		a.mu.Lock()
		if ev.Type == EventInsert {
			retired = a.reconcileLocked(rec)
		} else {
			a.mergeLocked(rec)
		}
		a.mu.Unlock()

		// The feed event confirms delivery; retire any still-pending
		// queued action for it.
		if a.PendingQueue != nil {
			for _, id := range retired {
				if err := a.PendingQueue.Remove(ctx, id); err != nil {
					log.Ctx(ctx).Warn().Err(err).Str("action_id", id).Msg("Failed to retire confirmed action")
				}
			}
		}

	case EventDelete:
		var old struct {
			ID     string `json:"id"`
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(ev.Old, &old); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Malformed check-in delete event")
			return
		}
		a.mu.Lock()
		a.removeLocked(old.UserID, old.ID)
		a.mu.Unlock()
	}
}

func (a *Aggregator) handleIncidentEvent(ctx context.Context, ev ChangeEvent) {
	switch ev.Type {
	case EventInsert, EventUpdate:
		var inc model.Incident
		if err := json.Unmarshal(ev.New, &inc); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Malformed incident feed event")
			return
		}
		if inc.OrganizationID != "" && inc.OrganizationID != a.orgID {
			return
		}
		a.mu.Lock()
		if inc.ResolvedAt != nil {
			delete(a.incidents, inc.ID)
		} else {
			a.incidents[inc.ID] = inc
		}
		a.mu.Unlock()

	case EventDelete:
		var old struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(ev.Old, &old); err != nil {
			return
		}
		a.mu.Lock()
		delete(a.incidents, old.ID)
		a.mu.Unlock()
	}
}

// ApplyOptimistic records a local, not-yet-confirmed check-in so the UI
// can render it before the sync engine has delivered it.
func (a *Aggregator) ApplyOptimistic(rec model.CheckInRecord) {
	rec.IsOffline = true
	rec.SyncedAt = nil
	a.mu.Lock()
	a.upsertLocked(rec)
	a.mu.Unlock()
}

// reconcileLocked applies an authoritative insert. A matching optimistic
// record (same id, or same user/status created within the tolerance
// window) is replaced rather than duplicated. Returns the local ids the
// event confirmed.
func (a *Aggregator) reconcileLocked(rec model.CheckInRecord) []string {
	confirmed := []string{rec.ID}

	h := a.history[rec.UserID]
	for i, existing := range h {
		if existing.ID == rec.ID {
			h[i] = rec
			a.history[rec.UserID] = sortedCapped(h)
			return confirmed
		}
	}
	for i, existing := range h {
		if existing.Confirmed() || !existing.IsOffline {
			continue
		}
		if existing.Status != rec.Status {
			continue
		}
		if absDiff(existing.CreatedAt, rec.CreatedAt) > a.Tolerance {
			continue
		}
		confirmed = append(confirmed, existing.ID)
		h[i] = rec
		a.history[rec.UserID] = sortedCapped(h)
		return confirmed
	}

	a.history[rec.UserID] = sortedCapped(append(h, rec))
	return confirmed
}

// mergeLocked folds an UPDATE into the matching record by id. An update
// for a record we have never seen is applied as an upsert, since the feed
// may deliver events in any order.
func (a *Aggregator) mergeLocked(rec model.CheckInRecord) {
	h := a.history[rec.UserID]
	for i, existing := range h {
		if existing.ID != rec.ID {
			continue
		}
		merged := existing
		merged.Status = rec.Status
		if rec.Location != nil {
			merged.Location = rec.Location
		}
		if rec.Message != "" {
			merged.Message = rec.Message
		}
		if rec.SyncedAt != nil {
			merged.SyncedAt = rec.SyncedAt
		}
		merged.IsOffline = rec.IsOffline
		h[i] = merged
		a.history[rec.UserID] = sortedCapped(h)
		return
	}
	a.upsertLocked(rec)
}

func (a *Aggregator) upsertLocked(rec model.CheckInRecord) {
	h := a.history[rec.UserID]
	for i, existing := range h {
		if existing.ID == rec.ID {
			h[i] = rec
			a.history[rec.UserID] = sortedCapped(h)
			return
		}
	}
	a.history[rec.UserID] = sortedCapped(append(h, rec))
}

func (a *Aggregator) removeLocked(userID, id string) {
	h := a.history[userID]
	for i, existing := range h {
		if existing.ID == id {
			// Keep the (possibly empty) history entry: a worker with no
			// remaining record reports unknown, not absent.
			a.history[userID] = append(h[:i], h[i+1:]...)
			return
		}
	}
}

// Snapshot derives one worker's current status from the latest visible
// record. Recomputing from the same inputs always yields the same result.
func (a *Aggregator) Snapshot(userID string) model.WorkerStatusSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked(userID)
}

func (a *Aggregator) snapshotLocked(userID string) model.WorkerStatusSnapshot {
	h := a.history[userID]
	if len(h) == 0 {
		return model.ComputeSnapshot(userID, nil)
	}
	latest := h[0]
	return model.ComputeSnapshot(userID, &latest)
}

// Snapshots returns every known worker's snapshot, ordered by worker id.
func (a *Aggregator) Snapshots() []model.WorkerStatusSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]model.WorkerStatusSnapshot, 0, len(a.history))
	for userID := range a.history {
		out = append(out, a.snapshotLocked(userID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Stats returns organization-level counts over the current snapshots.
func (a *Aggregator) Stats() model.OrgStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var stats model.OrgStats
	for userID := range a.history {
		switch a.snapshotLocked(userID).ComputedStatus {
		case model.StatusSafe:
			stats.Safe++
		case model.StatusOverdue:
			stats.Overdue++
		case model.StatusMissed:
			stats.Missed++
		case model.StatusEmergency:
			stats.Emergency++
		default:
			stats.Unknown++
		}
	}
	return stats
}

// ActiveIncidents returns the current unresolved incidents, newest first.
func (a *Aggregator) ActiveIncidents() []model.Incident {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]model.Incident, 0, len(a.incidents))
	for _, inc := range a.incidents {
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// IsConnected reports subscription health for the live-vs-stale indicator.
func (a *Aggregator) IsConnected() bool {
	return a.connected.Load()
}

// ReconnectAttempts counts feed reconnects since startup.
func (a *Aggregator) ReconnectAttempts() int64 {
	return a.reconnects.Load()
}

// MarkConnected is called by the feed consumer on a healthy receive.
func (a *Aggregator) MarkConnected() {
	a.connected.Store(true)
}

// MarkDisconnected is called by the feed consumer on a failed receive.
func (a *Aggregator) MarkDisconnected() {
	a.connected.Store(false)
	a.reconnects.Add(1)
}

func sortedCapped(h []model.CheckInRecord) []model.CheckInRecord {
	sort.SliceStable(h, func(i, j int) bool { return h[i].CreatedAt.After(h[j].CreatedAt) })
	if len(h) > historyCap {
		h = h[:historyCap]
	}
	return h
}

func absDiff(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
