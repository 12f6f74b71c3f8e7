package core

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	"safeping.service/internal/connectivity"
	"safeping.service/internal/core/model"
)

// ActionQueue is the durable local queue the service writes safety
// signals into.
type ActionQueue interface {
	Enqueue(ctx context.Context, kind model.ActionKind, payload json.RawMessage, auth model.AuthContext) (string, error)
	ListPending(ctx context.Context) ([]model.QueuedAction, error)
	Count(ctx context.Context) (int, error)
}

// Kicker wakes the sync scheduler after an enqueue so an online device
// delivers immediately instead of waiting for the next tick.
type Kicker interface {
	Kick()
}

// OptimisticView receives the local record for immediate display while
// the action is still in flight.
type OptimisticView interface {
	ApplyOptimistic(model.CheckInRecord)
}

// SignalService is the main application service on the worker device.
// Every operation persists to the local queue first and returns
// immediately; delivery happens asynchronously in the sync engine.
type SignalService struct {
	queue  ActionQueue
	kicker Kicker
	conn   connectivity.Provider
	view   OptimisticView // may be nil

	mu   stdsync.RWMutex
	auth model.AuthContext

	now func() time.Time
}

// NewSignalService wires the service with the device's session snapshot.
func NewSignalService(q ActionQueue, k Kicker, conn connectivity.Provider, auth model.AuthContext) *SignalService {
	return &SignalService{
		queue:  q,
		kicker: k,
		conn:   conn,
		auth:   auth,
		now:    time.Now,
	}
}

// SetView attaches an optimistic projection. Optional; the dashboardless
// agent runs without one.
func (s *SignalService) SetView(v OptimisticView) {
	s.view = v
}

// UpdateAuth replaces the session snapshot after a token rotation.
// Actions already queued keep the credentials they were enqueued with.
func (s *SignalService) UpdateAuth(auth model.AuthContext) {
	s.mu.Lock()
	s.auth = auth
	s.mu.Unlock()
}

func (s *SignalService) authSnapshot() model.AuthContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth
}

// CheckIn records a safety check-in. The returned record is the local,
// not-yet-confirmed view; its id doubles as the delivery idempotency key.
func (s *SignalService) CheckIn(ctx context.Context, p model.CheckInPayload) (model.CheckInRecord, error) {
	if p.Status == "" {
		p.Status = model.StatusSafe
	}
	return s.enqueueRecord(ctx, model.ActionCheckIn, p.Status, p.Location, p.Message, p)
}

// SOS triggers an emergency escalation. Same local-first path as a
// check-in; the backend creates the incident and notifies contacts once
// the action syncs.
func (s *SignalService) SOS(ctx context.Context, p model.EmergencyPayload) (model.CheckInRecord, error) {
	return s.enqueueRecord(ctx, model.ActionEmergency, model.StatusEmergency, p.Location, p.Message, p)
}

// UpdateIncident queues a patch to an existing incident.
func (s *SignalService) UpdateIncident(ctx context.Context, p model.IncidentUpdatePayload) (string, error) {
	if p.IncidentID == "" {
		return "", fmt.Errorf("incident id is required")
	}
	return s.enqueue(ctx, model.ActionIncidentUpdate, p)
}

// UpdateProfile queues a patch to the worker's own profile.
func (s *SignalService) UpdateProfile(ctx context.Context, p model.ProfileUpdatePayload) (string, error) {
	return s.enqueue(ctx, model.ActionProfileUpdate, p)
}

// TrackLocation queues a location sample tied to an earlier check-in.
func (s *SignalService) TrackLocation(ctx context.Context, p model.LocationUpdatePayload) (string, error) {
	if p.CheckInID == "" {
		return "", fmt.Errorf("check-in id is required")
	}
	return s.enqueue(ctx, model.ActionLocationUpdate, p)
}

// Pending lists the queued actions awaiting delivery, oldest first.
func (s *SignalService) Pending(ctx context.Context) ([]model.QueuedAction, error) {
	return s.queue.ListPending(ctx)
}

// PendingCount reports the queue depth for the UI badge.
func (s *SignalService) PendingCount(ctx context.Context) (int, error) {
	return s.queue.Count(ctx)
}

// Online reports current connectivity as last probed.
func (s *SignalService) Online() bool {
	return s.conn.IsOnline()
}

func (s *SignalService) enqueue(ctx context.Context, kind model.ActionKind, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", kind, err)
	}

	id, err := s.queue.Enqueue(ctx, kind, raw, s.authSnapshot())
	if err != nil {
		return "", fmt.Errorf("queueing %s: %w", kind, err)
	}

	s.kicker.Kick()
	return id, nil
}

func (s *SignalService) enqueueRecord(ctx context.Context, kind model.ActionKind, status model.CheckInStatus, loc *model.Location, message string, payload any) (model.CheckInRecord, error) {
	auth := s.authSnapshot()

	id, err := s.enqueue(ctx, kind, payload)
	if err != nil {
		return model.CheckInRecord{}, err
	}

	rec := model.CheckInRecord{
		ID:             id,
		OrganizationID: auth.OrganizationID,
		UserID:         auth.UserID,
		Status:         status,
		Location:       loc,
		Message:        message,
		CreatedAt:      s.now().UTC(),
		IsOffline:      true,
	}
	if s.view != nil {
		s.view.ApplyOptimistic(rec)
	}
	return rec, nil
}
