package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"safeping.service/internal/core/model"
)

type fakeQueue struct {
	actions []model.QueuedAction
	err     error
}

func (f *fakeQueue) Enqueue(_ context.Context, kind model.ActionKind, payload json.RawMessage, auth model.AuthContext) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	id := fmt.Sprintf("action-%d", len(f.actions)+1)
	f.actions = append(f.actions, model.QueuedAction{
		ID: id, Kind: kind, Payload: payload, Auth: auth, CreatedAt: time.Now().UTC(),
	})
	return id, nil
}

func (f *fakeQueue) ListPending(context.Context) ([]model.QueuedAction, error) {
	return f.actions, nil
}

func (f *fakeQueue) Count(context.Context) (int, error) {
	return len(f.actions), nil
}

type fakeKicker struct{ kicks int }

func (f *fakeKicker) Kick() { f.kicks++ }

type staticProvider bool

func (p staticProvider) IsOnline() bool       { return bool(p) }
func (p staticProvider) Changes() <-chan bool { return nil }

type captureView struct{ records []model.CheckInRecord }

func (v *captureView) ApplyOptimistic(rec model.CheckInRecord) {
	v.records = append(v.records, rec)
}

func newTestService(q *fakeQueue, k *fakeKicker) *SignalService {
	auth := model.AuthContext{AccessToken: "tok", UserID: "worker-1", OrganizationID: "org-1"}
	return NewSignalService(q, k, staticProvider(false), auth)
}

func TestCheckInQueuesAndReturnsLocalRecord(t *testing.T) {
	q := &fakeQueue{}
	k := &fakeKicker{}
	s := newTestService(q, k)
	view := &captureView{}
	s.SetView(view)

	rec, err := s.CheckIn(context.Background(), model.CheckInPayload{
		Status:   model.StatusSafe,
		Location: &model.Location{Lat: 51.5, Lng: -0.12},
	})
	require.NoError(t, err)

	// The record is returned immediately, unconfirmed, even though the
	// provider reports offline.
	require.Equal(t, "action-1", rec.ID)
	require.Equal(t, "worker-1", rec.UserID)
	require.Equal(t, model.StatusSafe, rec.Status)
	require.True(t, rec.IsOffline)
	require.False(t, rec.Confirmed())

	require.Len(t, q.actions, 1)
	require.Equal(t, model.ActionCheckIn, q.actions[0].Kind)
	require.Equal(t, "tok", q.actions[0].Auth.AccessToken)
	require.Equal(t, 1, k.kicks)
	require.Equal(t, []model.CheckInRecord{rec}, view.records)
}

func TestCheckInDefaultsToSafe(t *testing.T) {
	q := &fakeQueue{}
	s := newTestService(q, &fakeKicker{})

	rec, err := s.CheckIn(context.Background(), model.CheckInPayload{})
	require.NoError(t, err)
	require.Equal(t, model.StatusSafe, rec.Status)
}

func TestSOSRecordsEmergencyStatus(t *testing.T) {
	q := &fakeQueue{}
	s := newTestService(q, &fakeKicker{})

	rec, err := s.SOS(context.Background(), model.EmergencyPayload{Message: "fall detected"})
	require.NoError(t, err)
	require.Equal(t, model.StatusEmergency, rec.Status)
	require.Equal(t, model.ActionEmergency, q.actions[0].Kind)
}

func TestEnqueueFailureIsSurfaced(t *testing.T) {
	// A device with a failing local store must not pretend the signal is
	// safe in the queue.
	q := &fakeQueue{err: errors.New("disk full")}
	k := &fakeKicker{}
	s := newTestService(q, k)

	_, err := s.CheckIn(context.Background(), model.CheckInPayload{Status: model.StatusSafe})
	require.Error(t, err)
	require.Zero(t, k.kicks)
}

func TestIncidentUpdateRequiresID(t *testing.T) {
	s := newTestService(&fakeQueue{}, &fakeKicker{})

	_, err := s.UpdateIncident(context.Background(), model.IncidentUpdatePayload{Status: "resolved"})
	require.Error(t, err)

	id, err := s.UpdateIncident(context.Background(), model.IncidentUpdatePayload{IncidentID: "inc-1", Status: "resolved"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestAuthSnapshotTravelsWithAction(t *testing.T) {
	q := &fakeQueue{}
	s := newTestService(q, &fakeKicker{})

	_, err := s.CheckIn(context.Background(), model.CheckInPayload{Status: model.StatusSafe})
	require.NoError(t, err)

	s.UpdateAuth(model.AuthContext{AccessToken: "rotated", UserID: "worker-1", OrganizationID: "org-1"})
	_, err = s.CheckIn(context.Background(), model.CheckInPayload{Status: model.StatusSafe})
	require.NoError(t, err)

	// The first action keeps the credentials captured at enqueue time.
	require.Equal(t, "tok", q.actions[0].Auth.AccessToken)
	require.Equal(t, "rotated", q.actions[1].Auth.AccessToken)
}

func TestPendingCount(t *testing.T) {
	q := &fakeQueue{}
	s := newTestService(q, &fakeKicker{})

	for i := 0; i < 3; i++ {
		_, err := s.UpdateProfile(context.Background(), model.ProfileUpdatePayload{Name: "A"})
		require.NoError(t, err)
	}

	n, err := s.PendingCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
