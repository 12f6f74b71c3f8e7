package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"safeping.service/internal/core/model"
	"safeping.service/pkg/database"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	db, err := database.NewLocalStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	require.NoError(t, err)
	return s
}

func testAuth() model.AuthContext {
	return model.AuthContext{AccessToken: "tok", UserID: "worker-1", OrganizationID: "org-1"}
}

func TestEnqueueVisibleImmediately(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
	ctx := context.Background()

	payload, _ := json.Marshal(model.CheckInPayload{Status: model.StatusSafe})
	id, err := s.Enqueue(ctx, model.ActionCheckIn, payload, testAuth())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].ID)
	require.Equal(t, model.ActionCheckIn, pending[0].Kind)
	require.Equal(t, 0, pending[0].RetryCount)
	require.Equal(t, "worker-1", pending[0].Auth.UserID)
	require.JSONEq(t, string(payload), string(pending[0].Payload))
}

func TestDurabilityAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	db, err := database.NewLocalStore(path)
	require.NoError(t, err)
	s, err := New(db)
	require.NoError(t, err)

	payloads := []model.ActionKind{model.ActionCheckIn, model.ActionEmergency, model.ActionLocationUpdate}
	ids := make([]string, 0, len(payloads))
	for _, kind := range payloads {
		id, err := s.Enqueue(ctx, kind, json.RawMessage(`{}`), testAuth())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	before, err := s.ListPending(ctx)
	require.NoError(t, err)
	// Simulated process restart: close the handle and reopen the same file.
	require.NoError(t, db.Close())

	reopened := newTestStore(t, path)
	after, err := reopened.ListPending(ctx)
	require.NoError(t, err)

	require.Equal(t, before, after)
	require.Len(t, after, len(ids))
	for i, a := range after {
		require.Equal(t, ids[i], a.ID)
	}
}

func TestListPendingOrderedByCreatedAt(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	a, _ := s.Enqueue(ctx, model.ActionCheckIn, json.RawMessage(`{"n":1}`), testAuth())
	b, _ := s.Enqueue(ctx, model.ActionCheckIn, json.RawMessage(`{"n":2}`), testAuth())
	c, _ := s.Enqueue(ctx, model.ActionEmergency, json.RawMessage(`{"n":3}`), testAuth())

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, []string{a, b, c}, []string{pending[0].ID, pending[1].ID, pending[2].ID})
	require.True(t, pending[0].CreatedAt.Before(pending[1].CreatedAt))
	require.True(t, pending[1].CreatedAt.Before(pending[2].CreatedAt))
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
	ctx := context.Background()

	id, err := s.Enqueue(ctx, model.ActionCheckIn, json.RawMessage(`{}`), testAuth())
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, id))
	// Second removal of the same id, and removal of a never-enqueued id,
	// must both be no-ops.
	require.NoError(t, s.Remove(ctx, id))
	require.NoError(t, s.Remove(ctx, "never-existed"))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestIncrementRetry(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
	ctx := context.Background()

	id, err := s.Enqueue(ctx, model.ActionEmergency, json.RawMessage(`{}`), testAuth())
	require.NoError(t, err)

	next := time.Now().Add(2 * time.Second)
	count, err := s.IncrementRetry(ctx, id, next)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = s.IncrementRetry(ctx, id, next.Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, 2, count)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending[0].RetryCount)
	require.Equal(t, next.Add(2*time.Second).UTC().UnixMilli(), pending[0].NextAttemptAt.UnixMilli())
}

func TestIncrementRetryMissingEntry(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "queue.db"))

	_, err := s.IncrementRetry(context.Background(), "gone", time.Now())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCount(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "queue.db"))
	ctx := context.Background()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	id, _ := s.Enqueue(ctx, model.ActionCheckIn, json.RawMessage(`{}`), testAuth())
	_, _ = s.Enqueue(ctx, model.ActionCheckIn, json.RawMessage(`{}`), testAuth())

	n, err = s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, s.Remove(ctx, id))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
