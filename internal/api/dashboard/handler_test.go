package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"safeping.service/internal/aggregator"
	"safeping.service/internal/core/model"
)

type fakeRepo struct {
	records []model.CheckInRecord
}

func (f *fakeRepo) LatestCheckIns(context.Context, string) ([]model.CheckInRecord, error) {
	return f.records, nil
}

func (f *fakeRepo) ActiveIncidents(context.Context, string) ([]model.Incident, error) {
	return nil, nil
}

func seededRouter(t *testing.T) (http.Handler, *aggregator.Aggregator) {
	t.Helper()
	synced := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeRepo{records: []model.CheckInRecord{
		{ID: "c1", UserID: "worker-1", Status: model.StatusSafe, CreatedAt: synced, SyncedAt: &synced},
		{ID: "c2", UserID: "worker-2", Status: model.StatusEmergency, CreatedAt: synced, SyncedAt: &synced},
	}}
	agg := aggregator.New(repo, "org-1")
	require.NoError(t, agg.Load(context.Background()))
	return NewRouter(agg), agg
}

func TestStatusListsAllWorkers(t *testing.T) {
	router, _ := seededRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var out struct {
		Workers []model.WorkerStatusSnapshot `json:"workers"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	require.Len(t, out.Workers, 2)
	require.Equal(t, "worker-1", out.Workers[0].UserID)
}

func TestWorkerStatusUnknownForUnseenWorker(t *testing.T) {
	router, _ := seededRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/status/worker-99", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var snap model.WorkerStatusSnapshot
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&snap))
	require.Equal(t, model.StatusUnknown, snap.ComputedStatus)
	require.Nil(t, snap.LatestCheckIn)
}

func TestStatsEndpoint(t *testing.T) {
	router, _ := seededRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

	var stats model.OrgStats
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&stats))
	require.Equal(t, model.OrgStats{Safe: 1, Emergency: 1}, stats)
}

func TestFeedHealthReflectsConsumerState(t *testing.T) {
	router, agg := seededRouter(t)

	agg.MarkDisconnected()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/feed/health", nil))

	var out struct {
		Connected         bool  `json:"connected"`
		ReconnectAttempts int64 `json:"reconnectAttempts"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	require.False(t, out.Connected)
	require.Equal(t, int64(1), out.ReconnectAttempts)
}

func TestRefreshReloadsSnapshot(t *testing.T) {
	router, _ := seededRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/refresh", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var stats model.OrgStats
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&stats))
	require.Equal(t, model.OrgStats{Safe: 1, Emergency: 1}, stats)
}
