package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDrainer struct {
	mu      stdsync.Mutex
	drains  int
	results []AttemptResult
}

func (f *fakeDrainer) Drain(context.Context) ([]AttemptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	res := f.results
	f.results = nil
	return res, nil
}

func (f *fakeDrainer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains
}

type fakeProvider struct {
	online  atomic.Bool
	changes chan bool
}

func newFakeProvider(online bool) *fakeProvider {
	p := &fakeProvider{changes: make(chan bool, 4)}
	p.online.Store(online)
	return p
}

func (p *fakeProvider) IsOnline() bool       { return p.online.Load() }
func (p *fakeProvider) Changes() <-chan bool { return p.changes }

func (p *fakeProvider) transition(online bool) {
	p.online.Store(online)
	p.changes <- online
}

func waitForDrains(t *testing.T, d *fakeDrainer, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d drains, saw %d", want, d.count())
}

func newTestScheduler(d Drainer, p *fakeProvider) *Scheduler {
	s := NewScheduler(d, p)
	s.Interval = time.Hour // periodic trigger out of the way
	s.Stabilization = 10 * time.Millisecond
	return s
}

func TestKickTriggersDrainWhenOnline(t *testing.T) {
	d := &fakeDrainer{}
	s := newTestScheduler(d, newFakeProvider(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Kick()
	waitForDrains(t, d, 1)
}

func TestKickIgnoredWhileOffline(t *testing.T) {
	d := &fakeDrainer{}
	s := newTestScheduler(d, newFakeProvider(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Kick()
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, d.count())
}

func TestConnectivityRestoreTriggersDrain(t *testing.T) {
	d := &fakeDrainer{}
	p := newFakeProvider(false)
	s := newTestScheduler(d, p)

	var onlineHooks atomic.Int32
	s.OnOnline = func(context.Context) { onlineHooks.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	p.transition(true)
	waitForDrains(t, d, 1)

	deadline := time.Now().Add(time.Second)
	for onlineHooks.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, int32(1), onlineHooks.Load())
}

func TestFlappingConnectionSuppressed(t *testing.T) {
	d := &fakeDrainer{}
	p := newFakeProvider(false)
	s := newTestScheduler(d, p)
	s.Stabilization = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Connection comes up and drops again within the stabilization window.
	p.transition(true)
	time.Sleep(5 * time.Millisecond)
	p.online.Store(false)

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, d.count())
}

func TestVisibilityRegainTriggersDrain(t *testing.T) {
	d := &fakeDrainer{}
	s := newTestScheduler(d, newFakeProvider(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.NotifyVisible()
	waitForDrains(t, d, 1)
}

func TestRetryTimerRearmsDrain(t *testing.T) {
	d := &fakeDrainer{
		results: []AttemptResult{{
			ActionID:      "a1",
			Outcome:       OutcomeRetryable,
			NextAttemptAt: time.Now().Add(30 * time.Millisecond),
		}},
	}
	s := newTestScheduler(d, newFakeProvider(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// First drain reports a retryable action; the scheduler must arm a
	// timer and drain again when its backoff elapses.
	s.Kick()
	waitForDrains(t, d, 2)
}
