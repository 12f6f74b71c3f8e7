package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"safeping.service/internal/connectivity"
)

// Drainer is the single entry point all triggers feed into.
type Drainer interface {
	Drain(ctx context.Context) ([]AttemptResult, error)
}

// Scheduler decides when a drain pass runs. Four triggers feed the one
// Drain entry point: connectivity restore, a periodic timer, app-visibility
// regain and a post-enqueue kick; the engine's guard coalesces overlapping
// triggers. On startup the queue resumes driving retries through the first
// connectivity transition.
type Scheduler struct {
	engine Drainer
	conn   connectivity.Provider

	Interval      time.Duration
	Stabilization time.Duration
	// OnOnline runs after a connectivity-restore drain, e.g. to flush the
	// auth call queue.
	OnOnline func(ctx context.Context)

	kick    chan struct{}
	visible chan struct{}
}

// NewScheduler creates a scheduler with the recommended trigger timings.
func NewScheduler(engine Drainer, conn connectivity.Provider) *Scheduler {
	return &Scheduler{
		engine:        engine,
		conn:          conn,
		Interval:      30 * time.Second,
		Stabilization: time.Second,
		kick:          make(chan struct{}, 1),
		visible:       make(chan struct{}, 1),
	}
}

// Kick requests an immediate drain, used right after a successful enqueue
// while online. Non-blocking; an already-pending kick absorbs it.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// NotifyVisible signals that the app regained foreground visibility. The
// periodic timer may have been suspended while backgrounded, so this
// triggers a drain immediately if online.
func (s *Scheduler) NotifyVisible() {
	select {
	case s.visible <- struct{}{}:
	default:
	}
}

// Run drives the trigger loop until the context is canceled. Scheduled
// backoff timers are abandoned on shutdown; the queue survives in storage
// and resumes on next startup.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Timer armed for the earliest pending per-action retry, nil channel
	// (never ready) while nothing is scheduled.
	var retryTimer *time.Timer
	var retryC <-chan time.Time
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	drain := func() {
		results, err := s.engine.Drain(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Drain pass failed")
			return
		}
		logPass(results)

		if next := earliestRetry(results); !next.IsZero() {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			if retryTimer != nil {
				retryTimer.Stop()
			}
			retryTimer = time.NewTimer(d)
			retryC = retryTimer.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			drain()

		case online := <-s.conn.Changes():
			if !online {
				log.Info().Msg("Connectivity lost; queue accumulates until restore")
				continue
			}
			// Short stabilization delay to avoid firing against a
			// flapping connection.
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.Stabilization):
			}
			if !s.conn.IsOnline() {
				continue
			}
			drain()
			if s.OnOnline != nil {
				s.OnOnline(ctx)
			}

		case <-s.kick:
			if s.conn.IsOnline() {
				drain()
			}

		case <-s.visible:
			if s.conn.IsOnline() {
				drain()
			}

		case <-retryC:
			retryC = nil
			drain()
		}
	}
}

func logPass(results []AttemptResult) {
	if len(results) == 0 {
		return
	}
	var ok, retry, dropped int
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSuccess:
			ok++
		case OutcomeRetryable:
			retry++
		case OutcomePermanent:
			dropped++
		}
	}
	log.Info().
		Int("synced", ok).
		Int("retrying", retry).
		Int("dropped", dropped).
		Msg("Drain pass complete")
}

func earliestRetry(results []AttemptResult) time.Time {
	var next time.Time
	for _, r := range results {
		if r.Outcome != OutcomeRetryable || r.NextAttemptAt.IsZero() {
			continue
		}
		if next.IsZero() || r.NextAttemptAt.Before(next) {
			next = r.NextAttemptAt
		}
	}
	return next
}
