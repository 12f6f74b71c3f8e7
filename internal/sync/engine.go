// Package sync drains the durable local queue against the backend and
// decides when each pending safety signal is attempted again.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"safeping.service/internal/core/model"
	"safeping.service/internal/notify"
	"safeping.service/internal/queue"
)

// Outcome classifies one sync attempt against one queued action.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable_failure"
	OutcomePermanent Outcome = "permanent_failure"
)

// AttemptResult is the ephemeral record of a single attempt. It drives
// queue mutation and diagnostics only; it is never persisted.
type AttemptResult struct {
	ActionID string
	Kind     model.ActionKind
	Outcome  Outcome
	RemoteID string
	Err      error
	// Exhausted marks a retry-ceiling drop. It indicates sustained
	// connectivity loss rather than a data problem, so it must stay
	// distinguishable from an explicit permanent rejection.
	Exhausted bool
	// NextAttemptAt is set on retryable outcomes so the scheduler can arm
	// a timer for the earliest pending retry.
	NextAttemptAt time.Time
}

// ActionQueue is the queue surface the engine drives.
type ActionQueue interface {
	ListPending(ctx context.Context) ([]model.QueuedAction, error)
	Remove(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string, nextAttempt time.Time) (int, error)
}

// RemoteClient performs the kind-specific remote write for an action.
type RemoteClient interface {
	SubmitCheckIn(ctx context.Context, auth model.AuthContext, actionID string, p model.CheckInPayload) (string, error)
	TriggerEmergency(ctx context.Context, auth model.AuthContext, actionID string, p model.EmergencyPayload) (string, error)
	UpdateIncident(ctx context.Context, auth model.AuthContext, p model.IncidentUpdatePayload) error
	UpdateProfile(ctx context.Context, auth model.AuthContext, p model.ProfileUpdatePayload) error
	SubmitLocation(ctx context.Context, auth model.AuthContext, actionID string, p model.LocationUpdatePayload) (string, error)
}

// TerminalFunc receives every terminal failure exactly once.
type TerminalFunc func(AttemptResult)

// Engine maps queued actions to remote writes and classifies the results.
// A circuit breaker protects the backend from being hammered while it is
// struggling; a breaker-open attempt counts as a retryable failure.
type Engine struct {
	queue    ActionQueue
	remote   RemoteClient
	notifier notify.Notifier
	cb       *gobreaker.CircuitBreaker

	// MaxRetries is the retry ceiling per action. Exceeding it drops the
	// action and reports the failure upward.
	MaxRetries int
	Policy     BackoffPolicy
	// OnTerminal is invoked for permanent failures and ceiling exhaustion.
	OnTerminal TerminalFunc

	draining atomic.Bool
	now      func() time.Time
}

// NewEngine wires the sync engine with its queue, backend client and
// SOS-delivery notifier.
func NewEngine(q ActionQueue, remote RemoteClient, notifier notify.Notifier) *Engine {
	settings := gobreaker.Settings{
		Name:        "SafePing-Backend",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Trip if failure rate exceeds 50% after at least 10 requests
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.5
		},
	}

	return &Engine{
		queue:      q,
		remote:     remote,
		notifier:   notifier,
		cb:         gobreaker.NewCircuitBreaker(settings),
		MaxRetries: 5,
		Policy:     DefaultBackoff(),
		now:        time.Now,
	}
}

// Drain snapshots the pending queue and attempts each due action in
// enqueue order. One action's failure never blocks the rest of the pass.
// At most one drain runs at a time; a trigger arriving mid-drain is
// coalesced and Drain returns (nil, nil) without touching the queue.
func (e *Engine) Drain(ctx context.Context) ([]AttemptResult, error) {
	if !e.draining.CompareAndSwap(false, true) {
		log.Ctx(ctx).Debug().Msg("Drain already in progress; trigger coalesced")
		return nil, nil
	}
	defer e.draining.Store(false)

	pending, err := e.queue.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot pending actions: %w", err)
	}

	now := e.now()
	results := make([]AttemptResult, 0, len(pending))
	for _, action := range pending {
		if action.NextAttemptAt.After(now) {
			// Backoff for this action has not elapsed yet.
			continue
		}
		res := e.attempt(ctx, action)
		e.settle(ctx, action, &res)
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) attempt(ctx context.Context, action model.QueuedAction) AttemptResult {
	res := AttemptResult{ActionID: action.ID, Kind: action.Kind}

	payload, err := model.DecodePayload(action.Kind, action.Payload)
	if err != nil {
		// Malformed entry: retrying cannot help.
		res.Outcome = OutcomePermanent
		res.Err = err
		return res
	}

	remoteID, err := e.dispatch(ctx, action, payload)
	if err != nil {
		res.Outcome = classify(err)
		res.Err = err
		return res
	}

	res.Outcome = OutcomeSuccess
	res.RemoteID = remoteID
	return res
}

func (e *Engine) dispatch(ctx context.Context, action model.QueuedAction, payload any) (string, error) {
	out, err := e.cb.Execute(func() (interface{}, error) {
		switch p := payload.(type) {
		case *model.CheckInPayload:
			return e.remote.SubmitCheckIn(ctx, action.Auth, action.ID, *p)
		case *model.EmergencyPayload:
			return e.remote.TriggerEmergency(ctx, action.Auth, action.ID, *p)
		case *model.IncidentUpdatePayload:
			return "", e.remote.UpdateIncident(ctx, action.Auth, *p)
		case *model.ProfileUpdatePayload:
			return "", e.remote.UpdateProfile(ctx, action.Auth, *p)
		case *model.LocationUpdatePayload:
			return e.remote.SubmitLocation(ctx, action.Auth, action.ID, *p)
		default:
			return "", fmt.Errorf("no remote write for kind %q", action.Kind)
		}
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			log.Ctx(ctx).Warn().Msg("Circuit breaker is OPEN; skipping backend call")
		}
		return "", err
	}
	id, _ := out.(string)
	return id, nil
}

func (e *Engine) settle(ctx context.Context, action model.QueuedAction, res *AttemptResult) {
	switch res.Outcome {
	case OutcomeSuccess:
		if err := e.queue.Remove(ctx, action.ID); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("action_id", action.ID).Msg("Failed to remove synced action")
		}
		if action.Kind == model.ActionEmergency {
			// Cosmetic confirmation; never gates queue removal.
			if err := e.notifier.EmergencyDelivered(ctx, action.Auth.UserID, res.RemoteID); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("action_id", action.ID).Msg("SOS delivery confirmation failed")
			}
		}

	case OutcomePermanent:
		if err := e.queue.Remove(ctx, action.ID); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("action_id", action.ID).Msg("Failed to remove rejected action")
		}
		e.reportTerminal(ctx, *res)

	case OutcomeRetryable:
		if action.RetryCount >= e.MaxRetries {
			res.Outcome = OutcomePermanent
			res.Exhausted = true
			if err := e.queue.Remove(ctx, action.ID); err != nil {
				log.Ctx(ctx).Error().Err(err).Str("action_id", action.ID).Msg("Failed to drop exhausted action")
			}
			e.reportTerminal(ctx, *res)
			return
		}

		next := e.now().Add(e.Policy.Delay(action.RetryCount))
		res.NextAttemptAt = next
		if _, err := e.queue.IncrementRetry(ctx, action.ID, next); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				// Reconciliation or a racing pass already resolved it.
				log.Ctx(ctx).Warn().Str("action_id", action.ID).Msg("Action removed concurrently during retry bookkeeping")
				return
			}
			log.Ctx(ctx).Error().Err(err).Str("action_id", action.ID).Msg("Failed to persist retry count")
		}
	}
}

func (e *Engine) reportTerminal(ctx context.Context, res AttemptResult) {
	evt := log.Ctx(ctx).Error().
		Str("action_id", res.ActionID).
		Str("kind", string(res.Kind)).
		Err(res.Err)
	if res.Exhausted {
		evt.Msg("Retry ceiling exhausted; dropping action")
	} else {
		evt.Msg("Permanent failure; dropping action")
	}

	if e.OnTerminal != nil {
		e.OnTerminal(res)
	}
}

// classify maps an attempt error to an outcome. Transport errors, timeouts,
// throttling and 5xx responses heal with time; auth and validation
// rejections do not.
func classify(err error) Outcome {
	var statusErr interface {
		error
		Permanent() bool
	}
	if errors.As(err, &statusErr) {
		if statusErr.Permanent() {
			return OutcomePermanent
		}
		return OutcomeRetryable
	}
	return OutcomeRetryable
}
