package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"safeping.service/internal/core/model"
)

// ErrNotFound is returned when an action was removed concurrently, e.g. by
// a racing drain pass or by feed-driven reconciliation.
var ErrNotFound = errors.New("queued action not found")

const schema = `
CREATE TABLE IF NOT EXISTS queued_actions (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	payload         BLOB NOT NULL,
	auth_context    BLOB NOT NULL,
	created_at      INTEGER NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queued_actions_created_at ON queued_actions (created_at);
`

// Store is the durable local queue of pending safety signals. Every entry
// survives process restarts; an entry leaves the queue only on terminal
// success or terminal failure.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New prepares the queue schema on the given local database handle.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Enqueue persists a new action and returns its locally generated id. It
// never touches the network; a storage error is surfaced so the caller can
// tell the user the safety signal could not even be queued.
func (s *Store) Enqueue(ctx context.Context, kind model.ActionKind, payload json.RawMessage, auth model.AuthContext) (string, error) {
	id := uuid.NewString()
	createdAt := s.now().UTC()

	authJSON, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("marshal auth context: %w", err)
	}

	query := `INSERT INTO queued_actions (id, kind, payload, auth_context, created_at, retry_count, next_attempt_at)
	          VALUES ($1, $2, $3, $4, $5, 0, $6)`

	_, err = s.db.ExecContext(ctx, query, id, string(kind), []byte(payload), authJSON,
		createdAt.UnixMilli(), createdAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("persist queued action: %w", err)
	}

	return id, nil
}

// ListPending returns all not-yet-resolved actions ordered by creation time
// ascending, preserving the causal order of a worker's safety signals.
func (s *Store) ListPending(ctx context.Context) ([]model.QueuedAction, error) {
	query := `SELECT id, kind, payload, auth_context, created_at, retry_count, next_attempt_at
	          FROM queued_actions
	          ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()

	var actions []model.QueuedAction
	for rows.Next() {
		var (
			a          model.QueuedAction
			kind       string
			authJSON   []byte
			createdAt  int64
			nextAttmpt int64
		)
		if err := rows.Scan(&a.ID, &kind, &a.Payload, &authJSON, &createdAt, &a.RetryCount, &nextAttmpt); err != nil {
			return nil, fmt.Errorf("scan queued action: %w", err)
		}
		if err := json.Unmarshal(authJSON, &a.Auth); err != nil {
			return nil, fmt.Errorf("unmarshal auth context: %w", err)
		}
		a.Kind = model.ActionKind(kind)
		a.CreatedAt = time.UnixMilli(createdAt).UTC()
		a.NextAttemptAt = time.UnixMilli(nextAttmpt).UTC()
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// Remove deletes an entry. Removing an id that is absent (or was already
// removed) is a no-op, not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queued_actions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove queued action: %w", err)
	}
	return nil
}

// IncrementRetry atomically bumps the retry counter and records when the
// next attempt is due. Returns ErrNotFound if the entry no longer exists.
func (s *Store) IncrementRetry(ctx context.Context, id string, nextAttempt time.Time) (int, error) {
	query := `UPDATE queued_actions
	          SET retry_count = retry_count + 1, next_attempt_at = $1
	          WHERE id = $2
	          RETURNING retry_count`

	var count int
	err := s.db.QueryRowContext(ctx, query, nextAttempt.UTC().UnixMilli(), id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry count: %w", err)
	}
	return count, nil
}

// Count returns the number of pending actions, used for the offline banner.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_actions`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued actions: %w", err)
	}
	return n, nil
}
