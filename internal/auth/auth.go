// Package auth wraps the backend's authentication endpoints. The
// verification logic lives server-side; this package only transports
// requests and queues them while the device is offline.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/rs/zerolog/log"

	"safeping.service/internal/core/model"
	"safeping.service/internal/remote"
)

// Client calls the backend auth endpoints.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient creates an auth client against the same backend base URL the
// sync engine uses.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// SendOTP asks the backend to deliver a one-time code to the phone.
func (c *Client) SendOTP(ctx context.Context, phone string) error {
	return c.post(ctx, "/v1/auth/otp", map[string]string{"phone": phone}, nil)
}

// VerifyOTP exchanges a code for a session. The returned AuthContext is
// the credential snapshot queued actions will carry.
func (c *Client) VerifyOTP(ctx context.Context, phone, code string) (model.AuthContext, error) {
	var out struct {
		AccessToken    string `json:"accessToken"`
		UserID         string `json:"userId"`
		OrganizationID string `json:"organizationId"`
	}
	if err := c.post(ctx, "/v1/auth/otp/verify", map[string]string{"phone": phone, "code": code}, &out); err != nil {
		return model.AuthContext{}, err
	}
	return model.AuthContext{
		AccessToken:    out.AccessToken,
		UserID:         out.UserID,
		OrganizationID: out.OrganizationID,
	}, nil
}

// ValidatePIN verifies the duress/unlock PIN for an active session.
func (c *Client) ValidatePIN(ctx context.Context, auth model.AuthContext, pin string) error {
	body, err := json.Marshal(map[string]string{"pin": pin})
	if err != nil {
		return fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/pin", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+auth.AccessToken)

	return c.send(req, nil)
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call auth backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &remote.StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(detail))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode auth response: %w", err)
		}
	}
	return nil
}

// Op is one deferred auth call.
type Op struct {
	Name string
	Do   func(ctx context.Context) error
}

// Queue holds auth operations issued while offline. Unlike the safety
// queue it is memory-only with no backoff: auth state is worthless after
// a device restart, and ordering matters more than persistence.
type Queue struct {
	mu  stdsync.Mutex
	ops []Op
}

// NewQueue creates an empty auth queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Defer appends an operation to run on the next flush.
func (q *Queue) Defer(op Op) {
	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.mu.Unlock()
}

// Len reports the number of deferred operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Flush runs deferred operations in FIFO order. A permanent rejection
// drops the operation and continues; any other failure stops the flush
// and keeps the remainder for the next reconnect.
func (q *Queue) Flush(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.ops) == 0 {
			q.mu.Unlock()
			return nil
		}
		op := q.ops[0]
		q.mu.Unlock()

		err := op.Do(ctx)
		if err != nil && !isPermanent(err) {
			log.Ctx(ctx).Warn().Err(err).Str("op", op.Name).Msg("Auth flush interrupted, keeping remainder")
			return err
		}
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("op", op.Name).Msg("Dropping permanently rejected auth operation")
		}

		q.mu.Lock()
		q.ops = q.ops[1:]
		q.mu.Unlock()
	}
}

func isPermanent(err error) bool {
	var pe interface {
		error
		Permanent() bool
	}
	return errors.As(err, &pe) && pe.Permanent()
}
