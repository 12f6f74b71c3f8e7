// Package remote is the HTTP client for the backend-as-a-service write
// endpoints. One method per action kind; the caller owns retry policy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"safeping.service/internal/core/model"
)

// StatusError is a non-2xx response from the backend. It carries enough to
// classify the failure as retryable or permanent.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed.
// Auth and validation rejections are permanent; throttling, timeouts and
// server-side failures are not.
func (e *StatusError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Client performs the kind-specific remote writes for queued actions.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient creates a backend client. Every attempt carries the timeout so
// a hung connection degrades to a retryable failure instead of stalling a
// drain pass.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
	}
}

type idResponse struct {
	ID string `json:"id"`
}

// SubmitCheckIn upserts a check-in record. The locally generated action id
// doubles as the idempotency key, so a retry after a lost response cannot
// create a duplicate record.
func (c *Client) SubmitCheckIn(ctx context.Context, auth model.AuthContext, actionID string, p model.CheckInPayload) (string, error) {
	body := map[string]any{
		"id":             actionID,
		"organizationId": auth.OrganizationID,
		"userId":         auth.UserID,
		"status":         p.Status,
		"location":       p.Location,
		"message":        p.Message,
	}
	var out idResponse
	if err := c.do(ctx, http.MethodPost, "/v1/checkins", auth, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// TriggerEmergency invokes the escalation endpoint, which creates an
// incident and triggers downstream contact notification in one call.
func (c *Client) TriggerEmergency(ctx context.Context, auth model.AuthContext, actionID string, p model.EmergencyPayload) (string, error) {
	body := map[string]any{
		"id":             actionID,
		"organizationId": auth.OrganizationID,
		"userId":         auth.UserID,
		"location":       p.Location,
		"message":        p.Message,
	}
	var out idResponse
	if err := c.do(ctx, http.MethodPost, "/v1/emergencies", auth, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdateIncident patches an existing incident by id.
func (c *Client) UpdateIncident(ctx context.Context, auth model.AuthContext, p model.IncidentUpdatePayload) error {
	body := map[string]any{
		"status": p.Status,
		"note":   p.Note,
	}
	return c.do(ctx, http.MethodPatch, "/v1/incidents/"+p.IncidentID, auth, body, nil)
}

// UpdateProfile patches the worker's own profile.
func (c *Client) UpdateProfile(ctx context.Context, auth model.AuthContext, p model.ProfileUpdatePayload) error {
	body := map[string]any{
		"name":  p.Name,
		"phone": p.Phone,
	}
	return c.do(ctx, http.MethodPatch, "/v1/users/"+auth.UserID, auth, body, nil)
}

// SubmitLocation inserts a location sample tied to a check-in.
func (c *Client) SubmitLocation(ctx context.Context, auth model.AuthContext, actionID string, p model.LocationUpdatePayload) (string, error) {
	body := map[string]any{
		"id":        actionID,
		"userId":    auth.UserID,
		"checkInId": p.CheckInID,
		"location":  p.Location,
	}
	var out idResponse
	if err := c.do(ctx, http.MethodPost, "/v1/locations", auth, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, auth model.AuthContext, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+auth.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(detail))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode backend response: %w", err)
		}
	}
	return nil
}
