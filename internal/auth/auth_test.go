package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"safeping.service/internal/core/model"
	"safeping.service/internal/remote"
)

func TestVerifyOTPReturnsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/auth/otp/verify", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "+4470000001", body["phone"])
		require.Equal(t, "123456", body["code"])

		json.NewEncoder(w).Encode(map[string]string{
			"accessToken":    "tok-1",
			"userId":         "worker-1",
			"organizationId": "org-1",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	auth, err := c.VerifyOTP(context.Background(), "+4470000001", "123456")
	require.NoError(t, err)
	require.Equal(t, model.AuthContext{AccessToken: "tok-1", UserID: "worker-1", OrganizationID: "org-1"}, auth)
}

func TestValidatePINRejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		http.Error(w, "wrong pin", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	err := c.ValidatePIN(context.Background(), model.AuthContext{AccessToken: "tok-1"}, "0000")
	require.Error(t, err)

	var se *remote.StatusError
	require.ErrorAs(t, err, &se)
	require.True(t, se.Permanent())
}

func TestFlushRunsInOrder(t *testing.T) {
	q := NewQueue()
	var ran []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		q.Defer(Op{Name: name, Do: func(context.Context) error {
			ran = append(ran, name)
			return nil
		}})
	}

	require.NoError(t, q.Flush(context.Background()))
	require.Equal(t, []string{"a", "b", "c"}, ran)
	require.Zero(t, q.Len())
}

func TestFlushStopsOnTransientError(t *testing.T) {
	q := NewQueue()
	var ran []string

	q.Defer(Op{Name: "first", Do: func(context.Context) error {
		ran = append(ran, "first")
		return nil
	}})
	q.Defer(Op{Name: "second", Do: func(context.Context) error {
		ran = append(ran, "second")
		return errors.New("connection refused")
	}})
	q.Defer(Op{Name: "third", Do: func(context.Context) error {
		ran = append(ran, "third")
		return nil
	}})

	require.Error(t, q.Flush(context.Background()))
	require.Equal(t, []string{"first", "second"}, ran)
	// The failed op and its successor stay queued for the next reconnect.
	require.Equal(t, 2, q.Len())
}

func TestFlushDropsPermanentRejection(t *testing.T) {
	q := NewQueue()
	var ran []string

	q.Defer(Op{Name: "rejected", Do: func(context.Context) error {
		ran = append(ran, "rejected")
		return &remote.StatusError{StatusCode: http.StatusUnauthorized, Body: "expired"}
	}})
	q.Defer(Op{Name: "next", Do: func(context.Context) error {
		ran = append(ran, "next")
		return nil
	}})

	require.NoError(t, q.Flush(context.Background()))
	require.Equal(t, []string{"rejected", "next"}, ran)
	require.Zero(t, q.Len())
}
