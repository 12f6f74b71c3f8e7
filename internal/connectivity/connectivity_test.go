package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeTransitions(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProbe(srv.URL, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// First transition: offline → online.
	select {
	case online := <-p.Changes():
		require.True(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("no online transition observed")
	}
	require.True(t, p.IsOnline())

	healthy.Store(false)
	select {
	case online := <-p.Changes():
		require.False(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("no offline transition observed")
	}
	require.False(t, p.IsOnline())
}

func TestProbeIsEdgeTriggered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProbe(srv.URL, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	select {
	case <-p.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("no initial transition")
	}

	// Steady online state must not emit further events.
	select {
	case <-p.Changes():
		t.Fatal("unexpected event for unchanged state")
	case <-time.After(50 * time.Millisecond):
	}
}
