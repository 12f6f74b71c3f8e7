// Package connectivity translates platform reachability into the two-state
// ONLINE/OFFLINE signal the retry scheduler consumes.
package connectivity

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Provider is the narrow connectivity surface the scheduler depends on.
// Production uses the HTTP Probe below; tests use a controllable fake.
type Provider interface {
	IsOnline() bool
	// Changes delivers edge-triggered transitions: true on OFFLINE→ONLINE,
	// false on ONLINE→OFFLINE. No intermediate states.
	Changes() <-chan bool
}

// Probe derives the online/offline signal by periodically hitting a
// reachability URL (typically the backend's /health endpoint).
type Probe struct {
	client   *http.Client
	url      string
	interval time.Duration
	online   atomic.Bool
	changes  chan bool
}

// NewProbe creates a connectivity probe. The initial state is offline until
// the first successful probe.
func NewProbe(url string, interval time.Duration) *Probe {
	return &Probe{
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		url:      url,
		interval: interval,
		changes:  make(chan bool, 4),
	}
}

// IsOnline returns the last observed state.
func (p *Probe) IsOnline() bool {
	return p.online.Load()
}

// Changes returns the transition channel.
func (p *Probe) Changes() <-chan bool {
	return p.changes
}

// Run polls the reachability URL until the context is canceled. It probes
// once immediately so startup does not wait a full interval for the first
// reading.
func (p *Probe) Run(ctx context.Context) {
	p.check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

func (p *Probe) check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return
	}

	resp, err := p.client.Do(req)
	reachable := err == nil && resp.StatusCode < http.StatusInternalServerError
	if resp != nil {
		resp.Body.Close()
	}

	if p.online.CompareAndSwap(!reachable, reachable) {
		log.Info().Bool("online", reachable).Msg("Connectivity transition")
		select {
		case p.changes <- reachable:
		default:
			// Consumer is behind; it will observe the state via IsOnline.
		}
	}
}
