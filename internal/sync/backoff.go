package sync

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes how long a failed action waits before its next
// attempt: min(Max, Base * 2^retryCount) plus bounded jitter so a fleet of
// agents reconnecting at once does not resync in lockstep.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// DefaultBackoff matches the recommended policy: 1s base, 5 minute ceiling.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:   time.Second,
		Max:    5 * time.Minute,
		Jitter: 500 * time.Millisecond,
	}
}

// Delay returns the wait before the attempt following the given number of
// failures so far.
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	d := p.Max
	// Guard the shift: beyond 62 doublings the duration overflows anyway.
	if retryCount < 62 {
		d = p.Base << uint(retryCount)
		if d <= 0 || d > p.Max {
			d = p.Max
		}
	}

	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Jitter) + 1))
	}
	return d
}
