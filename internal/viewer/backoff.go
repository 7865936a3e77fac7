package viewer

import (
	"math"
	"time"
)

// Backoff controls reconnect delays after a viewer connection drops.
type Backoff struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultBackoff returns 10 attempts, 1s initial delay, 2x multiplier and a
// 30s max delay.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// NextDelay returns the delay before the given attempt (1-indexed), or false
// once attempts are exhausted.
func (b Backoff) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > b.MaxAttempts {
		return 0, false
	}
	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	if delay > float64(b.MaxDelay) {
		return b.MaxDelay, true
	}
	return time.Duration(delay), true
}
