package coordinator

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy controls retry pacing for adapter attempts against an inference
// backend.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the grown delay before jitter is applied.
	Max time.Duration
	// Factor multiplies the delay after each retry.
	Factor float64
	// Jitter spreads each delay by +/- this fraction so retries from
	// concurrent sessions do not land on the backend in lockstep.
	Jitter float64
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
}

// DefaultPolicy matches the backend operators' guidance: 2s, 4s, 8s with a
// 30s ceiling and three retries per view.
func DefaultPolicy() Policy {
	return Policy{
		Base:       2 * time.Second,
		Max:        30 * time.Second,
		Factor:     2,
		Jitter:     0.2,
		MaxRetries: 3,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if max := float64(p.Max); d > max {
		d = max
	}
	if p.Jitter > 0 {
		span := d * p.Jitter
		d = d - span + rand.Float64()*2*span
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// wait sleeps for d or until ctx is done, whichever comes first.
func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
