package wsconn

import (
	"math/rand/v2"
	"time"
)

// Strategy returns the delay before reconnect attempt n (1-based).
type Strategy interface {
	Next(attempt int) time.Duration
}

// FixedInterval reconnects at a steady cadence regardless of how many
// attempts have failed.
type FixedInterval time.Duration

func (f FixedInterval) Next(int) time.Duration {
	return time.Duration(f)
}

// BoundedBackoff doubles the delay from Base up to Max. Jitter is the
// fraction (0..1) of the delay that is randomized.
type BoundedBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b BoundedBackoff) Next(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := b.Max
	if maxDelay < base {
		maxDelay = base
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := b.Jitter
	if jitter <= 0 {
		return delay
	}
	if jitter > 1 {
		jitter = 1
	}
	spread := float64(delay) * jitter
	delay = time.Duration(float64(delay) - spread + rand.Float64()*spread)
	if delay < 0 {
		delay = 0
	}
	return delay
}
