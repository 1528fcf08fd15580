package failure

import (
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with additive jitter. The
// random source is injectable so tests can pin the jitter.
type Backoff struct {
	BaseMs   int
	CapMs    int
	JitterMs int
	Rand     func() float64
}

// NewBackoff returns a Backoff with the default schedule: 1s base,
// 30s cap, up to 1s of jitter.
func NewBackoff() *Backoff {
	return &Backoff{
		BaseMs:   1000,
		CapMs:    30000,
		JitterMs: 1000,
		Rand:     rand.Float64,
	}
}

// Delay returns the wait before retry number attempt (zero-based):
// min(base * 2^attempt, cap) plus jitter.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.BaseMs
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.CapMs {
			delay = b.CapMs
			break
		}
	}
	if delay > b.CapMs {
		delay = b.CapMs
	}
	jitter := int(b.Rand() * float64(b.JitterMs))
	return time.Duration(delay+jitter) * time.Millisecond
}

// Decision is the outcome of a retry check.
type Decision struct {
	Retry      bool
	Delay      time.Duration
	Classified Classification
}

// ShouldRetry classifies err and decides whether attempt (zero-based)
// may be retried under maxAttempts.
func (b *Backoff) ShouldRetry(err error, attempt, maxAttempts int) Decision {
	classified := Classify(err)
	d := Decision{Classified: classified}
	if !classified.Retriable() || attempt+1 >= maxAttempts {
		return d
	}
	d.Retry = true
	d.Delay = b.Delay(attempt)
	return d
}
