// Package backoff computes retry and reconnect delays.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultJitter = 0.1

	// attempts above this already saturate any realistic cap
	maxShift = 30

	// leaves headroom for full jitter without overflowing
	maxDelay = time.Duration(math.MaxInt64 / 4)
)

// Policy computes min(Base*2^attempt, Cap) plus up to Jitter of random slack,
// truncated to whole milliseconds.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	rand func() float64
}

// New returns a policy with the default 10% jitter.
func New(base, cap time.Duration) Policy {
	return Policy{Base: base, Cap: cap, Jitter: DefaultJitter}
}

// RequestPolicy is the default for request retries: 1s doubling up to 10s.
func RequestPolicy() Policy {
	return New(time.Second, 10*time.Second)
}

// ReconnectPolicy is the default for reconnects: 5s doubling up to 30s.
func ReconnectPolicy() Policy {
	return New(5*time.Second, 30*time.Second)
}

// WithRand returns a copy of p drawing jitter from fn, which must return values in [0, 1).
func (p Policy) WithRand(fn func() float64) Policy {
	p.rand = fn
	return p
}

// Delay returns the wait before the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	if p.Base <= 0 {
		return 0
	}

	delay := maxDelay
	if p.Base <= maxDelay>>uint(attempt) {
		delay = p.Base << uint(attempt)
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}

	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		delay += time.Duration(float64(delay) * jitter * r())
	}

	return delay.Truncate(time.Millisecond)
}
