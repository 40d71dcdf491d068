package infra

import (
	"math/rand"
	"time"
)

const (
	// Standard backoff constants
	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 30 * time.Second
)

// BackoffPolicy computes reconnect delays as min(base * 2^retry, cap)
// plus a random jitter fraction, so a fleet of clients does not
// reconnect in lockstep.
type BackoffPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction of the delay added as jitter, 0..1

	rnd func() float64
}

// NewBackoffPolicy creates a policy with the given base and cap.
// Non-positive values fall back to the defaults.
func NewBackoffPolicy(base, cap time.Duration, jitter float64) BackoffPolicy {
	if base <= 0 {
		base = defaultBaseDelay
	}
	if cap <= 0 {
		cap = defaultMaxDelay
	}
	if jitter < 0 {
		jitter = 0
	}
	return BackoffPolicy{Base: base, Cap: cap, Jitter: jitter, rnd: rand.Float64}
}

// WithRand replaces the jitter source. Tests use this for determinism.
func (p BackoffPolicy) WithRand(rnd func() float64) BackoffPolicy {
	p.rnd = rnd
	return p
}

// Delay returns the backoff duration for a given retry count.
// Negative retry counts are treated as zero.
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	// 2^30 seconds already dwarfs any sane cap; short-circuit to avoid
	// overflowing the shift.
	delay := p.Cap
	if retryCount <= 30 {
		delay = p.Base * time.Duration(1<<uint(retryCount))
		if delay > p.Cap || delay <= 0 {
			delay = p.Cap
		}
	}

	if p.Jitter > 0 && p.rnd != nil {
		delay += time.Duration(p.Jitter * p.rnd() * float64(delay))
	}
	return delay
}
