// Package backoff computes retry delays as a pure function of the attempt
// number so retry behaviour can be asserted without timers.
package backoff

import (
	"math/rand"
	"time"
)

// Policy describes an exponential backoff curve. The delay for attempt n
// (1-based) is Base * Multiplier^(n-1), capped at Max, with an added random
// jitter of up to Jitter (a fraction of the computed delay, 0..1).
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Normalize fills unset fields with safe defaults and returns the policy.
func (p Policy) Normalize() Policy {
	if p.Base <= 0 {
		p.Base = 50 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.Max <= 0 {
		p.Max = 2 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait before retry number attempt. rng supplies the
// jitter; it may be nil when Jitter is zero.
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	p = p.Normalize()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 && rng != nil {
		d += rng.Float64() * p.Jitter * d
		if d > float64(p.Max) {
			d = float64(p.Max)
		}
	}
	return time.Duration(d)
}
