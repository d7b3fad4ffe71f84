// Package backoff computes reconnect delays with exponential growth and jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes how the delay grows between consecutive attempts.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration `yaml:"initial" json:"initial"`
	// Max caps every computed delay, jitter included.
	Max time.Duration `yaml:"max" json:"max"`
	// Factor multiplies the delay on each attempt.
	Factor float64 `yaml:"factor" json:"factor"`
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// DefaultPolicy matches the reconnect cadence of the realtime channel:
// 1s, 2s, 4s ... capped at 30s with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Normalize fills zero fields from DefaultPolicy and clamps jitter to [0,1].
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait before the given attempt. Attempt numbers start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0.0, 1.0).
//
//	base  = initial * factor^(attempt-1)
//	delay = min(max, base + base*jitter*random)
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	initialMs := float64(p.Initial) / float64(time.Millisecond)
	maxMs := float64(p.Max) / float64(time.Millisecond)

	base := initialMs * math.Pow(p.Factor, exp)
	total := math.Min(maxMs, base+base*p.Jitter*randomValue)

	return time.Duration(math.Round(total)) * time.Millisecond
}
