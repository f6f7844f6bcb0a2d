// Package stream keeps a node subscribed to the central event stream across
// network failures.
package stream

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/BaSui01/fedrun/config"
)

// ReconnectPolicy computes the delay before reconnect attempt n as
// min(Base*Multiplier^n, Cap) scaled by a random factor in [1-Jitter, 1+Jitter].
// Attempts are unbounded.
type ReconnectPolicy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     float64

	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// DefaultReconnectPolicy returns 1s doubling up to 60s with 20% jitter.
func DefaultReconnectPolicy() ReconnectPolicy {
	return PolicyFromConfig(config.DefaultReconnectConfig())
}

// PolicyFromConfig maps the reconnect config section onto a policy.
func PolicyFromConfig(cfg config.ReconnectConfig) ReconnectPolicy {
	return ReconnectPolicy{
		Base:       cfg.BaseDelay,
		Multiplier: cfg.Multiplier,
		Cap:        cfg.MaxDelay,
		Jitter:     cfg.Jitter,
	}
}

// BaseDelay is the un-jittered delay for attempt. It never decreases with
// attempt and never exceeds Cap.
func (p ReconnectPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Base) * math.Pow(mult, float64(attempt))
	if p.Cap > 0 && (math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.Cap)) {
		return p.Cap
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay is BaseDelay with jitter applied.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay(attempt)
	j := p.Jitter
	if j <= 0 {
		return base
	}
	if j > 1 {
		j = 1
	}
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	factor := 1 + j*(2*r()-1)
	return time.Duration(float64(base) * factor)
}
