package workflow

import (
	"math"
	"math/rand"
	"time"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts     = 3
	DefaultBaseDelay       = 1 * time.Second
	DefaultMaxDelay        = 30 * time.Second
	DefaultExponentialBase = 2.0
)

// RetryPolicy configures per-task retry behavior.
//
// The delay before retry k (k starting at 1) is
// min(MaxDelay, BaseDelay * ExponentialBase^(k-1)), so the first retry
// waits exactly BaseDelay. Jitter is off by default to keep schedules
// deterministic; enable it when many workflows share a rate-limited tool.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// DefaultRetryPolicy returns the standard 3-attempt policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultMaxAttempts,
		BaseDelay:       DefaultBaseDelay,
		MaxDelay:        DefaultMaxDelay,
		ExponentialBase: DefaultExponentialBase,
	}
}

// normalized fills zero fields with defaults so a partially-specified
// policy behaves sensibly.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.ExponentialBase <= 0 {
		p.ExponentialBase = DefaultExponentialBase
	}
	return p
}

// Delay returns the wait before retry number retry (1-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	p = p.normalized()
	if retry < 1 {
		retry = 1
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(retry-1)))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if p.Jitter {
		// Uniform in [0.5, 1.5) of the computed delay.
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()))
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}
