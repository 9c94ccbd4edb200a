package bus

import (
	"math/rand"
	"time"
)

// Default retry backoff parameters.
const (
	DefaultBackoffBase   = 200 * time.Millisecond
	DefaultBackoffMax    = 30 * time.Second
	DefaultBackoffFactor = 2.0
	jitterFraction       = 0.5
)

// Backoff computes exponential retry delays with jitter. Jitter spreads
// redeliveries so a burst of failures does not retry in lockstep.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoff returns the standard retry schedule.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax, Factor: DefaultBackoffFactor}
}

// Delay returns the delay before the given attempt (0-based). The
// exponential delay is capped at Max, then jittered within ±50%.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.Base)
	for i := 0; i < attempt; i++ {
		delay *= b.Factor
		if delay >= float64(b.Max) {
			delay = float64(b.Max)

			break
		}
	}

	jitter := 1 + jitterFraction*(2*rand.Float64()-1) //nolint:gosec

	jittered := time.Duration(delay * jitter)
	if jittered > b.Max {
		jittered = b.Max
	}

	if jittered < 0 {
		jittered = 0
	}

	return jittered
}
