package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DelayGrowsAndCaps(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Factor: 2.0}

	// Jitter is ±50%, so each attempt's delay stays within [0.5x, 1.5x] of
	// the exponential value, capped at Max.
	for attempt, expected := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	} {
		for i := 0; i < 50; i++ {
			delay := b.Delay(attempt)
			assert.GreaterOrEqual(t, delay, expected/2, "attempt %d", attempt)
			assert.LessOrEqual(t, delay, b.Max, "attempt %d", attempt)

			if expected < b.Max {
				assert.LessOrEqual(t, delay, expected*3/2, "attempt %d", attempt)
			}
		}
	}
}

func TestBackoff_NegativeAttempt(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	b := DefaultBackoff()

	delay := b.Delay(-1)
	assert.GreaterOrEqual(t, delay, DefaultBackoffBase/2)
	assert.LessOrEqual(t, delay, DefaultBackoffBase*3/2)
}
