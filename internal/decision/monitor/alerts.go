// Package monitor is the effect side of decision auditing: it consumes the
// decision-recorded command topic, persists records, runs the mismatch rules,
// emits rate-limited mismatch signals, and escalates BLOCKER findings into
// anti-gaming alerts and automatic blacklisting.
package monitor

import (
	"context"
	"sync"
	"time"
)

// DefaultAlertTTL bounds how long a BLOCKER alert suppresses promotion.
const DefaultAlertTTL = 24 * time.Hour

// AlertRegistry tracks active anti-gaming alerts per pattern. It implements
// the lifecycle evaluator's AlertSource. Alerts expire; a pattern that keeps
// triggering blockers keeps its alert fresh.
type AlertRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[string]time.Time
	now     func() time.Time
}

// NewAlertRegistry creates an empty registry. ttl <= 0 uses DefaultAlertTTL.
func NewAlertRegistry(ttl time.Duration) *AlertRegistry {
	if ttl <= 0 {
		ttl = DefaultAlertTTL
	}

	return &AlertRegistry{
		ttl:     ttl,
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Raise records or refreshes an alert for the pattern.
func (r *AlertRegistry) Raise(patternID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expires[patternID] = r.now().Add(r.ttl)
}

// ActiveAlert reports whether the pattern has an unexpired alert.
func (r *AlertRegistry) ActiveAlert(_ context.Context, patternID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiry, ok := r.expires[patternID]
	if !ok {
		return false, nil
	}

	if r.now().After(expiry) {
		delete(r.expires, patternID)

		return false, nil
	}

	return true, nil
}
