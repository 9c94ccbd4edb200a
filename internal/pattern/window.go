package pattern

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultWindowSize is the default bound on the rolling outcome window.
const DefaultWindowSize = 20

// ErrWindowSizeInvalid indicates a non-positive rolling window size.
var ErrWindowSizeInvalid = errors.New("rolling window size must be greater than zero")

type (
	// WeightedOutcome is one entry in a pattern's rolling window. The weight
	// is the attribution credit the feedback loop assigned to this pattern
	// for the session; full-credit outcomes carry weight 1.0.
	WeightedOutcome struct {
		Outcome    Outcome   `json:"outcome"`
		Weight     float64   `json:"weight"`
		RecordedAt time.Time `json:"recorded_at"` //nolint:tagliatelle
	}

	// RollingWindow is a fixed-size window of the most recent outcomes used
	// to compute promotion and demotion metrics. Metrics are recomputed on
	// each recorded outcome; the window is bounded at size N and the oldest
	// entry is evicted when full.
	RollingWindow struct {
		size    int
		entries []WeightedOutcome
	}

	// Metrics is a point-in-time projection of the window used by lifecycle
	// gates. It is captured into gate snapshots at decision time.
	Metrics struct {
		SuccessRate         float64 `json:"success_rate"`         //nolint:tagliatelle
		ConsecutiveFailures int     `json:"consecutive_failures"` //nolint:tagliatelle
		SuccessWeight       float64 `json:"success_weight"`       //nolint:tagliatelle
		FailureWeight       float64 `json:"failure_weight"`       //nolint:tagliatelle
		AbstainWeight       float64 `json:"abstain_weight"`       //nolint:tagliatelle
		SampleCount         int     `json:"sample_count"`         //nolint:tagliatelle
	}

	// windowWire is the JSON persistence form of a RollingWindow.
	windowWire struct {
		Size    int               `json:"size"`
		Entries []WeightedOutcome `json:"entries"`
	}
)

// NewRollingWindow creates a bounded window holding the last size outcomes.
func NewRollingWindow(size int) (RollingWindow, error) {
	if size <= 0 {
		return RollingWindow{}, fmt.Errorf("%w: got %d", ErrWindowSizeInvalid, size)
	}

	return RollingWindow{size: size}, nil
}

// MustWindow creates a rolling window and panics on an invalid size.
// Reserved for package-internal defaults where the size is a constant.
func MustWindow(size int) RollingWindow {
	w, err := NewRollingWindow(size)
	if err != nil {
		panic(err)
	}

	return w
}

// Record appends a weighted outcome, evicting the oldest entry when the
// window is full. Returns a new window; the receiver is unchanged.
func (w RollingWindow) Record(entry WeightedOutcome) RollingWindow {
	entries := make([]WeightedOutcome, len(w.entries), len(w.entries)+1)
	copy(entries, w.entries)
	entries = append(entries, entry)

	if len(entries) > w.size {
		entries = entries[len(entries)-w.size:]
	}

	return RollingWindow{size: w.size, entries: entries}
}

// Len returns the number of recorded outcomes currently in the window.
func (w RollingWindow) Len() int {
	return len(w.entries)
}

// Size returns the window bound N.
func (w RollingWindow) Size() int {
	return w.size
}

// Entries returns a copy of the window contents, oldest first.
func (w RollingWindow) Entries() []WeightedOutcome {
	entries := make([]WeightedOutcome, len(w.entries))
	copy(entries, w.entries)

	return entries
}

// Metrics recomputes the projection over the current window.
//
// The success rate is the weighted success mass over the weighted non-abstain
// mass; an empty window (or all-abstain window) has rate 0. Consecutive
// failures count trailing failure entries, skipping abstains, stopping at the
// first success.
func (w RollingWindow) Metrics() Metrics {
	var m Metrics

	m.SampleCount = len(w.entries)

	for _, entry := range w.entries {
		switch entry.Outcome {
		case OutcomeSuccess:
			m.SuccessWeight += entry.Weight
		case OutcomeFailure:
			m.FailureWeight += entry.Weight
		case OutcomeAbstain:
			m.AbstainWeight += entry.Weight
		}
	}

	decisive := m.SuccessWeight + m.FailureWeight
	if decisive > 0 {
		m.SuccessRate = m.SuccessWeight / decisive
	}

	for i := len(w.entries) - 1; i >= 0; i-- {
		switch w.entries[i].Outcome {
		case OutcomeAbstain:
			continue
		case OutcomeFailure:
			m.ConsecutiveFailures++

			continue
		case OutcomeSuccess:
		}

		break
	}

	return m
}

// HasPositiveOutcome reports whether the window contains at least one
// success entry. Used by the CANDIDATE → PROVISIONAL gate.
func (w RollingWindow) HasPositiveOutcome() bool {
	for _, entry := range w.entries {
		if entry.Outcome == OutcomeSuccess {
			return true
		}
	}

	return false
}

// MarshalJSON implements json.Marshaler for persistence.
func (w RollingWindow) MarshalJSON() ([]byte, error) {
	return json.Marshal(windowWire{Size: w.size, Entries: w.entries})
}

// UnmarshalJSON implements json.Unmarshaler for persistence.
func (w *RollingWindow) UnmarshalJSON(data []byte) error {
	var wire windowWire

	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to unmarshal rolling window: %w", err)
	}

	if wire.Size <= 0 {
		return fmt.Errorf("%w: got %d", ErrWindowSizeInvalid, wire.Size)
	}

	w.size = wire.Size
	w.entries = wire.Entries

	if len(w.entries) > w.size {
		w.entries = w.entries[len(w.entries)-w.size:]
	}

	return nil
}
