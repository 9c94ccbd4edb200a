package pattern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(tier EvidenceTier, injections int, rate float64, consecFailures int) GateSnapshot {
	return GateSnapshot{
		Tier: tier,
		Metrics: Metrics{
			SuccessRate:         rate,
			ConsecutiveFailures: consecFailures,
		},
		InjectionCount: injections,
		EvaluatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestValidateEdge_LegalEdges(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		from    LifecycleStatus
		to      LifecycleStatus
		wantErr error
	}{
		{"candidate to provisional", StatusCandidate, StatusProvisional, nil},
		{"provisional to validated", StatusProvisional, StatusValidated, nil},
		{"validated to deprecated", StatusValidated, StatusDeprecated, nil},
		{"candidate to blacklisted", StatusCandidate, StatusBlacklisted, nil},
		{"provisional to blacklisted", StatusProvisional, StatusBlacklisted, nil},
		{"validated to blacklisted", StatusValidated, StatusBlacklisted, nil},
		{"deprecated to blacklisted", StatusDeprecated, StatusBlacklisted, nil},

		{"candidate skips to validated", StatusCandidate, StatusValidated, ErrIllegalTransition},
		{"validated back to provisional", StatusValidated, StatusProvisional, ErrIllegalTransition},
		{"deprecated back to validated", StatusDeprecated, StatusValidated, ErrIllegalTransition},
		{"blacklisted to candidate", StatusBlacklisted, StatusCandidate, ErrTerminalState},
		{"blacklisted to deprecated", StatusBlacklisted, StatusDeprecated, ErrTerminalState},
		{"unknown source", LifecycleStatus("BOGUS"), StatusCandidate, ErrIllegalTransition},
		{"unknown target", StatusCandidate, LifecycleStatus("BOGUS"), ErrIllegalTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEdge(tt.from, tt.to)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestEvaluateGate_CandidateToProvisional(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	th := DefaultThresholds()

	// Tier below OBSERVED fails regardless of outcomes.
	err := EvaluateGate(StatusCandidate, StatusProvisional, snapshot(TierUnmeasured, 1, 1.0, 0), true, th)
	assert.ErrorIs(t, err, ErrGateFailed)

	// OBSERVED but no positive outcome fails.
	err = EvaluateGate(StatusCandidate, StatusProvisional, snapshot(TierObserved, 1, 0, 1), false, th)
	assert.ErrorIs(t, err, ErrGateFailed)

	// OBSERVED with a positive outcome passes.
	err = EvaluateGate(StatusCandidate, StatusProvisional, snapshot(TierObserved, 1, 1.0, 0), true, th)
	assert.NoError(t, err)
}

func TestEvaluateGate_ProvisionalToValidated(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	th := DefaultThresholds()

	tests := []struct {
		name    string
		snap    GateSnapshot
		wantErr bool
	}{
		{"all gates pass", snapshot(TierMeasured, 6, 1.0, 0), false},
		{"exactly at thresholds", snapshot(TierMeasured, 5, 0.60, 3), false},
		{"tier below MEASURED", snapshot(TierObserved, 6, 1.0, 0), true},
		{"injections below C_min", snapshot(TierMeasured, 4, 1.0, 0), true},
		{"success rate below R_min", snapshot(TierMeasured, 6, 0.59, 0), true},
		{"consecutive failures above F_max", snapshot(TierMeasured, 6, 0.9, 4), true},
		{"VERIFIED tier also passes", snapshot(TierVerified, 6, 1.0, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EvaluateGate(StatusProvisional, StatusValidated, tt.snap, true, th)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrGateFailed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvaluateGate_AntiGamingAlertBlocksPromotion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	snap := snapshot(TierMeasured, 6, 1.0, 0)
	snap.AntiGamingAlert = true

	err := EvaluateGate(StatusProvisional, StatusValidated, snap, true, DefaultThresholds())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGateFailed)
	assert.Contains(t, err.Error(), "anti-gaming")
}

func TestEvaluateGate_ValidatedToDeprecated(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	th := DefaultThresholds()

	tests := []struct {
		name    string
		snap    GateSnapshot
		wantErr bool
	}{
		{"rate below R_demote", snapshot(TierMeasured, 10, 0.39, 0), false},
		{"failures above F_max_demote", snapshot(TierMeasured, 10, 0.9, 6), false},
		{"both conditions", snapshot(TierMeasured, 10, 0.1, 7), false},
		{"healthy pattern does not demote", snapshot(TierMeasured, 10, 0.80, 0), true},
		{"exactly at R_demote does not demote", snapshot(TierMeasured, 10, 0.40, 0), true},
		{"exactly F_max_demote failures does not demote", snapshot(TierMeasured, 10, 0.9, 5), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EvaluateGate(StatusValidated, StatusDeprecated, tt.snap, true, th)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrGateFailed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEvaluateGate_BlacklistAlwaysPasses(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, from := range []LifecycleStatus{StatusCandidate, StatusProvisional, StatusValidated, StatusDeprecated} {
		err := EvaluateGate(from, StatusBlacklisted, snapshot(TierUnmeasured, 0, 0, 0), false, DefaultThresholds())
		assert.NoError(t, err, "blacklist from %s must not be gated on metrics", from)
	}
}

func TestDefaultThresholds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	th := DefaultThresholds()

	assert.Equal(t, 5, th.PromoteMinInjections)
	assert.InDelta(t, 0.60, th.PromoteMinSuccessRate, 1e-9)
	assert.Equal(t, 3, th.PromoteMaxConsecutiveFailures)
	assert.InDelta(t, 0.40, th.DemoteSuccessRate, 1e-9)
	assert.Equal(t, 5, th.DemoteMaxConsecutiveFailures)
	assert.Equal(t, DefaultWindowSize, th.WindowSize)
}
