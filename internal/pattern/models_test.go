package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvidenceTier_Monotone(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		from EvidenceTier
		to   EvidenceTier
		want EvidenceTier
	}{
		{"unmeasured advances to observed", TierUnmeasured, TierObserved, TierObserved},
		{"observed advances to measured", TierObserved, TierMeasured, TierMeasured},
		{"measured advances to verified", TierMeasured, TierVerified, TierVerified},
		{"skip: unmeasured straight to measured", TierUnmeasured, TierMeasured, TierMeasured},
		{"downgrade measured to observed is a no-op", TierMeasured, TierObserved, TierMeasured},
		{"downgrade verified to unmeasured is a no-op", TierVerified, TierUnmeasured, TierVerified},
		{"same tier is a no-op", TierObserved, TierObserved, TierObserved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.from.Advance(tt.to)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.AtLeast(tt.from), "tier may never decrease")
		})
	}
}

func TestEvidenceTier_AtLeast(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.True(t, TierMeasured.AtLeast(TierObserved))
	assert.True(t, TierMeasured.AtLeast(TierMeasured))
	assert.False(t, TierObserved.AtLeast(TierMeasured))
	assert.True(t, TierVerified.AtLeast(TierUnmeasured))
}

func TestLifecycleStatus_Terminal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.True(t, StatusBlacklisted.IsTerminal())

	for _, s := range []LifecycleStatus{StatusCandidate, StatusProvisional, StatusValidated, StatusDeprecated} {
		assert.False(t, s.IsTerminal(), "%s must not be terminal", s)
	}

	assert.False(t, LifecycleStatus("BOGUS").IsValid())
}

func TestSessionOutcome_InferTier(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		outcome SessionOutcome
		want    EvidenceTier
	}{
		{
			"bare outcome supports OBSERVED",
			SessionOutcome{SessionID: "s1", Outcome: OutcomeSuccess, CorrelationID: "c1"},
			TierObserved,
		},
		{
			"test results support MEASURED",
			SessionOutcome{
				SessionID: "s1", Outcome: OutcomeSuccess, CorrelationID: "c1",
				Signals: EvidenceSignals{TestResults: &TestResults{Passed: 4}},
			},
			TierMeasured,
		},
		{
			"succeeded run supports MEASURED",
			SessionOutcome{
				SessionID: "s1", Outcome: OutcomeSuccess, CorrelationID: "c1",
				RunID:   "run-1",
				Signals: EvidenceSignals{RunSucceeded: true},
			},
			TierMeasured,
		},
		{
			"run id without success stays OBSERVED",
			SessionOutcome{
				SessionID: "s1", Outcome: OutcomeFailure, CorrelationID: "c1",
				RunID: "run-1",
			},
			TierObserved,
		},
		{
			"verified replay supports VERIFIED",
			SessionOutcome{
				SessionID: "s1", Outcome: OutcomeSuccess, CorrelationID: "c1",
				Signals: EvidenceSignals{VerifiedReplay: true},
			},
			TierVerified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.outcome.InferTier())
		})
	}
}

func TestSessionOutcome_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := SessionOutcome{SessionID: "s1", Outcome: OutcomeSuccess, CorrelationID: "c1"}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.SessionID = ""
	assert.ErrorIs(t, missing.Validate(), ErrOutcomeInvalid)

	badOutcome := valid
	badOutcome.Outcome = "maybe"
	assert.ErrorIs(t, badOutcome.Validate(), ErrOutcomeInvalid)

	noCorr := valid
	noCorr.CorrelationID = ""
	assert.ErrorIs(t, noCorr.Validate(), ErrOutcomeInvalid)
}
