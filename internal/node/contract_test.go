package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onex-io/substrate/internal/dispatch"
	"github.com/onex-io/substrate/internal/event"
)

func noopHandler() dispatch.Handler {
	return dispatch.HandlerFunc(func(_ context.Context, _ event.Envelope) dispatch.Result {
		return dispatch.Applied()
	})
}

func TestContract_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		contract Contract
		wantErr  bool
	}{
		{
			name: "valid effect with handler",
			contract: Contract{
				Name:       "pattern-store-effect",
				Kind:       KindEffect,
				Subscribes: []string{event.TopicPatternStore},
				Publishes:  []string{event.TopicPatternStored},
				Handler:    noopHandler(),
			},
			wantErr: false,
		},
		{
			name:     "valid compute with no topics",
			contract: Contract{Name: "gate-evaluator", Kind: KindCompute},
			wantErr:  false,
		},
		{
			name:     "valid reducer with no topics",
			contract: Contract{Name: "window-reducer", Kind: KindReducer},
			wantErr:  false,
		},
		{
			name: "valid orchestrator without publishes",
			contract: Contract{
				Name:       "feedback-orchestrator",
				Kind:       KindOrchestrator,
				Subscribes: []string{event.TopicSessionOutcome},
				Handler:    noopHandler(),
			},
			wantErr: false,
		},
		{
			name:     "empty name",
			contract: Contract{Kind: KindEffect},
			wantErr:  true,
		},
		{
			name:     "unknown kind",
			contract: Contract{Name: "x", Kind: Kind("daemon")},
			wantErr:  true,
		},
		{
			name: "compute declaring subscriptions",
			contract: Contract{
				Name:       "gate-evaluator",
				Kind:       KindCompute,
				Subscribes: []string{event.TopicPatternStore},
			},
			wantErr: true,
		},
		{
			name: "reducer declaring publishes",
			contract: Contract{
				Name:      "window-reducer",
				Kind:      KindReducer,
				Publishes: []string{event.TopicPatternMetricsUpdated},
			},
			wantErr: true,
		},
		{
			name:     "compute with a dispatch handler",
			contract: Contract{Name: "gate-evaluator", Kind: KindCompute, Handler: noopHandler()},
			wantErr:  true,
		},
		{
			name: "orchestrator publishing directly",
			contract: Contract{
				Name:      "feedback-orchestrator",
				Kind:      KindOrchestrator,
				Publishes: []string{event.TopicPatternMetricsUpdated},
			},
			wantErr: true,
		},
		{
			name: "effect subscribing without handler",
			contract: Contract{
				Name:       "pattern-store-effect",
				Kind:       KindEffect,
				Subscribes: []string{event.TopicPatternStore},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.contract.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrContractInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTable_RegisterAndFreeze(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	table := NewTable()

	require.NoError(t, table.Register(Contract{Name: "gate-evaluator", Kind: KindCompute}))

	err := table.Register(Contract{Name: "gate-evaluator", Kind: KindCompute})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContractInvalid)

	table.Freeze()

	err = table.Register(Contract{Name: "window-reducer", Kind: KindReducer})
	assert.ErrorIs(t, err, ErrTableFrozen)

	contracts := table.Contracts()
	require.Len(t, contracts, 1)
	assert.Equal(t, "gate-evaluator", contracts[0].Name)
}

func TestTable_ValidateDetectsDrift(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	registry := event.NewDefaultRegistry("test")

	table := NewTable()
	require.NoError(t, table.Register(Contract{
		Name:       "pattern-store-effect",
		Kind:       KindEffect,
		Subscribes: []string{event.TopicPatternStore, "retired-topic"},
		Publishes:  []string{event.TopicPatternStored, "never-registered"},
		Handler:    noopHandler(),
	}))
	require.NoError(t, table.Register(Contract{
		Name:       "shadow-effect",
		Kind:       KindEffect,
		Subscribes: []string{event.TopicPatternStore},
		Handler:    noopHandler(),
	}))

	err := table.Validate(registry)
	require.Error(t, err)

	var drift *ContractDriftError
	require.ErrorAs(t, err, &drift)

	// Two unknown topics plus one double-subscribed command.
	assert.Len(t, drift.Details, 3)
	assert.Contains(t, err.Error(), "retired-topic")
	assert.Contains(t, err.Error(), "never-registered")
	assert.Contains(t, err.Error(), "expected exactly one")
}

func TestTable_ValidatePassesCleanSet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	registry := event.NewDefaultRegistry("test")

	table := NewTable()
	require.NoError(t, table.Register(Contract{
		Name:       "pattern-store-effect",
		Kind:       KindEffect,
		Subscribes: []string{event.TopicPatternStore},
		Publishes:  []string{event.TopicPatternStored, event.TopicPatternLifecycleTransitioned},
		Handler:    noopHandler(),
	}))
	require.NoError(t, table.Register(Contract{
		Name:       "feedback-effect",
		Kind:       KindEffect,
		Subscribes: []string{event.TopicSessionOutcome},
		Publishes:  []string{event.TopicPatternMetricsUpdated},
		Handler:    noopHandler(),
	}))
	require.NoError(t, table.Register(Contract{Name: "gate-evaluator", Kind: KindCompute}))

	table.Freeze()

	require.NoError(t, table.Validate(registry))
}

func TestTable_Subscriptions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	registry := event.NewDefaultRegistry("test")

	table := NewTable()
	require.NoError(t, table.Register(Contract{
		Name:       "decision-effect",
		Kind:       KindEffect,
		Subscribes: []string{event.TopicDecisionRecorded},
		Publishes:  []string{event.TopicDecisionMismatchDetected},
		Handler:    noopHandler(),
	}))
	require.NoError(t, table.Register(Contract{Name: "window-reducer", Kind: KindReducer}))

	subs, err := table.Subscriptions(registry)
	require.NoError(t, err)

	// Only the subscribing effect produces a dispatch subscription.
	require.Len(t, subs, 1)
	assert.Equal(t, "decision-effect."+event.TopicDecisionRecorded, subs[0].Name)
	assert.Equal(t, event.TopicDecisionRecorded, subs[0].Topic.Name)
	assert.NotNil(t, subs[0].Handler)
}

func TestKind_IsValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, k := range []Kind{KindCompute, KindEffect, KindReducer, KindOrchestrator} {
		assert.True(t, k.IsValid(), "kind %s", k)
	}

	assert.False(t, Kind("").IsValid())
	assert.False(t, Kind("service").IsValid())
}
