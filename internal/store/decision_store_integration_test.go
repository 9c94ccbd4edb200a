package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/onex-io/substrate/internal/config"
	"github.com/onex-io/substrate/internal/decision"
)

func setupDecisionStore(ctx context.Context, t *testing.T) *DecisionStore {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store, err := NewDecisionStore(NewConnectionFromDB(testDB.Connection), nil)
	require.NoError(t, err)

	return store
}

func testRecord(decisionID, correlationID string, recordedAt time.Time) decision.Record {
	return decision.Record{
		DecisionID:   decisionID,
		DecisionType: "pattern",
		Candidates: []decision.Candidate{
			{CandidateID: "pat-a", Score: 0.9, Cost: 2.0, Breakdown: map[string]float64{"relevance": 0.9}},
			{CandidateID: "pat-b", Score: 0.7, Cost: 1.0},
		},
		ChosenID:       "pat-a",
		TieBreaker:     decision.TieBreakLowestCost,
		AgentRationale: "chose pat-a for higher relevance",
		CorrelationID:  correlationID,
		RecordedAt:     recordedAt,
	}
}

func TestDecisionStore_SaveAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupDecisionStore(ctx, t)

	rec := testRecord("dec-1", "corr-1", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	created, err := store.SaveRecord(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	// Redelivery is a no-op.
	again, err := store.SaveRecord(ctx, rec)
	require.NoError(t, err)
	assert.False(t, again)

	loaded, err := store.GetRecord(ctx, "dec-1")
	require.NoError(t, err)

	assert.Equal(t, rec.DecisionID, loaded.DecisionID)
	assert.Equal(t, rec.ChosenID, loaded.ChosenID)
	assert.Equal(t, rec.TieBreaker, loaded.TieBreaker)
	assert.Equal(t, rec.Candidates, loaded.Candidates)
	assert.True(t, rec.RecordedAt.Equal(loaded.RecordedAt))

	// A stored record replays to its recorded choice.
	assert.NoError(t, loaded.Replay())
}

func TestDecisionStore_GetUnknown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupDecisionStore(ctx, t)

	_, err := store.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, ErrDecisionNotFound)
}

func TestDecisionStore_RecordsByCorrelation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupDecisionStore(ctx, t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"dec-a", "dec-b", "dec-c"} {
		correlation := "chain-1"
		if id == "dec-c" {
			correlation = "chain-2"
		}

		_, err := store.SaveRecord(ctx, testRecord(id, correlation, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	records, err := store.RecordsByCorrelation(ctx, "chain-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "dec-a", records[0].DecisionID)
	assert.Equal(t, "dec-b", records[1].DecisionID)
}
