package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/onex-io/substrate/internal/config"
	"github.com/onex-io/substrate/internal/decision"
	"github.com/onex-io/substrate/internal/pattern"
	"github.com/onex-io/substrate/internal/store"
)

type apiFixture struct {
	server    *Server
	patterns  *store.PatternStore
	decisions *store.DecisionStore
}

func setupAPI(ctx context.Context, t *testing.T) *apiFixture {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := store.NewConnectionFromDB(testDB.Connection)

	patterns, err := store.NewPatternStore(conn, pattern.DefaultThresholds(), nil)
	require.NoError(t, err)

	decisions, err := store.NewDecisionStore(conn, nil)
	require.NoError(t, err)

	cfg := &ServerConfig{
		Port:            8080,
		Host:            "127.0.0.1",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        slog.LevelError,
		CORSMaxAge:      86400,
	}

	return &apiFixture{
		server:    NewServer(cfg, conn, patterns, decisions, nil),
		patterns:  patterns,
		decisions: decisions,
	}
}

func (f *apiFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)

	f.server.Handler().ServeHTTP(rec, req)

	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	return out
}

func TestServer_HealthEndpoints(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	f := setupAPI(ctx, t)

	rec := f.get(t, "/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())

	rec = f.get(t, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())

	rec = f.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	health := decodeBody[HealthStatus](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "substrate", health.ServiceName)
}

func TestServer_ListPatterns(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	f := setupAPI(ctx, t)

	first, err := f.patterns.UpsertPattern(ctx, store.UpsertRequest{
		Signature: "retry with backoff",
		DomainCandidates: []pattern.DomainCandidate{
			{Domain: "networking", Confidence: 0.9},
		},
	})
	require.NoError(t, err)

	_, err = f.patterns.UpsertPattern(ctx, store.UpsertRequest{Signature: "cache the token"})
	require.NoError(t, err)

	rec := f.get(t, "/api/v1/patterns")
	require.Equal(t, http.StatusOK, rec.Code)

	all := decodeBody[PatternListResponse](t, rec)
	assert.Equal(t, 2, all.Count)

	rec = f.get(t, "/api/v1/patterns?signature_hash="+first.Pattern.SignatureHash)
	require.Equal(t, http.StatusOK, rec.Code)

	byHash := decodeBody[PatternListResponse](t, rec)
	require.Equal(t, 1, byHash.Count)
	assert.Equal(t, first.Pattern.PatternID, byHash.Patterns[0].PatternID)
	assert.Equal(t, pattern.StatusCandidate, byHash.Patterns[0].LifecycleStatus)

	rec = f.get(t, "/api/v1/patterns?status=validated")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[PatternListResponse](t, rec).Count)

	rec = f.get(t, "/api/v1/patterns?domain=networking")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[PatternListResponse](t, rec).Count)

	rec = f.get(t, "/api/v1/patterns?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[PatternListResponse](t, rec).Count)
}

func TestServer_ListPatternsRejectsBadFilters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	f := setupAPI(ctx, t)

	rec := f.get(t, "/api/v1/patterns?status=SHINY")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = f.get(t, "/api/v1/patterns?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetPattern(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	f := setupAPI(ctx, t)

	created, err := f.patterns.UpsertPattern(ctx, store.UpsertRequest{Signature: "retry with backoff"})
	require.NoError(t, err)

	rec := f.get(t, "/api/v1/patterns/"+created.Pattern.PatternID)
	require.Equal(t, http.StatusOK, rec.Code)

	view := decodeBody[PatternView](t, rec)
	assert.Equal(t, created.Pattern.PatternID, view.PatternID)
	assert.Equal(t, "retry with backoff", view.Signature)
	assert.Equal(t, pattern.TierUnmeasured, view.EvidenceTier)

	rec = f.get(t, "/api/v1/patterns/pat-missing")
	require.Equal(t, http.StatusNotFound, rec.Code)

	problem := decodeBody[ProblemDetail](t, rec)
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.NotEmpty(t, problem.CorrelationID)
}

func TestServer_Lineage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	f := setupAPI(ctx, t)

	created, err := f.patterns.UpsertPattern(ctx, store.UpsertRequest{Signature: "retry with backoff"})
	require.NoError(t, err)

	_, err = f.patterns.StartNewVersion(ctx, created.Pattern.SignatureHash, "retry with jittered backoff")
	require.NoError(t, err)

	rec := f.get(t, "/api/v1/lineages/"+created.Pattern.SignatureHash)
	require.Equal(t, http.StatusOK, rec.Code)

	lineage := decodeBody[LineageResponse](t, rec)
	require.Len(t, lineage.Versions, 2)
	assert.Equal(t, 2, lineage.Versions[0].Version)
	assert.Equal(t, 1, lineage.Versions[1].Version)

	rec = f.get(t, "/api/v1/lineages/deadbeef")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Decisions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	f := setupAPI(ctx, t)

	record := decision.Record{
		DecisionID:   "dec-api-1",
		DecisionType: "pattern",
		Candidates: []decision.Candidate{
			{CandidateID: "pat-a", Score: 0.9, Cost: 1.0},
			{CandidateID: "pat-b", Score: 0.4, Cost: 2.0},
		},
		ChosenID:       "pat-a",
		TieBreaker:     decision.TieBreakLowestCost,
		AgentRationale: "chose pat-a for the highest score",
		CorrelationID:  "corr-api-1",
		RecordedAt:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}

	created, err := f.decisions.SaveRecord(ctx, record)
	require.NoError(t, err)
	require.True(t, created)

	rec := f.get(t, "/api/v1/decisions/dec-api-1")
	require.Equal(t, http.StatusOK, rec.Code)

	saved := decodeBody[decision.Record](t, rec)
	assert.Equal(t, "pat-a", saved.ChosenID)

	rec = f.get(t, "/api/v1/decisions?correlation_id=corr-api-1")
	require.Equal(t, http.StatusOK, rec.Code)

	list := decodeBody[DecisionListResponse](t, rec)
	assert.Equal(t, 1, list.Count)

	rec = f.get(t, "/api/v1/decisions")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.get(t, "/api/v1/decisions/dec-missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_NotFoundIsProblemJSON(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	f := setupAPI(ctx, t)

	rec := f.get(t, "/api/v1/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	problem := decodeBody[ProblemDetail](t, rec)
	assert.Equal(t, "Not Found", problem.Title)
	assert.Equal(t, "/api/v1/nope", problem.Instance)
}
