package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/decidekit/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// steppedClock returns a clock that advances one second per call.
func steppedClock() func() time.Time {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func createRun(t *testing.T, st Store, userID int64, input string) *model.AnalysisRun {
	t.Helper()
	run, err := st.CreateRun(context.Background(), model.NewRunRequest{UserID: userID, RawInput: input})
	require.NoError(t, err)
	return run
}

// advanceTo walks a run along the BUILD path until it reaches target.
func advanceTo(t *testing.T, st Store, runID string, target model.Stage) {
	t.Helper()
	cur := model.StageQueued
	for cur != target {
		next, ok := cur.Next()
		require.True(t, ok, "no stage after %s", cur)
		require.NoError(t, st.AdvanceStage(context.Background(), runID, cur, next))
		cur = next
	}
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_CreateAndGetRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, model.NewRunRequest{
		UserID:        7,
		RawInput:      "A scheduling tool for dog groomers",
		OriginalInput: "dog groomer app",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.StageQueued, run.Stage)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, int64(7), got.UserID)
	assert.Equal(t, "A scheduling tool for dog groomers", got.RawInput)
	assert.Equal(t, "dog groomer app", got.OriginalInput)
	assert.Equal(t, model.StageQueued, got.Stage)
	assert.Nil(t, got.Verdict)
	assert.Nil(t, got.Confidence)
	assert.Nil(t, got.Failure)
	assert.WithinDuration(t, run.CreatedAt, got.CreatedAt, time.Second)
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_AdvanceStage(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createRun(t, st, 1, "idea")

	require.NoError(t, st.AdvanceStage(ctx, run.ID, model.StageQueued, model.StageVerifying))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageVerifying, got.Stage)

	// Stale expectation: the run is no longer QUEUED.
	err = st.AdvanceStage(ctx, run.ID, model.StageQueued, model.StageVerifying)
	assert.ErrorIs(t, err, ErrStageConflict)

	// Skipping a stage is rejected before touching the database.
	err = st.AdvanceStage(ctx, run.ID, model.StageVerifying, model.StageMining)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Regressing is rejected.
	err = st.AdvanceStage(ctx, run.ID, model.StageVerifying, model.StageQueued)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// FAILED requires a payload.
	err = st.AdvanceStage(ctx, run.ID, model.StageVerifying, model.StageFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = st.AdvanceStage(ctx, "missing", model.StageVerifying, model.StageHunting)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_AdvanceToDoNotBuild(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createRun(t, st, 1, "idea")

	advanceTo(t, st, run.ID, model.StageKillSwitch)
	require.NoError(t, st.AdvanceStage(ctx, run.ID, model.StageKillSwitch, model.StageCompletedDoNotBuild))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCompletedDoNotBuild, got.Stage)

	// Terminal runs are immutable.
	err = st.FailRun(ctx, run.ID, model.Failure{Kind: model.FailureError, Reason: "late"})
	assert.ErrorIs(t, err, ErrStageConflict)
	err = st.UpdateUsage(ctx, run.ID, model.TokenUsage{InputTokens: 1}, 0)
	assert.ErrorIs(t, err, ErrStageConflict)
}

func TestSQLite_FailRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createRun(t, st, 1, "idea")
	advanceTo(t, st, run.ID, model.StageHunting)

	failure := model.Failure{Kind: model.FailureAborted, Reason: "primary seed rejected", Stage: model.StageHunting}
	require.NoError(t, st.FailRun(ctx, run.ID, failure))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, got.Stage)
	require.NotNil(t, got.Failure)
	assert.Equal(t, failure, *got.Failure)

	err = st.FailRun(ctx, run.ID, failure)
	assert.ErrorIs(t, err, ErrStageConflict)

	err = st.FailRun(ctx, "missing", failure)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpdateUsageMonotonic(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createRun(t, st, 1, "idea")

	require.NoError(t, st.UpdateUsage(ctx, run.ID, model.TokenUsage{InputTokens: 100, OutputTokens: 40}, 0.25))
	require.NoError(t, st.UpdateUsage(ctx, run.ID, model.TokenUsage{InputTokens: 50, OutputTokens: 60}, 0.1))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Usage.InputTokens)
	assert.Equal(t, int64(60), got.Usage.OutputTokens)
	assert.InDelta(t, 0.25, got.CostUSD, 1e-9)

	err = st.UpdateUsage(ctx, "missing", model.TokenUsage{}, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	st.now = steppedClock()
	ctx := context.Background()

	first := createRun(t, st, 1, "first")
	second := createRun(t, st, 1, "second")
	other := createRun(t, st, 2, "other")
	third := createRun(t, st, 1, "third")
	require.NoError(t, st.AdvanceStage(ctx, third.ID, model.StageQueued, model.StageVerifying))

	user := int64(1)
	runs, err := st.ListRuns(ctx, RunFilter{UserID: &user})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, third.ID, runs[0].ID)
	assert.Equal(t, second.ID, runs[1].ID)
	assert.Equal(t, first.ID, runs[2].ID)

	runs, err = st.ListRuns(ctx, RunFilter{Stage: model.StageVerifying})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, third.ID, runs[0].ID)

	runs, err = st.ListRuns(ctx, RunFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, other.ID, runs[0].ID)

	nobody := int64(99)
	runs, err = st.ListRuns(ctx, RunFilter{UserID: &nobody})
	require.NoError(t, err)
	assert.NotNil(t, runs)
	assert.Empty(t, runs)
}

func TestSQLite_ReportRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createRun(t, st, 3, "invoice reminders for freelancers")

	verdicts := []model.CandidateVerdict{
		{Candidate: model.Candidate{Name: "Chaser", URL: "https://chaser.example", Seeds: []string{"invoice reminders"}}, Overlap: 0.5, Admitted: true},
		{Candidate: model.Candidate{Name: "Sift", URL: "https://sift.example", Seeds: []string{"late payment tracking"}}, Overlap: 0, Admitted: false},
	}
	signals := []model.EvidenceSignal{
		{SourceType: "review", Platform: "G2", Theme: "manual follow-up", Description: "chasing invoices by hand",
			Quote: "I spend hours", Impact: model.ImpactChurn, Severity: model.SeverityHigh, Confidence: 0.8,
			SourceSeeds: []string{"invoice reminders"}},
	}
	clusters := []model.PainCluster{
		{ID: "PC1", Name: "Manual chasing", Description: "hand-written reminders", Personas: []string{"freelancer"},
			EvidenceCount: 1, Platforms: []string{"G2"}, Impact: model.ImpactSummary{ConversionBlocker: true},
			Severity: model.SeverityHigh},
	}
	decisions := []model.FeatureDecision{
		{ID: "F1", Name: "Auto reminders", SolvesClusters: []string{"PC1"}, MVPPriority: true, Complexity: model.ComplexityLow},
		{ID: "F2", Name: "Dunning analytics", SolvesClusters: []string{"PC1"}, Complexity: model.ComplexityHigh},
	}
	verdict := model.Verdict{
		Decision: model.DecisionBuild, Confidence: 0.77, PrimaryReason: "Clear pain",
		SupportingReasons: []string{"recurring"}, FailedCriteria: []string{}, Recommendation: model.RecommendProceed,
	}
	conf := model.ConfidenceResult{Score: 77, Band: model.BandHigh, Explanation: "ok"}
	bp := model.Blueprint{
		Overview: model.ProductOverview{Name: "Nudge", OneLiner: "Reminders that get paid"},
		Goals:    []string{"cut DSO"},
		MVPFeatures: []model.MVPFeature{{ID: "F1", Name: "Auto reminders"}},
	}

	require.NoError(t, st.SaveCandidates(ctx, run.ID, verdicts))
	require.NoError(t, st.SaveEvidence(ctx, run.ID, signals))
	require.NoError(t, st.SaveClusters(ctx, run.ID, clusters))
	require.NoError(t, st.SaveDecisions(ctx, run.ID, decisions))
	require.NoError(t, st.SaveVerdict(ctx, run.ID, verdict, conf))
	require.NoError(t, st.SaveBlueprint(ctx, run.ID, bp))

	rep, err := st.GetReport(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, rep.Run.ID)
	assert.Equal(t, verdicts, rep.Candidates)
	assert.Equal(t, signals, rep.Evidence)
	assert.Equal(t, clusters, rep.Clusters)
	assert.Equal(t, decisions, rep.Decisions)
	require.NotNil(t, rep.Verdict)
	assert.Equal(t, verdict, *rep.Verdict)
	require.NotNil(t, rep.Confidence)
	assert.Equal(t, conf, *rep.Confidence)
	require.NotNil(t, rep.Blueprint)
	assert.Equal(t, bp, *rep.Blueprint)

	// Verdict and confidence are mirrored onto the run row.
	require.NotNil(t, rep.Run.Verdict)
	assert.Equal(t, model.DecisionBuild, *rep.Run.Verdict)
	require.NotNil(t, rep.Run.Confidence)
	assert.InDelta(t, 0.77, *rep.Run.Confidence, 1e-9)
}

func TestSQLite_SaveReplacesArtifacts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createRun(t, st, 1, "idea")

	require.NoError(t, st.SaveEvidence(ctx, run.ID, []model.EvidenceSignal{{Theme: "a"}, {Theme: "b"}}))
	require.NoError(t, st.SaveEvidence(ctx, run.ID, []model.EvidenceSignal{{Theme: "c"}}))

	verdict := model.Verdict{Decision: model.DecisionBuild, Confidence: 0.5}
	require.NoError(t, st.SaveVerdict(ctx, run.ID, verdict, model.ConfidenceResult{Score: 50}))
	verdict.Decision = model.DecisionDoNotBuild
	require.NoError(t, st.SaveVerdict(ctx, run.ID, verdict, model.ConfidenceResult{Score: 70}))

	rep, err := st.GetReport(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rep.Evidence, 1)
	assert.Equal(t, "c", rep.Evidence[0].Theme)
	assert.Equal(t, model.DecisionDoNotBuild, rep.Verdict.Decision)
	assert.InDelta(t, 70.0, rep.Confidence.Score, 1e-9)
}

func TestSQLite_EmptyReport(t *testing.T) {
	st := newTestSQLiteStore(t)
	run := createRun(t, st, 1, "idea")

	rep, err := st.GetReport(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, rep.Candidates)
	assert.Empty(t, rep.Evidence)
	assert.Nil(t, rep.Verdict)
	assert.Nil(t, rep.Confidence)
	assert.Nil(t, rep.Blueprint)

	_, err = st.GetReport(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_SaveVerdict_MissingRun(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.SaveVerdict(context.Background(), "missing", model.Verdict{Decision: model.DecisionBuild}, model.ConfidenceResult{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_TerminalRunRejectsArtifacts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run := createRun(t, st, 1, "idea")

	require.NoError(t, st.SaveClusters(ctx, run.ID, []model.PainCluster{{ID: "PC1", Name: "kept"}}))
	require.NoError(t, st.FailRun(ctx, run.ID, model.Failure{Kind: model.FailureError, Reason: "boom", Stage: model.StageQueued}))

	assert.ErrorIs(t, st.SaveClusters(ctx, run.ID, []model.PainCluster{{ID: "PC2", Name: "late"}}), ErrStageConflict)
	assert.ErrorIs(t, st.SaveEvidence(ctx, run.ID, nil), ErrStageConflict)
	assert.ErrorIs(t, st.SaveVerdict(ctx, run.ID, model.Verdict{Decision: model.DecisionBuild}, model.ConfidenceResult{}), ErrStageConflict)
	assert.ErrorIs(t, st.SaveBlueprint(ctx, run.ID, model.Blueprint{Goals: []string{"late"}}), ErrStageConflict)
	assert.ErrorIs(t, st.SaveBlueprint(ctx, "missing", model.Blueprint{}), ErrNotFound)

	rep, err := st.GetReport(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rep.Clusters, 1)
	assert.Equal(t, "kept", rep.Clusters[0].Name)
	assert.Nil(t, rep.Verdict)
	assert.Nil(t, rep.Blueprint)
}
