package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/decidekit/internal/model"
	"github.com/sells-group/decidekit/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// seedRun creates a run and walks it to the given working stage.
func seedRun(t *testing.T, st store.Store, to model.Stage) string {
	t.Helper()
	ctx := context.Background()
	run, err := st.CreateRun(ctx, model.NewRunRequest{UserID: 1, RawInput: "idea"})
	require.NoError(t, err)
	from := model.StageQueued
	for from != to {
		next, ok := from.Next()
		require.True(t, ok)
		require.NoError(t, st.AdvanceStage(ctx, run.ID, from, next))
		from = next
	}
	return run.ID
}

func TestCollector_EmptyStore(t *testing.T) {
	c := NewCollector(newTestStore(t), 0)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.RunsTotal)
	assert.Zero(t, snap.FailRate)
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestCollector_RunMetrics(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedRun(t, st, model.StageQueued)
	seedRun(t, st, model.StageMining)

	built := seedRun(t, st, model.StageArchitecting)
	require.NoError(t, st.UpdateUsage(ctx, built, model.TokenUsage{InputTokens: 300, OutputTokens: 100}, 0.40))
	require.NoError(t, st.SaveVerdict(ctx, built,
		model.Verdict{Decision: model.DecisionBuild, Confidence: 0.80},
		model.ConfidenceResult{Score: 80}))
	require.NoError(t, st.AdvanceStage(ctx, built, model.StageArchitecting, model.StageCompletedBuild))

	aborted := seedRun(t, st, model.StageHunting)
	require.NoError(t, st.FailRun(ctx, aborted, model.Failure{Kind: model.FailureAborted, Stage: model.StageHunting}))

	failed := seedRun(t, st, model.StageMining)
	require.NoError(t, st.FailRun(ctx, failed, model.Failure{Kind: model.FailureError, Stage: model.StageMining}))

	snap, err := NewCollector(st, 0).Collect(ctx, 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsQueued)
	assert.Equal(t, 1, snap.RunsInFlight)
	assert.Equal(t, 1, snap.RunsBuild)
	assert.Equal(t, 1, snap.RunsAborted)
	assert.Equal(t, 1, snap.RunsFailed)
	// Aborts count as finished but not failed: 1 / 3.
	assert.InDelta(t, 1.0/3, snap.FailRate, 1e-9)
	assert.InDelta(t, 0.40, snap.CostUSD, 1e-9)
	assert.Equal(t, int64(80), snap.AvgTokens)
	assert.InDelta(t, 0.80, snap.AvgConfidence, 1e-9)
	assert.Empty(t, snap.StalledRunIDs)
}

func TestCollector_StalledRuns(t *testing.T) {
	st := newTestStore(t)
	stuck := seedRun(t, st, model.StageSynthesizing)
	seedRun(t, st, model.StageQueued)

	c := NewCollector(st, 30*time.Minute)
	c.nowFunc = func() time.Time { return time.Now().Add(time.Hour) }

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, []string{stuck}, snap.StalledRunIDs, "queued runs are never stalled")
}

func TestCollector_LookbackWindow(t *testing.T) {
	st := newTestStore(t)
	seedRun(t, st, model.StageQueued)

	c := NewCollector(st, 0)
	c.nowFunc = func() time.Time { return time.Now().Add(48 * time.Hour) }

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.RunsTotal)
}
