package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/decidekit/internal/model"
	"github.com/sells-group/decidekit/internal/worker"
)

type recordingJobs struct {
	submitted []string
	fail      map[string]bool
}

func (r *recordingJobs) Submit(runID string) (*worker.Handle, error) {
	if r.fail[runID] {
		return nil, errors.New("queue full")
	}
	r.submitted = append(r.submitted, runID)
	return &worker.Handle{RunID: runID}, nil
}

func TestResubmitQueued(t *testing.T) {
	cfg = testConfig(t)
	ctx := context.Background()
	st, err := openStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	first, err := st.CreateRun(ctx, model.NewRunRequest{UserID: 1, RawInput: "first"})
	require.NoError(t, err)
	second, err := st.CreateRun(ctx, model.NewRunRequest{UserID: 1, RawInput: "second"})
	require.NoError(t, err)
	third, err := st.CreateRun(ctx, model.NewRunRequest{UserID: 1, RawInput: "third"})
	require.NoError(t, err)
	started, err := st.CreateRun(ctx, model.NewRunRequest{UserID: 1, RawInput: "started"})
	require.NoError(t, err)
	require.NoError(t, st.AdvanceStage(ctx, started.ID, model.StageQueued, model.StageVerifying))

	jobs := &recordingJobs{fail: map[string]bool{second.ID: true}}
	require.NoError(t, resubmitQueued(ctx, st, jobs))

	// Oldest first; a rejected submit does not stop the rest.
	assert.Equal(t, []string{first.ID, third.ID}, jobs.submitted)
}

func TestFailInterrupted(t *testing.T) {
	cfg = testConfig(t)
	ctx := context.Background()
	st, err := openStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	queued, err := st.CreateRun(ctx, model.NewRunRequest{UserID: 1, RawInput: "queued"})
	require.NoError(t, err)

	mining, err := st.CreateRun(ctx, model.NewRunRequest{UserID: 1, RawInput: "mining"})
	require.NoError(t, err)
	for _, s := range []model.Stage{model.StageQueued, model.StageVerifying, model.StageHunting} {
		next, _ := s.Next()
		require.NoError(t, st.AdvanceStage(ctx, mining.ID, s, next))
	}

	done, err := st.CreateRun(ctx, model.NewRunRequest{UserID: 1, RawInput: "done"})
	require.NoError(t, err)
	require.NoError(t, st.FailRun(ctx, done.ID, model.Failure{Kind: model.FailureError, Reason: "boom", Stage: model.StageQueued}))

	// Recently touched runs are left alone.
	require.NoError(t, failInterrupted(ctx, st, 30*time.Minute, time.Now()))
	run, err := st.GetRun(ctx, mining.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageMining, run.Stage)

	require.NoError(t, failInterrupted(ctx, st, 30*time.Minute, time.Now().Add(time.Hour)))

	run, err = st.GetRun(ctx, mining.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, run.Stage)
	require.NotNil(t, run.Failure)
	assert.Equal(t, interruptedReason, run.Failure.Reason)
	assert.Equal(t, model.StageMining, run.Failure.Stage)

	run, err = st.GetRun(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageQueued, run.Stage, "queued runs are resubmitted, not failed")

	run, err = st.GetRun(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", run.Failure.Reason)
}

func TestNewChecker(t *testing.T) {
	cfg = testConfig(t)
	cfg.Monitoring.StallMinutes = 10
	st, err := openStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	assert.Empty(t, newChecker(st).Check(context.Background()))
}
