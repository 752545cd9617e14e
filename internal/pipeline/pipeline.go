// Package pipeline drives one analysis run through the research stages and
// records every transition, artifact and failure in the store.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/decidekit/internal/confidence"
	"github.com/sells-group/decidekit/internal/intent"
	"github.com/sells-group/decidekit/internal/llm"
	"github.com/sells-group/decidekit/internal/metrics"
	"github.com/sells-group/decidekit/internal/model"
	"github.com/sells-group/decidekit/internal/store"
	"github.com/sells-group/decidekit/internal/vocab"
)

// ErrAlreadyStarted is returned when Run is called for a run that has left
// QUEUED.
var ErrAlreadyStarted = eris.New("pipeline: run already started")

// Config tunes the driver.
type Config struct {
	// MiningConcurrency bounds parallel evidence mining within a run.
	MiningConcurrency int
	// MaxInputChars bounds the idea text checked in VERIFYING.
	MaxInputChars int
}

// Driver owns the execution of analysis runs. A Driver may run many runs
// concurrently; each Run call is the single writer for its run id.
type Driver struct {
	store  store.Store
	collab Collaborators
	filter *intent.Filter
	engine *confidence.Engine
	vocab  *vocab.Vocabulary
	cfg    Config
}

// New creates a Driver.
func New(st store.Store, collab Collaborators, filter *intent.Filter, engine *confidence.Engine, v *vocab.Vocabulary, cfg Config) *Driver {
	if cfg.MiningConcurrency <= 0 {
		cfg.MiningConcurrency = 4
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	return &Driver{store: st, collab: collab, filter: filter, engine: engine, vocab: v, cfg: cfg}
}

// Outcome is the result of driving one run.
type Outcome struct {
	Run    *model.AnalysisRun
	Stages []model.StageResult
	// Err is the error that moved the run to FAILED, if any.
	Err error
}

// execution carries the mutable state of one Run call.
type execution struct {
	run     *model.AnalysisRun
	current model.Stage
	meter   *model.UsageMeter
	log     *zap.Logger

	mu     sync.Mutex
	stages []model.StageResult

	seeds      model.SeedSet
	admitted   []model.Candidate
	allSeeds   []string
	signals    []model.EvidenceSignal
	clusters   []model.PainCluster
	confidence model.ConfidenceResult
	decisions  []model.FeatureDecision
	verdict    model.Verdict
}

// Run executes the run from QUEUED to a terminal stage. Collaborator errors
// do not surface as the returned error: they are recorded as FAILED and
// reported in Outcome.Err. The returned error is reserved for runs that could
// not be started or whose failure could not be recorded.
func (d *Driver) Run(ctx context.Context, runID string) (*Outcome, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load run %s", runID)
	}
	if run.Stage != model.StageQueued {
		return nil, eris.Wrapf(ErrAlreadyStarted, "run %s is %s", runID, run.Stage)
	}

	ex := &execution{
		run:     run,
		current: model.StageQueued,
		meter:   model.NewUsageMeter(run.Usage, run.CostUSD),
		log:     zap.L().With(zap.String("run_id", runID)),
	}
	ctx = llm.WithMeter(ctx, ex.meter)

	metrics.RunsStarted.Inc()
	ex.log.Info("pipeline: starting analysis", zap.Int64("user_id", run.UserID))
	start := time.Now()

	runErr := d.safeExecute(ctx, ex)
	if errors.Is(runErr, store.ErrStageConflict) && ex.current == model.StageQueued {
		return nil, eris.Wrapf(ErrAlreadyStarted, "run %s", runID)
	}

	// Bookkeeping must survive a cancelled run context.
	bg := context.WithoutCancel(ctx)
	if runErr != nil {
		if err := d.fail(bg, ex, runErr); err != nil {
			return nil, err
		}
	}

	final, err := d.store.GetRun(bg, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: reload run %s", runID)
	}
	metrics.RunsFinished.WithLabelValues(string(final.Stage)).Inc()

	usage, usd := ex.meter.Snapshot()
	ex.log.Info("pipeline: analysis finished",
		zap.String("stage", string(final.Stage)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Float64("cost_usd", usd),
	)

	return &Outcome{Run: final, Stages: ex.stages, Err: runErr}, nil
}

// safeExecute turns a panic into a run error so the run still ends FAILED at
// the stage in flight.
func (d *Driver) safeExecute(ctx context.Context, ex *execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("pipeline: panic in %s: %v", ex.current, r)
		}
	}()
	return d.execute(ctx, ex)
}

func (d *Driver) execute(ctx context.Context, ex *execution) error {
	steps := []struct {
		stage model.Stage
		fn    func(context.Context, *execution) (map[string]any, error)
	}{
		{model.StageVerifying, d.verify},
		{model.StageHunting, d.hunt},
		{model.StageMining, d.mine},
		{model.StageSynthesizing, d.synthesize},
		{model.StageJustifying, d.justify},
		{model.StageKillSwitch, d.killSwitch},
	}
	for _, s := range steps {
		if err := d.stage(ctx, ex, s.stage, s.fn); err != nil {
			return err
		}
	}

	if ex.verdict.Decision != model.DecisionBuild {
		return d.finish(ctx, ex, model.StageCompletedDoNotBuild)
	}
	if err := d.stage(ctx, ex, model.StageArchitecting, d.architect); err != nil {
		return err
	}
	return d.finish(ctx, ex, model.StageCompletedBuild)
}

// stage persists the transition into s, then runs fn and records its timing
// and usage.
func (d *Driver) stage(ctx context.Context, ex *execution, s model.Stage, fn func(context.Context, *execution) (map[string]any, error)) error {
	if err := d.store.AdvanceStage(ctx, ex.run.ID, ex.current, s); err != nil {
		return eris.Wrapf(err, "pipeline: enter %s", s)
	}
	ex.current = s

	before, _ := ex.meter.Snapshot()
	start := time.Now()
	meta, err := fn(ctx, ex)
	elapsed := time.Since(start)
	after, _ := ex.meter.Snapshot()

	result := model.StageResult{
		Stage:    s,
		Status:   model.StageStatusComplete,
		Duration: elapsed.Milliseconds(),
		Usage: model.TokenUsage{
			InputTokens:  after.InputTokens - before.InputTokens,
			OutputTokens: after.OutputTokens - before.OutputTokens,
		},
		Metadata: meta,
	}
	if err != nil {
		result.Status = model.StageStatusFailed
		result.Error = err.Error()
		ex.log.Error("pipeline: stage failed",
			zap.String("stage", string(s)),
			zap.Int64("duration_ms", result.Duration),
			zap.Error(err),
		)
	} else {
		ex.log.Info("pipeline: stage complete",
			zap.String("stage", string(s)),
			zap.Int64("duration_ms", result.Duration),
			zap.Int64("input_tokens", result.Usage.InputTokens),
			zap.Int64("output_tokens", result.Usage.OutputTokens),
		)
	}
	metrics.ObserveStage(string(s), string(result.Status), elapsed)

	ex.mu.Lock()
	ex.stages = append(ex.stages, result)
	ex.mu.Unlock()

	if err != nil {
		return err
	}
	return d.persistUsage(ctx, ex)
}

func (d *Driver) persistUsage(ctx context.Context, ex *execution) error {
	usage, usd := ex.meter.Snapshot()
	if err := d.store.UpdateUsage(ctx, ex.run.ID, usage, usd); err != nil {
		return eris.Wrap(err, "pipeline: persist usage")
	}
	return nil
}

func (d *Driver) finish(ctx context.Context, ex *execution, terminal model.Stage) error {
	if err := d.persistUsage(ctx, ex); err != nil {
		return err
	}
	if err := d.store.AdvanceStage(ctx, ex.run.ID, ex.current, terminal); err != nil {
		return eris.Wrapf(err, "pipeline: enter %s", terminal)
	}
	ex.current = terminal
	return nil
}

// fail records runErr as the run's FAILED payload.
func (d *Driver) fail(ctx context.Context, ex *execution, runErr error) error {
	failure := model.Failure{
		Kind:   model.FailureError,
		Reason: runErr.Error(),
		Stage:  ex.current,
	}
	if errors.Is(runErr, ErrSeedRejected) {
		failure.Kind = model.FailureAborted
		failure.Reason = SeedRejectedReason
	}

	if err := d.persistUsage(ctx, ex); err != nil {
		ex.log.Warn("pipeline: failed to persist usage before failing run", zap.Error(err))
	}
	if err := d.store.FailRun(ctx, ex.run.ID, failure); err != nil {
		if errors.Is(err, store.ErrStageConflict) {
			// Already terminal: the run finished before the error surfaced.
			ex.log.Warn("pipeline: run already terminal", zap.Error(runErr))
			return nil
		}
		return eris.Wrapf(err, "pipeline: record failure for run %s", ex.run.ID)
	}
	ex.log.Error("pipeline: run failed",
		zap.String("stage", string(failure.Stage)),
		zap.String("kind", string(failure.Kind)),
		zap.Error(runErr),
	)
	return nil
}

func (d *Driver) verify(_ context.Context, ex *execution) (map[string]any, error) {
	if err := ValidateInput(ex.run.RawInput, d.cfg.MaxInputChars); err != nil {
		return nil, err
	}
	return map[string]any{"input_chars": len([]rune(ex.run.RawInput))}, nil
}

func (d *Driver) hunt(ctx context.Context, ex *execution) (map[string]any, error) {
	raw, err := d.collab.Seeder.Seeds(ctx, ex.run.RawInput)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: extract seeds")
	}
	seeds, err := ValidateSeeds(raw, d.vocab.ForbiddenSeedTerms)
	if err != nil {
		return map[string]any{"primary_seed": raw.Primary}, err
	}
	ex.seeds = seeds

	candidates, err := d.collab.Hunter.Hunt(ctx, ex.run.RawInput, seeds.All())
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: discover candidates")
	}

	res := d.filter.Apply(ex.run.RawInput, candidates)
	if err := d.store.SaveCandidates(ctx, ex.run.ID, res.Verdicts); err != nil {
		return nil, eris.Wrap(err, "pipeline: save candidates")
	}
	ex.admitted = res.Admitted
	ex.allSeeds = intent.AdmittedSeeds(res.Admitted)

	metrics.Candidates.WithLabelValues("admitted").Add(float64(len(res.Admitted)))
	metrics.Candidates.WithLabelValues("rejected").Add(float64(len(res.Rejected)))
	for _, r := range res.Rejected {
		ex.log.Debug("pipeline: candidate rejected by intent filter",
			zap.String("candidate", r.Candidate.Name),
			zap.Float64("overlap", r.Overlap),
		)
	}

	return map[string]any{
		"seeds":      seeds.All(),
		"candidates": len(candidates),
		"admitted":   len(res.Admitted),
		"rejected":   len(res.Rejected),
	}, nil
}

func (d *Driver) mine(ctx context.Context, ex *execution) (map[string]any, error) {
	perCandidate := make([][]model.EvidenceSignal, len(ex.admitted))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MiningConcurrency)
	for i, c := range ex.admitted {
		g.Go(func() (err error) {
			// Mining goroutines are outside safeExecute's recover.
			defer func() {
				if r := recover(); r != nil {
					err = eris.Errorf("pipeline: panic mining %s: %v", c.Name, r)
				}
			}()
			if err := gCtx.Err(); err != nil {
				return err
			}
			perCandidate[i] = d.collab.Miner.Mine(gCtx, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "pipeline: mine evidence")
	}

	for _, s := range perCandidate {
		ex.signals = append(ex.signals, s...)
	}
	if err := d.store.SaveEvidence(ctx, ex.run.ID, ex.signals); err != nil {
		return nil, eris.Wrap(err, "pipeline: save evidence")
	}
	return map[string]any{"candidates": len(ex.admitted), "signals": len(ex.signals)}, nil
}

func (d *Driver) synthesize(ctx context.Context, ex *execution) (map[string]any, error) {
	clusters, err := d.collab.Synthesizer.Synthesize(ctx, ex.signals)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: synthesize clusters")
	}
	ex.clusters = clusters
	if err := d.store.SaveClusters(ctx, ex.run.ID, clusters); err != nil {
		return nil, eris.Wrap(err, "pipeline: save clusters")
	}

	ex.confidence = d.engine.Compute(confidence.Input{
		Signals:  ex.signals,
		Clusters: clusters,
		AllSeeds: ex.allSeeds,
		Admitted: len(ex.admitted),
	})
	metrics.ConfidenceScore.Observe(ex.confidence.Score)
	if ex.confidence.SafetyOverride {
		metrics.SafetyOverrides.Inc()
	}

	return map[string]any{
		"clusters":         len(clusters),
		"confidence":       ex.confidence.Score,
		"band":             string(ex.confidence.Band),
		"safety_override":  ex.confidence.SafetyOverride,
		"under_grounded":   ex.confidence.InsufficientGrounding,
		"agreeing_seeds":   ex.confidence.Breakdown.AgreeingSeeds,
		"total_seeds":      ex.confidence.Breakdown.TotalSeeds,
		"evidence_signals": ex.confidence.Breakdown.EvidenceCount,
	}, nil
}

func (d *Driver) justify(ctx context.Context, ex *execution) (map[string]any, error) {
	decisions, err := d.collab.Justifier.Justify(ctx, ex.clusters)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: justify features")
	}
	ex.decisions = decisions
	if err := d.store.SaveDecisions(ctx, ex.run.ID, decisions); err != nil {
		return nil, eris.Wrap(err, "pipeline: save decisions")
	}
	return map[string]any{"features": len(decisions), "mvp": len(model.MVPDecisions(decisions))}, nil
}

func (d *Driver) killSwitch(ctx context.Context, ex *execution) (map[string]any, error) {
	raw, err := d.collab.Judge.Decide(ctx, ex.clusters, ex.decisions, ex.confidence)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: kill switch")
	}
	ex.verdict = confidence.ApplyToVerdict(raw, ex.confidence)
	if ex.verdict.Decision != raw.Decision {
		ex.log.Warn("pipeline: verdict overridden by safety floor",
			zap.String("raw", string(raw.Decision)),
			zap.String("reason", ex.confidence.SafetyOverrideReason),
		)
	}
	if err := d.store.SaveVerdict(ctx, ex.run.ID, ex.verdict, ex.confidence); err != nil {
		return nil, eris.Wrap(err, "pipeline: save verdict")
	}
	return map[string]any{
		"verdict":    string(ex.verdict.Decision),
		"confidence": ex.verdict.Confidence,
	}, nil
}

func (d *Driver) architect(ctx context.Context, ex *execution) (map[string]any, error) {
	mvp := model.MVPDecisions(ex.decisions)
	bp, err := d.collab.Architect.Blueprint(ctx, ex.run.RawInput, mvp, ex.clusters)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: draft blueprint")
	}
	if bp == nil {
		ex.log.Warn("pipeline: no blueprint produced")
		return map[string]any{"mvp_features": len(mvp), "blueprint": false}, nil
	}
	if err := d.store.SaveBlueprint(ctx, ex.run.ID, *bp); err != nil {
		return nil, eris.Wrap(err, "pipeline: save blueprint")
	}
	return map[string]any{"mvp_features": len(mvp), "blueprint": true}, nil
}
