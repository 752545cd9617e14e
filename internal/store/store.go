package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decidekit/internal/model"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("store: run not found")
	// ErrStageConflict is returned when a conditional stage update finds the
	// run in a different stage than expected, or already terminal.
	ErrStageConflict = errors.New("store: stage conflict")
	// ErrInvalidTransition is returned for transitions the stage order forbids.
	ErrInvalidTransition = errors.New("store: invalid stage transition")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	UserID *int64      `json:"user_id,omitempty"`
	Stage  model.Stage `json:"stage,omitempty"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

const defaultListLimit = 100

// Store defines persistence for analysis runs and their per-stage artifacts.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, req model.NewRunRequest) (*model.AnalysisRun, error)
	GetRun(ctx context.Context, runID string) (*model.AnalysisRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisRun, error)

	// Stage transitions. AdvanceStage succeeds only if the run is currently in
	// from; FailRun succeeds only if the run is not terminal.
	AdvanceStage(ctx context.Context, runID string, from, to model.Stage) error
	FailRun(ctx context.Context, runID string, failure model.Failure) error
	UpdateUsage(ctx context.Context, runID string, usage model.TokenUsage, costUSD float64) error

	// Artifacts. Each Save replaces the run's previous rows for that artifact.
	SaveCandidates(ctx context.Context, runID string, verdicts []model.CandidateVerdict) error
	SaveEvidence(ctx context.Context, runID string, signals []model.EvidenceSignal) error
	SaveClusters(ctx context.Context, runID string, clusters []model.PainCluster) error
	SaveDecisions(ctx context.Context, runID string, decisions []model.FeatureDecision) error
	SaveVerdict(ctx context.Context, runID string, verdict model.Verdict, conf model.ConfidenceResult) error
	SaveBlueprint(ctx context.Context, runID string, bp model.Blueprint) error
	GetReport(ctx context.Context, runID string) (*model.Report, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// terminalStages is spliced into conditional updates.
const terminalStages = `('COMPLETED_BUILD', 'COMPLETED_DO_NOT_BUILD', 'FAILED')`

func validateTransition(from, to model.Stage) error {
	if to == model.StageFailed {
		return eris.Wrap(ErrInvalidTransition, "use FailRun to enter FAILED")
	}
	if !model.CanAdvance(from, to) {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	return nil
}

// conflictFor explains a zero-row conditional update given the run's actual stage.
func conflictFor(runID string, actual model.Stage) error {
	return eris.Wrapf(ErrStageConflict, "run %s is %s", runID, actual)
}

func marshalRows[T any](items []T, row func(i int, item T, data []byte) []any) ([][]any, error) {
	rows := make([][]any, 0, len(items))
	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, eris.Wrap(err, "store: marshal artifact")
		}
		rows = append(rows, row(i, item, data))
	}
	return rows, nil
}

func candidateRows(runID string, verdicts []model.CandidateVerdict) ([][]any, error) {
	return marshalRows(verdicts, func(i int, v model.CandidateVerdict, data []byte) []any {
		return []any{runID, i, v.Candidate.Name, v.Candidate.URL, v.Admitted, v.Overlap, data}
	})
}

func evidenceRows(runID string, signals []model.EvidenceSignal) ([][]any, error) {
	return marshalRows(signals, func(i int, s model.EvidenceSignal, data []byte) []any {
		return []any{runID, i, s.Theme, string(s.Severity), string(s.Impact), data}
	})
}

func clusterRows(runID string, clusters []model.PainCluster) ([][]any, error) {
	return marshalRows(clusters, func(i int, c model.PainCluster, data []byte) []any {
		return []any{runID, i, c.ID, c.Name, string(c.Severity), data}
	})
}

func decisionRows(runID string, decisions []model.FeatureDecision) ([][]any, error) {
	return marshalRows(decisions, func(i int, d model.FeatureDecision, data []byte) []any {
		return []any{runID, i, d.ID, d.MVPPriority, data}
	})
}

var (
	candidateColumns = []string{"run_id", "position", "name", "url", "admitted", "overlap", "data"}
	evidenceColumns  = []string{"run_id", "position", "pain_theme", "severity", "impact", "data"}
	clusterColumns   = []string{"run_id", "position", "cluster_id", "cluster_name", "severity", "data"}
	decisionColumns  = []string{"run_id", "position", "feature_id", "mvp_priority", "data"}
)

func decodeFailure(raw []byte) (*model.Failure, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var f model.Failure
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal failure")
	}
	return &f, nil
}

func decodeList[T any](raws [][]byte) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal artifact")
		}
		out = append(out, item)
	}
	return out, nil
}

func decodeOne[T any](raw []byte) (*T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal artifact")
	}
	return &v, nil
}

// reportParts holds the raw artifact payloads loaded for a report.
type reportParts struct {
	candidates [][]byte
	evidence   [][]byte
	clusters   [][]byte
	decisions  [][]byte
	verdict    []byte
	confidence []byte
	blueprint  []byte
}

func (p reportParts) build(run *model.AnalysisRun) (*model.Report, error) {
	rep := &model.Report{Run: *run}
	var err error
	if rep.Candidates, err = decodeList[model.CandidateVerdict](p.candidates); err != nil {
		return nil, err
	}
	if rep.Evidence, err = decodeList[model.EvidenceSignal](p.evidence); err != nil {
		return nil, err
	}
	if rep.Clusters, err = decodeList[model.PainCluster](p.clusters); err != nil {
		return nil, err
	}
	if rep.Decisions, err = decodeList[model.FeatureDecision](p.decisions); err != nil {
		return nil, err
	}
	if rep.Verdict, err = decodeOne[model.Verdict](p.verdict); err != nil {
		return nil, err
	}
	if rep.Confidence, err = decodeOne[model.ConfidenceResult](p.confidence); err != nil {
		return nil, err
	}
	if rep.Blueprint, err = decodeOne[model.Blueprint](p.blueprint); err != nil {
		return nil, err
	}
	return rep, nil
}

type scannable interface {
	Scan(dest ...any) error
}
