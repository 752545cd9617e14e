package model

// CurrentCompleted is the normalized stage label shown for both completion states.
const CurrentCompleted = "COMPLETED"

// StatusView is what observers polling a run see.
type StatusView struct {
	RunID           string    `json:"run_id"`
	CurrentStage    string    `json:"current_stage"`
	CompletedStages []Stage   `json:"completed_stages"`
	Verdict         *Decision `json:"verdict,omitempty"`
	DoNotBuild      bool      `json:"do_not_build"`
	Confidence      *float64  `json:"confidence,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	Aborted         bool      `json:"aborted,omitempty"`
}

// BuildStatus maps a persisted run onto its observable status. COMPLETED_*
// stages collapse to "COMPLETED" with every working stage complete; a FAILED
// run reports the prefix that preceded the stage in flight.
func BuildStatus(run *AnalysisRun) StatusView {
	v := StatusView{
		RunID:        run.ID,
		CurrentStage: string(run.Stage),
		Verdict:      run.Verdict,
		Confidence:   run.Confidence,
	}

	switch {
	case run.Stage.IsCompleted():
		v.CurrentStage = CurrentCompleted
		v.CompletedStages = CompletedBefore(run.Stage)
		v.DoNotBuild = run.Stage == StageCompletedDoNotBuild
	case run.Stage == StageFailed:
		v.CompletedStages = []Stage{}
		if run.Failure != nil {
			v.CompletedStages = CompletedBefore(run.Failure.Stage)
			v.FailureReason = run.Failure.Reason
			v.Aborted = run.Failure.Kind == FailureAborted
		}
	default:
		v.CompletedStages = CompletedBefore(run.Stage)
	}
	return v
}

// Report is the full persisted record of a run.
type Report struct {
	Run        AnalysisRun        `json:"analysis"`
	Candidates []CandidateVerdict `json:"candidates"`
	Evidence   []EvidenceSignal   `json:"evidence"`
	Clusters   []PainCluster      `json:"clusters"`
	Decisions  []FeatureDecision  `json:"features"`
	Verdict    *Verdict           `json:"kill_switch,omitempty"`
	Confidence *ConfidenceResult  `json:"confidence,omitempty"`
	Blueprint  *Blueprint         `json:"prd,omitempty"`
}
