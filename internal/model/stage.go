package model

import (
	"github.com/rotisserie/eris"
)

// Stage is the persisted position of an analysis run in the pipeline.
type Stage string

const (
	StageQueued              Stage = "QUEUED"
	StageVerifying           Stage = "VERIFYING"
	StageHunting             Stage = "HUNTING"
	StageMining              Stage = "MINING"
	StageSynthesizing        Stage = "SYNTHESIZING"
	StageJustifying          Stage = "JUSTIFYING"
	StageKillSwitch          Stage = "KILL_SWITCH"
	StageArchitecting        Stage = "ARCHITECTING"
	StageCompletedBuild      Stage = "COMPLETED_BUILD"
	StageCompletedDoNotBuild Stage = "COMPLETED_DO_NOT_BUILD"
	StageFailed              Stage = "FAILED"
)

// StageOrder lists the working stages in the order a run passes through them.
// QUEUED precedes the first entry; the COMPLETED_* stages follow the last.
var StageOrder = []Stage{
	StageVerifying,
	StageHunting,
	StageMining,
	StageSynthesizing,
	StageJustifying,
	StageKillSwitch,
	StageArchitecting,
}

// stageRank is the total order over every stage. Both completion stages share
// a rank; FAILED ranks above everything so it is reachable from any
// non-terminal stage.
var stageRank = map[Stage]int{
	StageQueued:              0,
	StageVerifying:           1,
	StageHunting:             2,
	StageMining:              3,
	StageSynthesizing:        4,
	StageJustifying:          5,
	StageKillSwitch:          6,
	StageArchitecting:        7,
	StageCompletedBuild:      8,
	StageCompletedDoNotBuild: 8,
	StageFailed:              9,
}

// ParseStage converts a persisted stage string into a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if _, ok := stageRank[st]; !ok {
		return "", eris.Errorf("model: unknown stage %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// Rank returns the position of s in the total stage order, or -1 if unknown.
func (s Stage) Rank() int {
	r, ok := stageRank[s]
	if !ok {
		return -1
	}
	return r
}

// Index returns the position of s in StageOrder, or -1 for stages outside it.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether no further transition is allowed from s.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageCompletedBuild, StageCompletedDoNotBuild, StageFailed:
		return true
	default:
		return false
	}
}

// IsCompleted reports whether s is one of the two successful end states.
func (s Stage) IsCompleted() bool {
	return s == StageCompletedBuild || s == StageCompletedDoNotBuild
}

// Next returns the stage that follows s on the BUILD path.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageQueued:
		return StageVerifying, true
	case StageArchitecting:
		return StageCompletedBuild, true
	}
	for i, st := range StageOrder {
		if st == s && i+1 < len(StageOrder) {
			return StageOrder[i+1], true
		}
	}
	return "", false
}

// CanAdvance reports whether a run may move from one stage to another. Only
// single forward steps, the KILL_SWITCH shortcut to COMPLETED_DO_NOT_BUILD,
// and a jump from any non-terminal stage to FAILED are allowed.
func CanAdvance(from, to Stage) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	if from == StageKillSwitch && to == StageCompletedDoNotBuild {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

// CompletedBefore returns the working stages that precede s in StageOrder.
func CompletedBefore(s Stage) []Stage {
	if s.IsCompleted() {
		return append([]Stage(nil), StageOrder...)
	}
	if i := s.Index(); i > 0 {
		return append([]Stage(nil), StageOrder[:i]...)
	}
	return []Stage{}
}

// FailureKind distinguishes a deliberate abort from an unexpected error.
type FailureKind string

const (
	FailureError   FailureKind = "error"
	FailureAborted FailureKind = "aborted"
)

// Failure is the payload carried by a run in the FAILED stage.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
	Stage  Stage       `json:"stage"` // stage that was in flight
}
