package pipeline

import (
	"context"

	"github.com/sells-group/decidekit/internal/model"
)

// Seeder extracts market search seeds from the idea text.
type Seeder interface {
	Seeds(ctx context.Context, idea string) (model.SeedSet, error)
}

// Hunter discovers candidate competitors. A failed search for a single seed
// must not fail the call.
type Hunter interface {
	Hunt(ctx context.Context, idea string, seeds []string) ([]model.Candidate, error)
}

// Miner extracts evidence for one candidate. It never fails; problems yield
// an empty result.
type Miner interface {
	Mine(ctx context.Context, c model.Candidate) []model.EvidenceSignal
}

// Synthesizer clusters evidence into pains.
type Synthesizer interface {
	Synthesize(ctx context.Context, signals []model.EvidenceSignal) ([]model.PainCluster, error)
}

// Justifier proposes features for pain clusters.
type Justifier interface {
	Justify(ctx context.Context, clusters []model.PainCluster) ([]model.FeatureDecision, error)
}

// Judge issues the raw kill-switch verdict.
type Judge interface {
	Decide(ctx context.Context, clusters []model.PainCluster, decisions []model.FeatureDecision, conf model.ConfidenceResult) (model.Verdict, error)
}

// Architect drafts the blueprint. A nil blueprint with no error means the
// document could not be produced.
type Architect interface {
	Blueprint(ctx context.Context, idea string, mvp []model.FeatureDecision, clusters []model.PainCluster) (*model.Blueprint, error)
}

// Collaborators bundles the stage collaborators a Driver calls.
type Collaborators struct {
	Seeder      Seeder
	Hunter      Hunter
	Miner       Miner
	Synthesizer Synthesizer
	Justifier   Justifier
	Judge       Judge
	Architect   Architect
}
