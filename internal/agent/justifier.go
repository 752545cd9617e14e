package agent

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decidekit/internal/llm"
	"github.com/sells-group/decidekit/internal/model"
)

// Justifier proposes one feature per severe pain cluster.
type Justifier struct {
	gen llm.Generator
}

// NewJustifier creates a Justifier.
func NewJustifier(gen llm.Generator) *Justifier {
	return &Justifier{gen: gen}
}

// Justify returns feature decisions for clusters. A failed generation or an
// unparseable response yields no decisions; only cancellation of ctx is
// returned as an error.
func (j *Justifier) Justify(ctx context.Context, clusters []model.PainCluster) ([]model.FeatureDecision, error) {
	if len(clusters) == 0 {
		return nil, nil
	}

	prompt := fmt.Sprintf(`You are a senior product manager deciding WHAT to build and WHAT NOT to build.

For each CRITICAL or HIGH severity pain cluster below:
1. Propose ONE feature that directly removes the pain.
2. Explain why existing solutions fail.
3. Decide whether it MUST be in the MVP.
4. Define ONE success metric.
5. Estimate complexity (low/medium/high).
6. State the consequence of NOT building it.

Rules: one feature per cluster, no feature without a pain, no high-complexity MVP feature unless unavoidable, prefer workflow fixes over UI polish.

Return STRICT JSON only:
{"feature_decisions": [{"feature_id": "F-01", "feature_name": "", "solves_pain_clusters": [], "user_problem": "", "why_existing_solutions_fail": "", "mvp_priority": true, "expected_user_outcome": "", "success_metric": "", "if_we_dont_build": "", "complexity": "low | medium | high"}]}

PAIN CLUSTERS:
%s`, mustJSON(clusters))

	resp, err := j.gen.Generate(ctx, llm.Request{Tier: llm.TierSmart, Prompt: prompt, Label: "justifier"})
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(err, "agent: justify features")
		}
		zap.L().Warn("agent: feature generation failed", zap.Error(err))
		return nil, nil
	}

	parsed, err := DecodeJSON[struct {
		Decisions []model.FeatureDecision `json:"feature_decisions"`
	}](resp.Text)
	if err != nil {
		zap.L().Warn("agent: feature response unparseable", zap.Error(err))
		return nil, nil
	}
	return parsed.Decisions, nil
}
