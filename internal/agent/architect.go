package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decidekit/internal/llm"
	"github.com/sells-group/decidekit/internal/model"
)

// Architect drafts the product blueprint for a BUILD verdict.
type Architect struct {
	gen llm.Generator
}

// NewArchitect creates an Architect.
func NewArchitect(gen llm.Generator) *Architect {
	return &Architect{gen: gen}
}

// Blueprint drafts a PRD from the MVP decisions. It returns nil when the
// response cannot be parsed; generation errors are returned.
func (a *Architect) Blueprint(ctx context.Context, idea string, mvp []model.FeatureDecision, clusters []model.PainCluster) (*model.Blueprint, error) {
	var features strings.Builder
	for _, d := range mvp {
		fmt.Fprintf(&features, "- %s (solves: %s; metric: %s; complexity: %s)\n",
			d.Name, strings.Join(d.SolvesClusters, ", "), d.SuccessMetric, d.Complexity)
	}
	var pains strings.Builder
	for _, c := range clusters {
		fmt.Fprintf(&pains, "- %s [%s]: %s\n", c.Name, c.Severity, c.Description)
	}

	prompt := fmt.Sprintf(`You are a principal product manager.

Validated problem: %q

Justified MVP features:
%s
Pain clusters:
%s
Write a PRD for a small SaaS MVP: solo developer, 30-45 day build, no enterprise complexity.

Return JSON only:
{"product_overview": {"name": "", "one_liner": "", "target_user": "", "problem_statement": ""}, "goals": [], "non_goals": [], "mvp_features": [{"feature_id": "", "name": "", "description": "", "user_pain_addressed": "", "success_metric": "", "complexity": "low | medium | high"}], "user_flow": [], "risks_and_unknowns": [{"risk": "", "impact": "", "mitigation": ""}], "launch_scope": {"included": [], "excluded": []}, "success_definition": {"leading_indicators": [], "lagging_indicators": []}}`,
		truncate(idea, 2000), features.String(), pains.String())

	resp, err := a.gen.Generate(ctx, llm.Request{Tier: llm.TierSmart, Prompt: prompt, MaxTokens: 8192, Label: "architect"})
	if err != nil {
		return nil, eris.Wrap(err, "agent: draft blueprint")
	}

	bp, err := DecodeJSON[model.Blueprint](resp.Text)
	if err != nil {
		zap.L().Warn("agent: blueprint unparseable", zap.Error(err))
		return nil, nil
	}
	return &bp, nil
}
