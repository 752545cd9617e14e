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

// Judge issues the raw kill-switch verdict.
type Judge struct {
	gen llm.Generator
}

// NewJudge creates a Judge.
func NewJudge(gen llm.Generator) *Judge {
	return &Judge{gen: gen}
}

// Decide asks the generator for a BUILD/DO_NOT_BUILD verdict. The computed
// confidence is shown to the generator as context only; the caller applies
// it afterwards. A failed generation, a response that cannot be parsed, or
// one naming neither decision yields the safety default verdict. Only
// cancellation of ctx is returned as an error.
func (j *Judge) Decide(ctx context.Context, clusters []model.PainCluster, decisions []model.FeatureDecision, conf model.ConfidenceResult) (model.Verdict, error) {
	prompt := fmt.Sprintf(`You are a principal product manager whose job is to STOP bad products.

Decide whether this product should be BUILT or NOT BUILT. Be skeptical; time, money and trust are scarce.

Evaluate:
1. Is the pain CRITICAL or merely annoying?
2. Do users CURRENTLY pay to solve it?
3. Are workarounds acceptable?
4. Can a small MVP realistically fix it?
5. Is differentiation achievable, or structural?
6. Is trust, regulation or data access a blocker?
7. Is timing right?

Rules: two or more CRITICAL failure conditions means DO_NOT_BUILD. Do not invent features to justify BUILD. Prefer Abandon over optimistic pivots.

Return STRICT JSON only:
{"verdict": "BUILD | DO_NOT_BUILD", "confidence": 0.0, "primary_reason": "", "supporting_reasons": [], "failed_criteria": [], "what_would_change_verdict": [], "recommendation": "Proceed | Pivot | Abandon"}

PAIN CLUSTERS:
%s

FEATURE DECISIONS:
%s

CONFIDENCE CONTEXT:
Computed confidence %.1f (%s) from evidence convergence. Safety override active: %t.`,
		mustJSON(clusters), mustJSON(decisions), conf.Score, conf.Band, conf.SafetyOverride)

	resp, err := j.gen.Generate(ctx, llm.Request{Tier: llm.TierSmart, Prompt: prompt, Label: "judge"})
	if err != nil {
		if ctx.Err() != nil {
			return model.Verdict{}, eris.Wrap(err, "agent: kill switch verdict")
		}
		zap.L().Warn("agent: verdict generation failed, defaulting to safety", zap.Error(err))
		return model.SafetyDefaultVerdict(err.Error()), nil
	}

	v, err := DecodeJSON[model.Verdict](resp.Text)
	if err != nil {
		zap.L().Warn("agent: verdict unparseable, defaulting to safety", zap.Error(err))
		return model.SafetyDefaultVerdict(err.Error()), nil
	}

	v.Decision = model.Decision(strings.ToUpper(strings.TrimSpace(string(v.Decision))))
	if v.Decision != model.DecisionBuild && v.Decision != model.DecisionDoNotBuild {
		return model.SafetyDefaultVerdict(fmt.Sprintf("unrecognised verdict %q", v.Decision)), nil
	}
	return v, nil
}
