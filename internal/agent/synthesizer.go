package agent

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decidekit/internal/llm"
	"github.com/sells-group/decidekit/internal/model"
)

// Synthesizer groups evidence signals into pain clusters.
type Synthesizer struct {
	gen llm.Generator
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(gen llm.Generator) *Synthesizer {
	return &Synthesizer{gen: gen}
}

// Synthesize clusters signals by underlying problem. A failed generation or
// an unparseable response yields no clusters; only cancellation of ctx is
// returned as an error.
func (s *Synthesizer) Synthesize(ctx context.Context, signals []model.EvidenceSignal) ([]model.PainCluster, error) {
	if len(signals) == 0 {
		return nil, nil
	}

	prompt := fmt.Sprintf(`You are a product insight synthesizer.

Group the evidence signals below into PAIN CLUSTERS that share the SAME underlying problem.
Ignore cosmetic issues unless repeated. Prefer workflow failures, trust collapse and payment blockers.
Rank severity by frequency and impact.

Return STRICT JSON only:
{"pain_clusters": [{"cluster_id": "PC-01", "cluster_name": "", "description": "", "affected_personas": [], "evidence_count": 0, "platforms_affected": [], "impact_summary": {"trial_blocker": false, "conversion_blocker": false, "trust_collapse": false}, "severity": "low | medium | high | critical", "why_users_get_angry": "", "representative_quotes": []}]}

EVIDENCE:
%s`, mustJSON(signals))

	resp, err := s.gen.Generate(ctx, llm.Request{Tier: llm.TierSmart, Prompt: prompt, Label: "synthesizer"})
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(err, "agent: synthesize clusters")
		}
		zap.L().Warn("agent: cluster generation failed", zap.Error(err))
		return nil, nil
	}

	parsed, err := DecodeJSON[struct {
		Clusters []model.PainCluster `json:"pain_clusters"`
	}](resp.Text)
	if err != nil {
		zap.L().Warn("agent: cluster response unparseable", zap.Error(err))
		return nil, nil
	}
	for i := range parsed.Clusters {
		parsed.Clusters[i].Severity = parsed.Clusters[i].Severity.Normalize()
	}
	return parsed.Clusters, nil
}
