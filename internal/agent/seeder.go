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

const seedSystem = `You are a market intelligence analyst.

Extract search seeds used ONLY for market discovery, competitor identification and user pain discovery.

Rules:
- Market seeds describe products or categories the way USERS describe them.
- Market seeds are short noun phrases (2-6 words).
- Market seeds never contain evaluation questions, willingness-to-pay language, legal, compliance or risk phrasing, or verbs like assess, evaluate, determine, analyze.

Extract 1 primary market seed, 3-5 secondary market seeds and 2-4 risk flags (non-search concepts).

Return JSON only:
{"primary_market_seed": "string", "secondary_market_seeds": ["string"], "risk_flags": ["string"]}`

const fallbackSeedLen = 50

// Seeder extracts market search seeds from the idea text.
type Seeder struct {
	gen llm.Generator
}

// NewSeeder creates a Seeder.
func NewSeeder(gen llm.Generator) *Seeder {
	return &Seeder{gen: gen}
}

type seedResponse struct {
	Primary   string   `json:"primary_market_seed"`
	Secondary []string `json:"secondary_market_seeds"`
	RiskFlags []string `json:"risk_flags"`
}

// Seeds returns the seed set for idea. An unparseable response falls back
// to the first line of the idea as the only seed; generation errors are
// returned.
func (s *Seeder) Seeds(ctx context.Context, idea string) (model.SeedSet, error) {
	resp, err := s.gen.Generate(ctx, llm.Request{
		Tier:   llm.TierSmart,
		System: seedSystem,
		Prompt: fmt.Sprintf("Extract market search seeds from this investigation context.\n\nContext:\n%s", truncate(idea, 3000)),
		Label:  "seeder",
	})
	if err != nil {
		return model.SeedSet{}, eris.Wrap(err, "agent: extract seeds")
	}

	parsed, err := DecodeJSON[seedResponse](resp.Text)
	if err != nil || strings.TrimSpace(parsed.Primary) == "" {
		zap.L().Warn("agent: seed response unusable, falling back to input", zap.Error(err))
		return model.SeedSet{Primary: fallbackSeed(idea)}, nil
	}

	return model.SeedSet{
		Primary:   strings.TrimSpace(parsed.Primary),
		Secondary: parsed.Secondary,
	}, nil
}

func fallbackSeed(idea string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(idea), "\n")
	return strings.TrimSpace(truncate(line, fallbackSeedLen))
}
