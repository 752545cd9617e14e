package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/decidekit/internal/model"
)

func TestTokens(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(Rates{Models: map[string]ModelRate{
		"haiku": {Input: 0.80, Output: 4.00},
	}})

	tests := []struct {
		name  string
		model string
		usage model.TokenUsage
		want  float64
	}{
		{"simple", "haiku", model.TokenUsage{InputTokens: 1_000_000, OutputTokens: 100_000}, 0.80 + 0.40},
		{"zero", "haiku", model.TokenUsage{}, 0},
		{"default model", "gpt-4o-mini", model.TokenUsage{InputTokens: 2_000_000}, 0.30},
		{"unknown", "mystery", model.TokenUsage{InputTokens: 1_000_000}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Tokens(tt.model, tt.usage), 1e-9)
		})
	}
}

func TestNewCalculatorOverrides(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(Rates{
		Models:     map[string]ModelRate{"gpt-4o": {Input: 1, Output: 1}},
		Jina:       JinaRate{PerSearch: 0.01},
		Perplexity: PerplexityRate{PerQuery: 0.02},
	})
	assert.InDelta(t, 2.0, calc.Tokens("gpt-4o", model.TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}), 1e-9)
	assert.InDelta(t, 0.05, calc.JinaSearches(5), 1e-9)
	assert.InDelta(t, 0.02, calc.PerplexityQuery(), 1e-9)

	// DefaultRates is not mutated by overrides.
	assert.InDelta(t, 2.50, DefaultRates().Models["gpt-4o"].Input, 1e-9)
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(Rates{})
	assert.InDelta(t, 0.005, calc.PerplexityQuery(), 1e-9)
	assert.InDelta(t, 0.001, calc.JinaSearches(1), 1e-9)
	assert.InDelta(t, 18.0, calc.Tokens("claude-sonnet-4-5-20250929",
		model.TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}), 1e-9)
}
