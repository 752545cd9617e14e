// Package cost converts provider usage into USD.
package cost

import "github.com/sells-group/decidekit/internal/model"

// Rates holds per-provider pricing configuration.
type Rates struct {
	Models     map[string]ModelRate `yaml:"models" mapstructure:"models"`
	Jina       JinaRate             `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityRate       `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelRate holds per-model token pricing in USD per million tokens.
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// JinaRate holds Jina search pricing.
type JinaRate struct {
	PerSearch float64 `yaml:"per_search" mapstructure:"per_search"`
}

// PerplexityRate holds Perplexity pricing.
type PerplexityRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates. Models missing
// from rates fall back to DefaultRates.
func NewCalculator(rates Rates) *Calculator {
	merged := DefaultRates()
	for name, r := range rates.Models {
		merged.Models[name] = r
	}
	if rates.Jina.PerSearch > 0 {
		merged.Jina = rates.Jina
	}
	if rates.Perplexity.PerQuery > 0 {
		merged.Perplexity = rates.Perplexity
	}
	return &Calculator{rates: merged}
}

// Tokens computes the cost of one LLM call. Unknown models cost zero.
func (c *Calculator) Tokens(modelName string, usage model.TokenUsage) float64 {
	rate, ok := c.rates.Models[modelName]
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1e6*rate.Input +
		float64(usage.OutputTokens)/1e6*rate.Output
}

// JinaSearches returns the cost of n Jina searches.
func (c *Calculator) JinaSearches(n int) float64 {
	return float64(n) * c.rates.Jina.PerSearch
}

// PerplexityQuery returns the flat cost per Perplexity query.
func (c *Calculator) PerplexityQuery() float64 {
	return c.rates.Perplexity.PerQuery
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
			"gpt-4o":                     {Input: 2.50, Output: 10.00},
			"gpt-4o-mini":                {Input: 0.15, Output: 0.60},
		},
		Jina:       JinaRate{PerSearch: 0.001},
		Perplexity: PerplexityRate{PerQuery: 0.005},
	}
}
