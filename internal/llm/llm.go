// Package llm provides the text generation capability the research agents
// delegate to, with Anthropic and OpenAI backends.
package llm

import (
	"context"

	"github.com/sells-group/decidekit/internal/model"
)

// Tier selects between the configured models.
type Tier int

const (
	// TierFast is used for extraction-style calls (seeds, evidence).
	TierFast Tier = iota
	// TierSmart is used for synthesis and judgement calls.
	TierSmart
)

func (t Tier) String() string {
	if t == TierSmart {
		return "smart"
	}
	return "fast"
}

// Models names the model used per tier.
type Models struct {
	Smart string
	Fast  string
}

// For returns the model configured for t.
func (m Models) For(t Tier) string {
	if t == TierSmart {
		return m.Smart
	}
	return m.Fast
}

// Request is a single-turn generation request.
type Request struct {
	Tier        Tier
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature *float64
	// Label names the calling agent for cost attribution.
	Label string
}

// Response is the generated text plus its accounting.
type Response struct {
	Text  string
	Model string
	Usage model.TokenUsage
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (*Response, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

type meterKey struct{}

// WithMeter returns a context whose generation calls are recorded on m.
func WithMeter(ctx context.Context, m *model.UsageMeter) context.Context {
	return context.WithValue(ctx, meterKey{}, m)
}

// MeterFrom returns the meter attached to ctx, or nil.
func MeterFrom(ctx context.Context) *model.UsageMeter {
	m, _ := ctx.Value(meterKey{}).(*model.UsageMeter)
	return m
}
