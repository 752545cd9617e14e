package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decidekit/internal/model"
	"github.com/sells-group/decidekit/internal/resilience"
	"github.com/sells-group/decidekit/pkg/anthropic"
)

// Anthropic generates text with the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	models    Models
	maxTokens int64
}

// NewAnthropic creates an Anthropic-backed generator.
func NewAnthropic(client anthropic.Client, models Models, maxTokens int64) *Anthropic {
	return &Anthropic{client: client, models: models, maxTokens: maxTokens}
}

// Generate implements Generator.
func (a *Anthropic) Generate(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	modelName := a.models.For(req.Tier)

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       modelName,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, classify(err, anthropic.StatusCode(err), "llm: anthropic generate")
	}

	return &Response{
		Text:  resp.Text(),
		Model: modelName,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// classify wraps provider errors, marking HTTP-level failures as transient so
// the retry layer can recognise rate limits.
func classify(err error, status int, msg string) error {
	if status > 0 && resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(eris.Wrap(err, msg), status)
	}
	return eris.Wrap(err, msg)
}
