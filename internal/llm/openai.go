package llm

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/decidekit/internal/model"
)

// ChatCompleter is the subset of the go-openai client used here.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI generates text with an OpenAI-compatible chat completions API.
type OpenAI struct {
	client    ChatCompleter
	models    Models
	maxTokens int
}

// NewOpenAIClient builds a go-openai client. An empty baseURL uses the
// public endpoint.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// NewOpenAI creates an OpenAI-backed generator.
func NewOpenAI(client ChatCompleter, models Models, maxTokens int) *OpenAI {
	return &OpenAI{client: client, models: models, maxTokens: maxTokens}
}

// Generate implements Generator.
func (o *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	modelName := o.models.For(req.Tier)

	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	creq := openai.ChatCompletionRequest{
		Model:               modelName,
		Messages:            msgs,
		MaxCompletionTokens: o.maxTokens,
	}
	if req.MaxTokens > 0 {
		creq.MaxCompletionTokens = int(req.MaxTokens)
	}
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}

	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, classify(err, openAIStatus(err), "llm: openai generate")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("llm: openai returned no choices")
	}

	return &Response{
		Text:  resp.Choices[0].Message.Content,
		Model: modelName,
		Usage: model.TokenUsage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
