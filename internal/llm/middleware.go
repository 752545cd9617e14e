package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/decidekit/internal/cost"
	"github.com/sells-group/decidekit/internal/metrics"
	"github.com/sells-group/decidekit/internal/resilience"
)

// WithRateLimitRetry retries a rate-limited call exactly once after delay.
// Any other error, or a second rate limit, is returned to the caller.
func WithRateLimitRetry(g Generator, delay time.Duration) Generator {
	cfg := resilience.RateLimitRetry(delay)
	cfg.OnRetry = resilience.RetryLogger("llm", "generate")
	return GeneratorFunc(func(ctx context.Context, req Request) (*Response, error) {
		return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Response, error) {
			return g.Generate(ctx, req)
		})
	})
}

// Metered records every successful call's usage and cost on the meter in
// the request context, and logs cost attribution per call.
func Metered(g Generator, calc *cost.Calculator) Generator {
	return GeneratorFunc(func(ctx context.Context, req Request) (*Response, error) {
		resp, err := g.Generate(ctx, req)
		if err != nil {
			metrics.LLMCalls.WithLabelValues("unknown", "error").Inc()
			return nil, err
		}

		usd := calc.Tokens(resp.Model, resp.Usage)
		MeterFrom(ctx).Record(resp.Usage, usd)

		metrics.LLMCalls.WithLabelValues(resp.Model, "success").Inc()
		metrics.LLMTokens.WithLabelValues(resp.Model, "input").Add(float64(resp.Usage.InputTokens))
		metrics.LLMTokens.WithLabelValues(resp.Model, "output").Add(float64(resp.Usage.OutputTokens))

		zap.L().Debug("cost attribution",
			zap.String("model", resp.Model),
			zap.String("agent", req.Label),
			zap.Int64("input_tokens", resp.Usage.InputTokens),
			zap.Int64("output_tokens", resp.Usage.OutputTokens),
			zap.Float64("estimated_cost_usd", usd),
		)
		return resp, nil
	})
}
