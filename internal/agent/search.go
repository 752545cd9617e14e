package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/decidekit/internal/llm"
	"github.com/sells-group/decidekit/internal/metrics"
	"github.com/sells-group/decidekit/internal/model"
	"github.com/sells-group/decidekit/internal/resilience"
	"github.com/sells-group/decidekit/pkg/jina"
	"github.com/sells-group/decidekit/pkg/perplexity"
)

// Searcher runs a web search and returns up to n hits.
type Searcher interface {
	Search(ctx context.Context, query string, n int) ([]model.SearchHit, error)
}

// PageReader fetches the readable text of a page.
type PageReader interface {
	ReadPage(ctx context.Context, url string) (string, error)
}

// JinaSearcher adapts a Jina client to Searcher and PageReader. Requests
// share one rate limiter and one circuit breaker.
type JinaSearcher struct {
	client  jina.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	fee     float64
}

// NewJinaSearcher creates a searcher allowing rps requests per second.
// A non-positive rps disables limiting.
func NewJinaSearcher(client jina.Client, rps float64, breaker *resilience.CircuitBreaker) *JinaSearcher {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &JinaSearcher{
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		breaker: breaker,
	}
}

// WithFee books usd on the run's usage meter for every successful search.
func (s *JinaSearcher) WithFee(usd float64) *JinaSearcher {
	s.fee = usd
	return s
}

// Search implements Searcher.
func (s *JinaSearcher) Search(ctx context.Context, query string, n int) ([]model.SearchHit, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "agent: search rate limit wait")
	}

	resp, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*jina.SearchResponse, error) {
		return s.client.Search(ctx, query, jina.WithCount(n))
	})
	metrics.SearchRequests.WithLabelValues("jina", searchStatus(err)).Inc()
	if err != nil {
		return nil, eris.Wrapf(err, "agent: search %q", query)
	}
	llm.MeterFrom(ctx).Record(model.TokenUsage{}, s.fee)

	hits := make([]model.SearchHit, 0, len(resp.Data))
	for _, r := range resp.Data {
		snippet := r.Description
		if snippet == "" {
			snippet = truncate(r.Content, 300)
		}
		hits = append(hits, model.SearchHit{
			Name:    strings.TrimSpace(r.Title),
			URL:     r.URL,
			Snippet: strings.TrimSpace(snippet),
		})
	}
	return hits, nil
}

// ReadPage implements PageReader.
func (s *JinaSearcher) ReadPage(ctx context.Context, url string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "agent: read rate limit wait")
	}
	resp, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*jina.ReadResponse, error) {
		return s.client.Read(ctx, url)
	})
	metrics.SearchRequests.WithLabelValues("jina_reader", searchStatus(err)).Inc()
	if err != nil {
		return "", eris.Wrapf(err, "agent: read %s", url)
	}
	return resp.Data.Content, nil
}

func searchStatus(err error) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "circuit_open"
	}
	return metrics.Status(err)
}

// Researcher answers a research question with a prose summary.
type Researcher interface {
	Research(ctx context.Context, question string) (string, error)
}

// PerplexityResearcher adapts a Perplexity client to Researcher and books
// each query's tokens and flat fee on the run's usage meter.
type PerplexityResearcher struct {
	client  perplexity.Client
	perCall float64
}

// NewPerplexityResearcher creates a researcher charging perCall USD per query.
func NewPerplexityResearcher(client perplexity.Client, perCall float64) *PerplexityResearcher {
	return &PerplexityResearcher{client: client, perCall: perCall}
}

// Research implements Researcher.
func (p *PerplexityResearcher) Research(ctx context.Context, question string) (string, error) {
	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: "Quote real user complaints verbatim where possible. Name the platform each quote came from."},
			{Role: "user", Content: question},
		},
	})
	metrics.SearchRequests.WithLabelValues("perplexity", metrics.Status(err)).Inc()
	if err != nil {
		return "", eris.Wrap(err, "agent: perplexity research")
	}

	llm.MeterFrom(ctx).Record(model.TokenUsage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, p.perCall)

	text := resp.Text()
	if len(resp.Citations) > 0 {
		text += "\nSources: " + strings.Join(resp.Citations, ", ")
	}
	return text, nil
}
