package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decidekit/internal/agent"
	"github.com/sells-group/decidekit/internal/confidence"
	"github.com/sells-group/decidekit/internal/config"
	"github.com/sells-group/decidekit/internal/cost"
	"github.com/sells-group/decidekit/internal/intent"
	"github.com/sells-group/decidekit/internal/llm"
	"github.com/sells-group/decidekit/internal/pipeline"
	"github.com/sells-group/decidekit/internal/resilience"
	"github.com/sells-group/decidekit/internal/store"
	"github.com/sells-group/decidekit/internal/vocab"
	anthropicpkg "github.com/sells-group/decidekit/pkg/anthropic"
	"github.com/sells-group/decidekit/pkg/jina"
	"github.com/sells-group/decidekit/pkg/perplexity"
)

// pipelineEnv holds the store and driver needed by the analyze and serve
// commands.
type pipelineEnv struct {
	Store  store.Store
	Driver *pipeline.Driver
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens and migrates the store, and
// builds the Driver with every collaborator. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	v, err := vocab.Load(cfg.Pipeline.VocabularyPath)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	calc := cost.NewCalculator(cfg.Pricing)
	gen, err := initGenerator(cfg, calc)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	driver := pipeline.New(st,
		initCollaborators(cfg, gen, calc),
		intent.NewFilter(v, cfg.Pipeline.IntentThreshold),
		confidence.New(
			confidence.WithTriggers(v.SafetyTriggers),
			confidence.WithMinGrounding(cfg.Pipeline.MinGroundingCandidates),
		),
		v,
		pipeline.Config{
			MiningConcurrency: cfg.Pipeline.MiningConcurrency,
			MaxInputChars:     cfg.Pipeline.MaxInputChars,
		},
	)

	return &pipelineEnv{Store: st, Driver: driver}, nil
}

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "decidekit.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens the store and applies migrations.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initGenerator builds the configured LLM backend, retrying once on rate
// limits and metering every call.
func initGenerator(c *config.Config, calc *cost.Calculator) (llm.Generator, error) {
	models := llm.Models{Smart: c.LLM.SmartModel, Fast: c.LLM.FastModel}

	var base llm.Generator
	switch c.LLM.Provider {
	case "anthropic":
		// The SDK's own backoff would stack on top of WithRateLimitRetry.
		opts := []anthropicpkg.Option{anthropicpkg.WithMaxRetries(0)}
		if c.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicpkg.WithBaseURL(c.Anthropic.BaseURL))
		}
		base = llm.NewAnthropic(anthropicpkg.NewClient(c.Anthropic.Key, opts...), models, int64(c.LLM.MaxTokens))
	case "openai":
		base = llm.NewOpenAI(llm.NewOpenAIClient(c.OpenAI.Key, c.OpenAI.BaseURL), models, c.LLM.MaxTokens)
	default:
		return nil, eris.Errorf("unsupported llm provider: %s", c.LLM.Provider)
	}

	delay := time.Duration(c.LLM.RateLimitRetryDelayMs) * time.Millisecond
	return llm.Metered(llm.WithRateLimitRetry(base, delay), calc), nil
}

// initCollaborators wires the stage agents to search, research and the
// generator.
func initCollaborators(c *config.Config, gen llm.Generator, calc *cost.Calculator) pipeline.Collaborators {
	jinaOpts := []jina.Option{jina.WithBaseURL(c.Jina.BaseURL)}
	if c.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(c.Jina.SearchBaseURL))
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: c.Search.BreakerThreshold,
		OnStateChange: func(from, to resilience.CircuitState) {
			zap.L().Warn("search circuit state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	search := agent.NewJinaSearcher(jina.NewClient(c.Jina.Key, jinaOpts...), c.Search.RequestsPerSecond, breaker).
		WithFee(calc.JinaSearches(1))

	// Perplexity is optional; without a key the miner relies on search alone.
	var research agent.Researcher
	if c.Perplexity.Key != "" {
		client := perplexity.NewClient(c.Perplexity.Key,
			perplexity.WithBaseURL(c.Perplexity.BaseURL),
			perplexity.WithModel(c.Perplexity.Model),
		)
		research = agent.NewPerplexityResearcher(client, calc.PerplexityQuery())
	} else {
		zap.L().Debug("DECIDEKIT_PERPLEXITY_KEY not set, evidence research fallback disabled")
	}

	return pipeline.Collaborators{
		Seeder: agent.NewSeeder(gen),
		Hunter: agent.NewHunter(gen, search, agent.HunterConfig{
			ResultsPerSeed: c.Search.ResultsPerSeed,
			MaxHits:        c.Search.MaxCandidates,
		}),
		Miner: agent.NewMiner(gen, search, search, research, agent.MinerConfig{
			ResultsPerQuery: c.Search.ResultsPerQuery,
			Templates:       c.Search.EvidenceQueries,
			ReadProductPage: c.Search.ReadProductPage,
		}),
		Synthesizer: agent.NewSynthesizer(gen),
		Justifier:   agent.NewJustifier(gen),
		Judge:       agent.NewJudge(gen),
		Architect:   agent.NewArchitect(gen),
	}
}
