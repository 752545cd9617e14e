package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// chdirTemp moves into an empty temp dir so no stray config.yaml is read.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "decidekit.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.LLM.FastModel)
	assert.Equal(t, 5000, cfg.LLM.RateLimitRetryDelayMs)
	assert.Equal(t, "https://r.jina.ai", cfg.Jina.BaseURL)
	assert.Equal(t, "https://s.jina.ai", cfg.Jina.SearchBaseURL)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.Equal(t, 12, cfg.Search.MaxCandidates)
	assert.True(t, cfg.Search.ReadProductPage)
	assert.InDelta(t, 0.4, cfg.Pipeline.IntentThreshold, 0.001)
	assert.Equal(t, 3, cfg.Pipeline.MinGroundingCandidates)
	assert.Equal(t, 4, cfg.Pipeline.MiningConcurrency)
	assert.Equal(t, 5000, cfg.Pipeline.MaxInputChars)
	assert.Equal(t, 2, cfg.Worker.Workers)
	assert.Equal(t, 64, cfg.Worker.QueueSize)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Contains(t, cfg.Server.AllowedOrigins, "http://localhost:3000")
	assert.InDelta(t, 0.25, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 30, cfg.Monitoring.StallMinutes)
	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.InDelta(t, 0.001, cfg.Pricing.Jina.PerSearch, 1e-9)
	assert.InDelta(t, 0.005, cfg.Pricing.Perplexity.PerQuery, 1e-9)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/decidekit
llm:
  provider: openai
log:
  level: debug
  format: console
server:
  port: 9090
search:
  evidence_queries:
    - "%s reviews"
    - "%s complaints"
pricing:
  models:
    gpt-4o:
      input: 2.5
      output: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/decidekit", cfg.Store.DatabaseURL)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"%s reviews", "%s complaints"}, cfg.Search.EvidenceQueries)
	assert.InDelta(t, 10, cfg.Pricing.Models["gpt-4o"].Output, 1e-9)
	// Defaults still apply for unset values
	assert.Equal(t, 4, cfg.Pipeline.MiningConcurrency)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("DECIDEKIT_STORE_DRIVER", "postgres")
	t.Setenv("DECIDEKIT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("DECIDEKIT_SERVER_PORT", "3000")
	t.Setenv("DECIDEKIT_ANTHROPIC_KEY", "sk-ant")
	t.Setenv("DECIDEKIT_PIPELINE_INTENT_THRESHOLD", "0.55")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sk-ant", cfg.Anthropic.Key)
	assert.InDelta(t, 0.55, cfg.Pipeline.IntentThreshold, 0.001)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config that passes validation in every mode.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.SmartModel = "smart"
	cfg.LLM.FastModel = "fast"
	cfg.Anthropic.Key = "sk-ant"
	cfg.Jina.Key = "jina"
	cfg.Pipeline.IntentThreshold = 0.4
	cfg.Pipeline.MiningConcurrency = 4
	cfg.Worker.Workers = 2
	cfg.Worker.QueueSize = 64
	cfg.Server.Port = 8000
	return cfg
}

func TestValidate_AllPresent(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("analyze"))
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_MissingKeysAggregated(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	cfg.Jina.Key = ""

	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "jina.key is required")
}

func TestValidate_OpenAIProvider(t *testing.T) {
	cfg := validDefaults()
	cfg.LLM.Provider = "openai"

	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai.key is required")

	cfg.OpenAI.Key = "sk"
	assert.NoError(t, cfg.Validate("analyze"))
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.Driver = "mysql"
	err = cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidate_PipelineBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"threshold above one", func(c *Config) { c.Pipeline.IntentThreshold = 1.2 }, "intent_threshold"},
		{"threshold negative", func(c *Config) { c.Pipeline.IntentThreshold = -0.1 }, "intent_threshold"},
		{"no mining workers", func(c *Config) { c.Pipeline.MiningConcurrency = 0 }, "mining_concurrency"},
		{"too many mining workers", func(c *Config) { c.Pipeline.MiningConcurrency = 33 }, "mining_concurrency"},
		{"missing models", func(c *Config) { c.LLM.FastModel = "" }, "llm.smart_model and llm.fast_model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate("analyze")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ServeOnlyChecks(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	cfg.Worker.Workers = 0
	cfg.Monitoring.FailureRateThreshold = 2

	assert.NoError(t, cfg.Validate("analyze"))

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "worker.workers must be >= 1")
	assert.Contains(t, err.Error(), "monitoring.failure_rate_threshold")
}
