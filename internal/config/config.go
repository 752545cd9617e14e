package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/decidekit/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LLMConfig selects the generation backend and its model tiers.
type LLMConfig struct {
	Provider              string `yaml:"provider" mapstructure:"provider"`
	SmartModel            string `yaml:"smart_model" mapstructure:"smart_model"`
	FastModel             string `yaml:"fast_model" mapstructure:"fast_model"`
	MaxTokens             int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	RateLimitRetryDelayMs int    `yaml:"rate_limit_retry_delay_ms" mapstructure:"rate_limit_retry_delay_ms"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OpenAIConfig holds settings for OpenAI or an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// JinaConfig holds Jina Reader and Search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// PerplexityConfig holds Perplexity API settings. An empty key disables the
// evidence fallback.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// SearchConfig tunes discovery and evidence searches.
type SearchConfig struct {
	ResultsPerSeed    int     `yaml:"results_per_seed" mapstructure:"results_per_seed"`
	MaxCandidates     int     `yaml:"max_candidates" mapstructure:"max_candidates"`
	ResultsPerQuery   int     `yaml:"results_per_query" mapstructure:"results_per_query"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	ReadProductPage   bool    `yaml:"read_product_page" mapstructure:"read_product_page"`
	// EvidenceQueries overrides the built-in evidence query templates. Each
	// template receives the candidate name through %s.
	EvidenceQueries []string `yaml:"evidence_queries" mapstructure:"evidence_queries"`
	// BreakerThreshold is the consecutive failures that open the search circuit.
	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
}

// PipelineConfig configures the analysis driver and its deterministic gates.
type PipelineConfig struct {
	IntentThreshold        float64 `yaml:"intent_threshold" mapstructure:"intent_threshold"`
	MinGroundingCandidates int     `yaml:"min_grounding_candidates" mapstructure:"min_grounding_candidates"`
	MiningConcurrency      int     `yaml:"mining_concurrency" mapstructure:"mining_concurrency"`
	VocabularyPath         string  `yaml:"vocabulary_path" mapstructure:"vocabulary_path"`
	MaxInputChars          int     `yaml:"max_input_chars" mapstructure:"max_input_chars"`
}

// WorkerConfig sizes the background worker pool.
type WorkerConfig struct {
	Workers   int `yaml:"workers" mapstructure:"workers"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures run health alerts. An empty webhook URL
// disables alert delivery.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	StallMinutes         int     `yaml:"stall_minutes" mapstructure:"stall_minutes"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DECIDEKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "decidekit.db")
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.smart_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.fast_model", "claude-haiku-4-5-20251001")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.rate_limit_retry_delay_ms", 5000)
	v.SetDefault("openai.base_url", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("search.results_per_seed", 4)
	v.SetDefault("search.max_candidates", 12)
	v.SetDefault("search.results_per_query", 4)
	v.SetDefault("search.requests_per_second", 2.0)
	v.SetDefault("search.read_product_page", true)
	v.SetDefault("search.breaker_threshold", 5)
	v.SetDefault("pipeline.intent_threshold", 0.4)
	v.SetDefault("pipeline.min_grounding_candidates", 3)
	v.SetDefault("pipeline.mining_concurrency", 4)
	v.SetDefault("pipeline.max_input_chars", 5000)
	v.SetDefault("worker.workers", 2)
	v.SetDefault("worker.queue_size", 64)
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost:3000",
		"http://localhost:3001",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:3001",
	})
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 50.0)
	v.SetDefault("monitoring.stall_minutes", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("pricing.jina.per_search", 0.001)
	v.SetDefault("pricing.perplexity.per_query", 0.005)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Mode "analyze" checks
// the store and providers used by a run; "serve" additionally checks the
// server and worker settings. All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "analyze", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres (DECIDEKIT_STORE_DATABASE_URL)")
		}
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}

	switch c.LLM.Provider {
	case "anthropic":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required (DECIDEKIT_ANTHROPIC_KEY)")
		}
	case "openai":
		if c.OpenAI.Key == "" {
			errs = append(errs, "openai.key is required (DECIDEKIT_OPENAI_KEY)")
		}
	default:
		errs = append(errs, "llm.provider must be anthropic or openai")
	}
	if c.LLM.SmartModel == "" || c.LLM.FastModel == "" {
		errs = append(errs, "llm.smart_model and llm.fast_model are required")
	}
	if c.Jina.Key == "" {
		errs = append(errs, "jina.key is required (DECIDEKIT_JINA_KEY)")
	}
	if c.Pipeline.IntentThreshold < 0 || c.Pipeline.IntentThreshold > 1 {
		errs = append(errs, "pipeline.intent_threshold must be between 0 and 1")
	}
	if c.Pipeline.MiningConcurrency < 1 || c.Pipeline.MiningConcurrency > 32 {
		errs = append(errs, "pipeline.mining_concurrency must be between 1 and 32")
	}

	if mode == "serve" {
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Worker.Workers < 1 {
			errs = append(errs, "worker.workers must be >= 1")
		}
		if c.Worker.QueueSize < 1 {
			errs = append(errs, "worker.queue_size must be >= 1")
		}
		if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
			errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
