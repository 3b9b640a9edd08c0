// Package config loads the ragflow configuration from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/rag"
)

// Config is the root configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Vector    VectorConfig    `yaml:"vector"`
	Provider  ProviderConfig  `yaml:"provider"`
	Engine    EngineConfig    `yaml:"engine"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Query     QueryConfig     `yaml:"query"`
	HTTP      HTTPConfig      `yaml:"http"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// StoreConfig selects the run store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// VectorConfig selects the vector store.
type VectorConfig struct {
	Driver     string `yaml:"driver"` // memory, qdrant or pgvector
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
}

// ProviderConfig selects the embedding and generation backends.
type ProviderConfig struct {
	Embed      string `yaml:"embed"`    // ollama or openai
	Generate   string `yaml:"generate"` // ollama or openai
	Dimensions int    `yaml:"dimensions"`
	// RequestsPerSecond paces calls to either backend. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	OllamaURL           string `yaml:"ollama_url"`
	OllamaEmbedModel    string `yaml:"ollama_embed_model"`
	OllamaGenerateModel string `yaml:"ollama_generate_model"`

	OpenAIAPIKey        string `yaml:"openai_api_key"`
	OpenAIBaseURL       string `yaml:"openai_base_url"`
	OpenAIEmbedModel    string `yaml:"openai_embed_model"`
	OpenAIGenerateModel string `yaml:"openai_generate_model"`
}

// EngineConfig tunes the worker.
type EngineConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	StepTimeout       time.Duration `yaml:"step_timeout"`
	Retry             RetryConfig   `yaml:"retry"`
}

// RetryConfig mirrors ragflow.RetryPolicy.
type RetryConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// WindowConfig is a limit per period. A zero limit disables the window.
type WindowConfig struct {
	Limit  int           `yaml:"limit"`
	Period time.Duration `yaml:"period"`
}

// IngestConfig tunes document ingestion.
type IngestConfig struct {
	ChunkSize    int          `yaml:"chunk_size"`
	ChunkOverlap int          `yaml:"chunk_overlap"`
	BatchSize    int          `yaml:"batch_size"`
	RateLimit    WindowConfig `yaml:"rate_limit"`
	Throttle     WindowConfig `yaml:"throttle"`
}

// QueryConfig tunes answer generation.
type QueryConfig struct {
	Temperature float64      `yaml:"temperature"`
	MaxTokens   int          `yaml:"max_tokens"`
	Throttle    WindowConfig `yaml:"throttle"`
}

// HTTPConfig configures the event ingress server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP export. An empty endpoint disables export.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Store:  StoreConfig{Driver: "sqlite", DSN: "ragflow.db"},
		Vector: VectorConfig{Driver: "memory", Collection: "ragflow_chunks"},
		Provider: ProviderConfig{
			Embed:               "ollama",
			Generate:            "ollama",
			Dimensions:          768,
			OllamaURL:           "http://localhost:11434",
			OllamaEmbedModel:    "nomic-embed-text",
			OllamaGenerateModel: "llama3.2",
			OpenAIEmbedModel:    "text-embedding-3-small",
			OpenAIGenerateModel: "gpt-4o-mini",
		},
		Engine: EngineConfig{
			PollInterval:      time.Second,
			LeaseDuration:     30 * time.Second,
			MaxConcurrentRuns: 16,
			StepTimeout:       5 * time.Minute,
			Retry: RetryConfig{
				BaseDelay:   ragflow.DefaultRetryPolicy.BaseDelay,
				MaxDelay:    ragflow.DefaultRetryPolicy.MaxDelay,
				MaxAttempts: ragflow.DefaultRetryPolicy.MaxAttempts,
			},
		},
		Ingest: IngestConfig{
			ChunkSize:    rag.DefaultChunkSize,
			ChunkOverlap: rag.DefaultChunkOverlap,
			BatchSize:    rag.DefaultBatchSize,
			RateLimit:    WindowConfig{Limit: 1, Period: 4 * time.Hour},
			Throttle:     WindowConfig{Limit: 2, Period: time.Minute},
		},
		Query: QueryConfig{
			Temperature: rag.DefaultTemperature,
			MaxTokens:   rag.DefaultMaxTokens,
		},
		HTTP:      HTTPConfig{Addr: ":8288"},
		Telemetry: TelemetryConfig{ServiceName: "ragflow"},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envStr(&c.Store.Driver, "RAGFLOW_STORE_DRIVER")
	envStr(&c.Store.DSN, "DATABASE_URL")
	envStr(&c.Store.DSN, "RAGFLOW_STORE_DSN")

	envStr(&c.Vector.Driver, "RAGFLOW_VECTOR_DRIVER")
	envStr(&c.Vector.URL, "QDRANT_URL")
	envStr(&c.Vector.APIKey, "QDRANT_API_KEY")
	envStr(&c.Vector.Collection, "RAGFLOW_VECTOR_COLLECTION")

	envStr(&c.Provider.Embed, "RAGFLOW_EMBED_PROVIDER")
	envStr(&c.Provider.Generate, "RAGFLOW_GENERATE_PROVIDER")
	envStr(&c.Provider.OllamaURL, "OLLAMA_BASE_URL")
	envStr(&c.Provider.OllamaEmbedModel, "OLLAMA_EMBED_MODEL")
	envStr(&c.Provider.OllamaGenerateModel, "OLLAMA_MODEL")
	envStr(&c.Provider.OpenAIAPIKey, "OPENAI_API_KEY")
	envStr(&c.Provider.OpenAIBaseURL, "OPENAI_BASE_URL")

	envStr(&c.HTTP.Addr, "RAGFLOW_HTTP_ADDR")
	envStr(&c.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	envStr(&c.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
	envStr(&c.Log.Level, "RAGFLOW_LOG_LEVEL")

	return errors.Join(
		envInt(&c.Provider.Dimensions, "RAGFLOW_EMBED_DIMENSIONS"),
		envInt(&c.Engine.MaxConcurrentRuns, "RAGFLOW_MAX_CONCURRENT_RUNS"),
		envDuration(&c.Engine.PollInterval, "RAGFLOW_POLL_INTERVAL"),
		envDuration(&c.Engine.StepTimeout, "RAGFLOW_STEP_TIMEOUT"),
	)
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(oneOf(c.Store.Driver, "memory", "sqlite", "postgres"), "unknown store driver %q", c.Store.Driver)
	check(c.Store.Driver == "memory" || c.Store.DSN != "", "store.dsn is required for %s", c.Store.Driver)
	check(oneOf(c.Vector.Driver, "memory", "qdrant", "pgvector"), "unknown vector driver %q", c.Vector.Driver)
	check(c.Vector.Driver != "qdrant" || c.Vector.URL != "", "vector.url is required for qdrant")
	check(c.Vector.Driver != "pgvector" || c.Store.Driver == "postgres", "vector driver pgvector requires the postgres store")
	check(oneOf(c.Provider.Embed, "ollama", "openai"), "unknown embed provider %q", c.Provider.Embed)
	check(oneOf(c.Provider.Generate, "ollama", "openai"), "unknown generate provider %q", c.Provider.Generate)
	check(c.Provider.Dimensions > 0, "provider.dimensions must be positive")
	check(c.Engine.MaxConcurrentRuns > 0, "engine.max_concurrent_runs must be positive")
	check(c.Engine.PollInterval > 0, "engine.poll_interval must be positive")
	check(c.Engine.Retry.MaxAttempts > 0, "engine.retry.max_attempts must be positive")
	check(c.Ingest.BatchSize > 0, "ingest.batch_size must be positive")
	check(c.Query.MaxTokens > 0, "query.max_tokens must be positive")
	if err := c.Chunker().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: ingest: %w", err))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.Level)
	}
	return level, nil
}

// RetryPolicy returns the engine retry policy.
func (c Config) RetryPolicy() ragflow.RetryPolicy {
	return ragflow.RetryPolicy{
		BaseDelay:   c.Engine.Retry.BaseDelay,
		MaxDelay:    c.Engine.Retry.MaxDelay,
		MaxAttempts: c.Engine.Retry.MaxAttempts,
	}
}

// Chunker returns the configured chunker.
func (c Config) Chunker() rag.Chunker {
	return rag.Chunker{Size: c.Ingest.ChunkSize, Overlap: c.Ingest.ChunkOverlap}
}

// IngestFunctionConfig converts the ingest section for rag.NewIngestFunction.
func (c Config) IngestFunctionConfig() rag.IngestConfig {
	retry := c.RetryPolicy()
	cfg := rag.IngestConfig{
		Chunker:     c.Chunker(),
		BatchSize:   c.Ingest.BatchSize,
		Retry:       &retry,
		StepTimeout: c.Engine.StepTimeout,
	}
	if w := c.Ingest.RateLimit; w.Limit > 0 {
		cfg.RateLimit = &ragflow.RateLimit{Key: "source_id", Limit: w.Limit, Period: w.Period}
	}
	if w := c.Ingest.Throttle; w.Limit > 0 {
		cfg.Throttle = &ragflow.Throttle{Limit: w.Limit, Period: w.Period}
	}
	return cfg
}

// QueryFunctionConfig converts the query section for rag.NewQueryFunction.
func (c Config) QueryFunctionConfig() rag.QueryConfig {
	retry := c.RetryPolicy()
	cfg := rag.QueryConfig{
		Temperature: c.Query.Temperature,
		MaxTokens:   c.Query.MaxTokens,
		Retry:       &retry,
		StepTimeout: c.Engine.StepTimeout,
	}
	if w := c.Query.Throttle; w.Limit > 0 {
		cfg.Throttle = &ragflow.Throttle{Limit: w.Limit, Period: w.Period}
	}
	return cfg
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
