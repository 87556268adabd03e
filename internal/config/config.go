// Package config loads gateway configuration from environment variables with
// optional YAML file overrides. Environment wins over file, file wins over
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"codectx/internal/core"
)

// Config is the full gateway configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	Vector       VectorConfig       `yaml:"vector"`
	Graph        GraphConfig        `yaml:"graph"`
	Redis        RedisConfig        `yaml:"redis"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Synthesis    SynthesisConfig    `yaml:"synthesis"`
	Conversation ConversationConfig `yaml:"conversation"`
	Health       HealthConfig       `yaml:"health"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Tuning       TuningConfig       `yaml:"tuning"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// VectorConfig selects the vector store and collection shape.
type VectorConfig struct {
	URL          string        `yaml:"url"`
	Collection   string        `yaml:"collection"`
	EmbeddingDim int           `yaml:"embedding_dim"`
	TopK         int           `yaml:"top_k"`
	Timeout      time.Duration `yaml:"timeout"`
}

// GraphConfig holds graph store credentials.
type GraphConfig struct {
	URI      string        `yaml:"uri"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	MaxDepth int           `yaml:"max_depth"`
	MaxEdges int           `yaml:"max_edges"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RedisConfig enables conversation persistence via the shared cache.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// EmbeddingConfig identifies the embedding providers.
type EmbeddingConfig struct {
	Model        string `yaml:"model"`
	OllamaURL    string `yaml:"ollama_url"`
	HostedURL    string `yaml:"hosted_url"`
	HostedAPIKey string `yaml:"hosted_api_key"`
}

// SynthesisConfig selects and tunes the synthesis providers.
type SynthesisConfig struct {
	Provider    string  `yaml:"provider"` // local | hosted-a | hosted-b
	APIURL      string  `yaml:"api_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	OllamaURL   string  `yaml:"ollama_url"`
	Temperature float64 `yaml:"temperature"`
	Seed        int     `yaml:"seed"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// ConversationConfig caps the clarification loop.
type ConversationConfig struct {
	MaxRounds  int           `yaml:"max_rounds"`
	TTLSeconds int           `yaml:"ttl_seconds"`
	TTL        time.Duration `yaml:"-"`
}

// HealthConfig sets the monitor cadence.
type HealthConfig struct {
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	LatencyBaseline time.Duration `yaml:"latency_baseline"`
	LatencyFactor   float64       `yaml:"latency_factor"`
	HistorySize     int           `yaml:"history_size"`
}

// BreakerConfig tunes the per-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HalfOpenTrials   int           `yaml:"half_open_trials"`
}

// RecoveryConfig bounds automated remediation.
type RecoveryConfig struct {
	Cooldown   time.Duration `yaml:"cooldown"`
	MaxPerHour int           `yaml:"max_per_hour"`
}

// TuningConfig bounds the confidence tuner.
type TuningConfig struct {
	WindowDays   int     `yaml:"window_days"`
	MinSamples   int     `yaml:"min_samples"`
	MaxStep      float64 `yaml:"max_step"`
	LearningRate float64 `yaml:"learning_rate"`
	DeltaBound   float64 `yaml:"delta_bound"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Enabled      bool   `yaml:"enabled"`
}

// Default returns the built-in defaults for every knob.
func Default() *Config {
	return &Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Vector: VectorConfig{
			URL:          "http://localhost:6333",
			Collection:   "code_chunks",
			EmbeddingDim: 768,
			TopK:         20,
			Timeout:      2 * time.Second,
		},
		Graph: GraphConfig{
			URI:      "bolt://localhost:7687",
			User:     "neo4j",
			MaxDepth: 2,
			MaxEdges: 50,
			Timeout:  2 * time.Second,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379",
		},
		Embedding: EmbeddingConfig{
			Model:     "nomic-embed-text",
			OllamaURL: "http://localhost:11434",
		},
		Synthesis: SynthesisConfig{
			Provider:    "local",
			OllamaURL:   "http://localhost:11434",
			Model:       "qwen2.5-coder",
			Temperature: 0.3,
			Seed:        42,
			MaxTokens:   1024,
		},
		Conversation: ConversationConfig{
			MaxRounds:  3,
			TTLSeconds: 3600,
		},
		Health: HealthConfig{
			ProbeInterval:   30 * time.Second,
			LatencyBaseline: 500 * time.Millisecond,
			LatencyFactor:   2.0,
			HistorySize:     50,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			HalfOpenTrials:   1,
		},
		Recovery: RecoveryConfig{
			Cooldown:   60 * time.Second,
			MaxPerHour: 5,
		},
		Tuning: TuningConfig{
			WindowDays:   7,
			MinSamples:   20,
			MaxStep:      0.1,
			LearningRate: 0.5,
			DeltaBound:   0.25,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file named
// by CODECTX_CONFIG (if any), then environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CODECTX_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.Conversation.TTL = time.Duration(cfg.Conversation.TTLSeconds) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.HTTPAddr, "CODECTX_HTTP_ADDR")
	envString(&c.LogLevel, "CODECTX_LOG_LEVEL")

	envString(&c.Vector.URL, "CODECTX_VECTOR_URL")
	envString(&c.Vector.Collection, "CODECTX_VECTOR_COLLECTION")
	envInt(&c.Vector.EmbeddingDim, "CODECTX_EMBEDDING_DIM")
	envInt(&c.Vector.TopK, "CODECTX_VECTOR_TOP_K")
	envDuration(&c.Vector.Timeout, "CODECTX_VECTOR_TIMEOUT")

	envString(&c.Graph.URI, "CODECTX_GRAPH_URI")
	envString(&c.Graph.User, "CODECTX_GRAPH_USER")
	envString(&c.Graph.Password, "CODECTX_GRAPH_PASSWORD")
	envInt(&c.Graph.MaxDepth, "CODECTX_GRAPH_MAX_DEPTH")
	envInt(&c.Graph.MaxEdges, "CODECTX_GRAPH_MAX_EDGES")
	envDuration(&c.Graph.Timeout, "CODECTX_GRAPH_TIMEOUT")

	envString(&c.Redis.URL, "CODECTX_REDIS_URL")

	envString(&c.Embedding.Model, "CODECTX_EMBEDDING_MODEL")
	envString(&c.Embedding.OllamaURL, "CODECTX_OLLAMA_URL")
	envString(&c.Embedding.HostedURL, "CODECTX_EMBEDDING_API_URL")
	envString(&c.Embedding.HostedAPIKey, "CODECTX_EMBEDDING_API_KEY")

	envString(&c.Synthesis.Provider, "CODECTX_SYNTHESIS_PROVIDER")
	envString(&c.Synthesis.APIURL, "CODECTX_SYNTHESIS_API_URL")
	envString(&c.Synthesis.APIKey, "CODECTX_SYNTHESIS_API_KEY")
	envString(&c.Synthesis.Model, "CODECTX_SYNTHESIS_MODEL")
	envString(&c.Synthesis.OllamaURL, "CODECTX_SYNTHESIS_OLLAMA_URL")
	envFloat(&c.Synthesis.Temperature, "CODECTX_SYNTHESIS_TEMPERATURE")
	envInt(&c.Synthesis.Seed, "CODECTX_SYNTHESIS_SEED")
	envInt(&c.Synthesis.MaxTokens, "CODECTX_SYNTHESIS_MAX_TOKENS")

	envInt(&c.Conversation.MaxRounds, "CODECTX_CONVERSATION_MAX_ROUNDS")
	envInt(&c.Conversation.TTLSeconds, "CODECTX_CONVERSATION_TTL_SECONDS")

	envDuration(&c.Health.ProbeInterval, "CODECTX_HEALTH_PROBE_INTERVAL")
	envDuration(&c.Health.LatencyBaseline, "CODECTX_HEALTH_LATENCY_BASELINE")
	envFloat(&c.Health.LatencyFactor, "CODECTX_HEALTH_LATENCY_FACTOR")

	envInt(&c.Breaker.FailureThreshold, "CODECTX_BREAKER_THRESHOLD")
	envDuration(&c.Breaker.ResetTimeout, "CODECTX_BREAKER_RESET_TIMEOUT")
	envInt(&c.Breaker.HalfOpenTrials, "CODECTX_BREAKER_HALF_OPEN_TRIALS")

	envDuration(&c.Recovery.Cooldown, "CODECTX_RECOVERY_COOLDOWN")
	envInt(&c.Recovery.MaxPerHour, "CODECTX_RECOVERY_MAX_PER_HOUR")

	envInt(&c.Tuning.WindowDays, "CODECTX_TUNING_WINDOW_DAYS")
	envInt(&c.Tuning.MinSamples, "CODECTX_TUNING_MIN_SAMPLES")
	envFloat(&c.Tuning.MaxStep, "CODECTX_TUNING_MAX_STEP")
	envFloat(&c.Tuning.LearningRate, "CODECTX_TUNING_LEARNING_RATE")
	envFloat(&c.Tuning.DeltaBound, "CODECTX_TUNING_DELTA_BOUND")

	envString(&c.Telemetry.OTLPEndpoint, "CODECTX_OTLP_ENDPOINT")
	envBool(&c.Telemetry.Enabled, "CODECTX_TRACING_ENABLED")
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Vector.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding dim %d: %w", c.Vector.EmbeddingDim, core.ErrInvalidConfiguration)
	}
	if c.Conversation.MaxRounds < 1 {
		return fmt.Errorf("conversation max rounds %d: %w", c.Conversation.MaxRounds, core.ErrInvalidConfiguration)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker threshold %d: %w", c.Breaker.FailureThreshold, core.ErrInvalidConfiguration)
	}
	if c.Breaker.HalfOpenTrials < 1 {
		return fmt.Errorf("breaker half-open trials %d: %w", c.Breaker.HalfOpenTrials, core.ErrInvalidConfiguration)
	}
	if c.Tuning.MaxStep <= 0 || c.Tuning.MaxStep > 1 {
		return fmt.Errorf("tuning max step %f: %w", c.Tuning.MaxStep, core.ErrInvalidConfiguration)
	}
	switch c.Synthesis.Provider {
	case "local", "hosted-a", "hosted-b":
	default:
		return fmt.Errorf("synthesis provider %q: %w", c.Synthesis.Provider, core.ErrInvalidConfiguration)
	}
	return nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
