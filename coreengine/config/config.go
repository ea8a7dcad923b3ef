// Package config provides the echo runtime configuration.
//
// Config holds only settings. Secrets (API keys) are read from the
// environment by the cmd layer and never stored here.
//
// Sources, in increasing precedence:
//   - DefaultConfig()
//   - a YAML file (LoadFile), which may also carry the character
//   - a map of overrides (ApplyMap), e.g. decoded JSON or CLI flags
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AporiaLabs/echo/coreengine/agents"
	"github.com/AporiaLabs/echo/coreengine/generator"
	"github.com/AporiaLabs/echo/coreengine/llm"
	"github.com/AporiaLabs/echo/coreengine/memory"
	"github.com/AporiaLabs/echo/coreengine/ratelimit"
	"github.com/AporiaLabs/echo/coreengine/typeutil"
)

// Config holds the echo runtime configuration.
type Config struct {
	// Outbound queue
	QueuePacingMS  int `yaml:"queue_pacing_ms" json:"queue_pacing_ms"`
	QueueBackoffMS int `yaml:"queue_backoff_ms" json:"queue_backoff_ms"`

	// Pipeline
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"` // Router logs a warning below this
	MemoryLimit         int     `yaml:"memory_limit" json:"memory_limit"`

	// Post generation
	GenMaxAttempts    int      `yaml:"gen_max_attempts" json:"gen_max_attempts"`
	GenMinLen         int      `yaml:"gen_min_len" json:"gen_min_len"`
	GenMaxLen         int      `yaml:"gen_max_len" json:"gen_max_len"`
	GenFallbackMinLen int      `yaml:"gen_fallback_min_len" json:"gen_fallback_min_len"`
	GenFallbackMaxLen int      `yaml:"gen_fallback_max_len" json:"gen_fallback_max_len"`
	GenBanned         []string `yaml:"gen_banned" json:"gen_banned"`
	GenThemes         []string `yaml:"gen_themes" json:"gen_themes"`

	// LLM
	SmallModel        string `yaml:"small_model" json:"small_model"`
	LargeModel        string `yaml:"large_model" json:"large_model"`
	TextModel         string `yaml:"text_model" json:"text_model"`
	OpenAIBaseURL     string `yaml:"openai_base_url" json:"openai_base_url"`
	OpenRouterBaseURL string `yaml:"openrouter_base_url" json:"openrouter_base_url"`
	LLMTimeoutSeconds int    `yaml:"llm_timeout_seconds" json:"llm_timeout_seconds"`
	LLMMaxRetries     int    `yaml:"llm_max_retries" json:"llm_max_retries"`

	// Memory store
	StoreBackend   string `yaml:"store_backend" json:"store_backend"` // memory | sqlite | redis
	StoreDSN       string `yaml:"store_dsn" json:"store_dsn"`         // sqlite path or redis URL
	StoreNamespace string `yaml:"store_namespace" json:"store_namespace"`

	// Network
	GRPCAddr      string `yaml:"grpc_addr" json:"grpc_addr"`
	WebSocketAddr string `yaml:"websocket_addr" json:"websocket_addr"`
	MetricsAddr   string `yaml:"metrics_addr" json:"metrics_addr"`
	OTLPEndpoint  string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Environment   string `yaml:"environment" json:"environment"`

	TraceSampleRatio float64 `yaml:"trace_sample_ratio" json:"trace_sample_ratio"` // 1 samples every trace

	// Channels
	DryRun              bool   `yaml:"dry_run" json:"dry_run"`
	ChannelRetryLimit   int    `yaml:"channel_retry_limit" json:"channel_retry_limit"`
	PostIntervalMinutes int    `yaml:"post_interval_minutes" json:"post_interval_minutes"` // 0 disables the post loop
	ShouldReply         bool   `yaml:"should_reply" json:"should_reply"`
	BotUserID           string `yaml:"bot_user_id" json:"bot_user_id"`
	RateLimitPerMinute  int    `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"` // per inbound user, 0 disables
	RateLimitPerHour    int    `yaml:"rate_limit_per_hour" json:"rate_limit_per_hour"`

	// Logging
	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"` // json | text

	// Character overrides the built-in persona when set.
	Character *agents.Character `yaml:"character,omitempty" json:"character,omitempty"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	gen := generator.DefaultConfig()
	return &Config{
		QueuePacingMS:  1000,
		QueueBackoffMS: 2000,

		ConfidenceThreshold: 0.7,
		MemoryLimit:         100,

		GenMaxAttempts:    gen.MaxAttempts,
		GenMinLen:         gen.MinLen,
		GenMaxLen:         gen.MaxLen,
		GenFallbackMinLen: gen.FallbackMinLen,
		GenFallbackMaxLen: gen.FallbackMaxLen,
		GenThemes:         gen.Themes,

		SmallModel:        llm.DefaultSmallModel,
		LargeModel:        llm.DefaultLargeModel,
		TextModel:         llm.DefaultTextModel,
		OpenRouterBaseURL: llm.DefaultOpenRouterBaseURL,
		LLMTimeoutSeconds: 60,
		LLMMaxRetries:     2,

		StoreBackend:   memory.BackendMemory,
		StoreNamespace: "echo",

		GRPCAddr:      ":50051",
		WebSocketAddr: ":8081",
		MetricsAddr:   ":9090",
		Environment:   "development",

		TraceSampleRatio: 1,

		ChannelRetryLimit:  3,
		RateLimitPerMinute: 10,
		RateLimitPerHour:   120,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadFile reads a YAML config file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ConfigFromMap creates a Config from a map over the defaults.
// Unknown keys are ignored.
func ConfigFromMap(m map[string]any) *Config {
	c := DefaultConfig()
	c.ApplyMap(m)
	return c
}

// ApplyMap overrides fields present in m. Numbers may arrive as int or
// float64 (decoded JSON).
func (c *Config) ApplyMap(m map[string]any) {
	typeutil.SetInt(m, "queue_pacing_ms", &c.QueuePacingMS)
	typeutil.SetInt(m, "queue_backoff_ms", &c.QueueBackoffMS)
	typeutil.SetFloat64(m, "confidence_threshold", &c.ConfidenceThreshold)
	typeutil.SetInt(m, "memory_limit", &c.MemoryLimit)

	typeutil.SetInt(m, "gen_max_attempts", &c.GenMaxAttempts)
	typeutil.SetInt(m, "gen_min_len", &c.GenMinLen)
	typeutil.SetInt(m, "gen_max_len", &c.GenMaxLen)
	typeutil.SetInt(m, "gen_fallback_min_len", &c.GenFallbackMinLen)
	typeutil.SetInt(m, "gen_fallback_max_len", &c.GenFallbackMaxLen)
	typeutil.SetStringSlice(m, "gen_banned", &c.GenBanned)
	typeutil.SetStringSlice(m, "gen_themes", &c.GenThemes)

	typeutil.SetString(m, "small_model", &c.SmallModel)
	typeutil.SetString(m, "large_model", &c.LargeModel)
	typeutil.SetString(m, "text_model", &c.TextModel)
	typeutil.SetString(m, "openai_base_url", &c.OpenAIBaseURL)
	typeutil.SetString(m, "openrouter_base_url", &c.OpenRouterBaseURL)
	typeutil.SetInt(m, "llm_timeout_seconds", &c.LLMTimeoutSeconds)
	typeutil.SetInt(m, "llm_max_retries", &c.LLMMaxRetries)

	typeutil.SetString(m, "store_backend", &c.StoreBackend)
	typeutil.SetString(m, "store_dsn", &c.StoreDSN)
	typeutil.SetString(m, "store_namespace", &c.StoreNamespace)

	typeutil.SetString(m, "grpc_addr", &c.GRPCAddr)
	typeutil.SetString(m, "websocket_addr", &c.WebSocketAddr)
	typeutil.SetString(m, "metrics_addr", &c.MetricsAddr)
	typeutil.SetString(m, "otlp_endpoint", &c.OTLPEndpoint)
	typeutil.SetString(m, "environment", &c.Environment)
	typeutil.SetFloat64(m, "trace_sample_ratio", &c.TraceSampleRatio)

	typeutil.SetBool(m, "dry_run", &c.DryRun)
	typeutil.SetInt(m, "channel_retry_limit", &c.ChannelRetryLimit)
	typeutil.SetInt(m, "post_interval_minutes", &c.PostIntervalMinutes)
	typeutil.SetBool(m, "should_reply", &c.ShouldReply)
	typeutil.SetString(m, "bot_user_id", &c.BotUserID)
	typeutil.SetInt(m, "rate_limit_per_minute", &c.RateLimitPerMinute)
	typeutil.SetInt(m, "rate_limit_per_hour", &c.RateLimitPerHour)

	typeutil.SetString(m, "log_level", &c.LogLevel)
	typeutil.SetString(m, "log_format", &c.LogFormat)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.QueuePacingMS < 0 || c.QueueBackoffMS < 0 {
		errs = append(errs, errors.New("queue delays must be >= 0"))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold %v outside [0,1]", c.ConfidenceThreshold))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("trace_sample_ratio %v outside [0,1]", c.TraceSampleRatio))
	}
	if c.MemoryLimit < 0 {
		errs = append(errs, errors.New("memory_limit must be >= 0"))
	}
	if c.GenMaxAttempts < 1 {
		errs = append(errs, errors.New("gen_max_attempts must be >= 1"))
	}
	if c.GenMinLen > c.GenMaxLen {
		errs = append(errs, fmt.Errorf("gen_min_len %d > gen_max_len %d", c.GenMinLen, c.GenMaxLen))
	}
	if c.GenFallbackMinLen > c.GenFallbackMaxLen {
		errs = append(errs, fmt.Errorf("gen_fallback_min_len %d > gen_fallback_max_len %d", c.GenFallbackMinLen, c.GenFallbackMaxLen))
	}
	switch c.StoreBackend {
	case memory.BackendMemory:
	case memory.BackendSQLite, memory.BackendRedis:
		if c.StoreDSN == "" {
			errs = append(errs, fmt.Errorf("store_dsn is required for %s", c.StoreBackend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store_backend %q", c.StoreBackend))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	if c.ChannelRetryLimit < 0 || c.PostIntervalMinutes < 0 || c.RateLimitPerMinute < 0 || c.RateLimitPerHour < 0 {
		errs = append(errs, errors.New("channel settings must be >= 0"))
	}
	if c.Character != nil {
		if err := c.Character.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("character: %w", err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// DERIVED SETTINGS
// =============================================================================

func (c *Config) QueuePacing() time.Duration {
	return time.Duration(c.QueuePacingMS) * time.Millisecond
}

func (c *Config) QueueBackoff() time.Duration {
	return time.Duration(c.QueueBackoffMS) * time.Millisecond
}

func (c *Config) PostInterval() time.Duration {
	return time.Duration(c.PostIntervalMinutes) * time.Minute
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// RateLimit returns the inbound per-user limits.
func (c *Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{PerMinute: c.RateLimitPerMinute, PerHour: c.RateLimitPerHour}
}

// GeneratorConfig returns the post generator bounds.
func (c *Config) GeneratorConfig() generator.Config {
	persona := ""
	if c.Character != nil {
		persona = c.Character.Name
	}
	return generator.Config{
		MaxAttempts:    c.GenMaxAttempts,
		MinLen:         c.GenMinLen,
		MaxLen:         c.GenMaxLen,
		FallbackMinLen: c.GenFallbackMinLen,
		FallbackMaxLen: c.GenFallbackMaxLen,
		Banned:         c.GenBanned,
		Themes:         c.GenThemes,
		Model:          c.TextModel,
		Persona:        persona,
	}
}

// CharacterOrDefault returns the configured character or the built-in one.
func (c *Config) CharacterOrDefault() agents.Character {
	if c.Character != nil {
		return *c.Character
	}
	return agents.EchoCharacter()
}
