package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DEFAULT CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	// Queue
	assert.Equal(t, 1000, config.QueuePacingMS)
	assert.Equal(t, 2000, config.QueueBackoffMS)
	assert.Equal(t, time.Second, config.QueuePacing())
	assert.Equal(t, 2*time.Second, config.QueueBackoff())

	// Pipeline
	assert.Equal(t, 0.7, config.ConfidenceThreshold)
	assert.Equal(t, 100, config.MemoryLimit)

	// Generation
	assert.Equal(t, 5, config.GenMaxAttempts)
	assert.Equal(t, 30, config.GenMinLen)
	assert.Equal(t, 280, config.GenMaxLen)
	assert.Equal(t, 140, config.GenFallbackMinLen)
	assert.Equal(t, 240, config.GenFallbackMaxLen)

	// LLM
	assert.Equal(t, "gpt-4o-mini", config.SmallModel)
	assert.Equal(t, "gpt-4o", config.LargeModel)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", config.TextModel)

	// Store & logging
	assert.Equal(t, "memory", config.StoreBackend)
	assert.Equal(t, "info", config.LogLevel)
	assert.Equal(t, "json", config.LogFormat)
	assert.Equal(t, 3, config.ChannelRetryLimit)
	assert.Zero(t, config.PostInterval())
	assert.Equal(t, 10, config.RateLimit().PerMinute)
	assert.Equal(t, 120, config.RateLimit().PerHour)

	assert.NoError(t, config.Validate())
}

// =============================================================================
// MAP TESTS
// =============================================================================

func TestConfigFromMap(t *testing.T) {
	config := ConfigFromMap(map[string]any{
		"queue_pacing_ms":       250,
		"queue_backoff_ms":      float64(500), // JSON numbers
		"confidence_threshold":  0.5,
		"memory_limit":          float64(20),
		"gen_banned":            []any{"hustle", "grind"},
		"gen_themes":            []string{"focus"},
		"store_backend":         "sqlite",
		"store_dsn":             "/tmp/echo.db",
		"dry_run":               true,
		"post_interval_minutes": 240,
		"rate_limit_per_minute": float64(0),
		"unknown_key":           "ignored",
	})

	assert.Equal(t, 250*time.Millisecond, config.QueuePacing())
	assert.Equal(t, 500*time.Millisecond, config.QueueBackoff())
	assert.Equal(t, 0.5, config.ConfidenceThreshold)
	assert.Equal(t, 20, config.MemoryLimit)
	assert.Equal(t, []string{"hustle", "grind"}, config.GenBanned)
	assert.Equal(t, []string{"focus"}, config.GenThemes)
	assert.Equal(t, "sqlite", config.StoreBackend)
	assert.True(t, config.DryRun)
	assert.Equal(t, 4*time.Hour, config.PostInterval())
	assert.Zero(t, config.RateLimit().PerMinute)

	// Untouched keys keep defaults.
	assert.Equal(t, 5, config.GenMaxAttempts)
	assert.NoError(t, config.Validate())
}

func TestConfigFromMapWrongTypesIgnored(t *testing.T) {
	config := ConfigFromMap(map[string]any{
		"memory_limit": "lots",
		"dry_run":      "yes",
		"gen_banned":   []any{"hustle", 7},
	})
	assert.Equal(t, 100, config.MemoryLimit)
	assert.False(t, config.DryRun)
	assert.Empty(t, config.GenBanned)
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"negative pacing", func(c *Config) { c.QueuePacingMS = -1 }, "queue delays"},
		{"threshold above one", func(c *Config) { c.ConfidenceThreshold = 1.2 }, "confidence_threshold"},
		{"sample ratio above one", func(c *Config) { c.TraceSampleRatio = 2 }, "trace_sample_ratio"},
		{"negative memory limit", func(c *Config) { c.MemoryLimit = -5 }, "memory_limit"},
		{"zero attempts", func(c *Config) { c.GenMaxAttempts = 0 }, "gen_max_attempts"},
		{"inverted band", func(c *Config) { c.GenMinLen = 300 }, "gen_min_len"},
		{"inverted fallback", func(c *Config) { c.GenFallbackMinLen = 250 }, "gen_fallback_min_len"},
		{"unknown backend", func(c *Config) { c.StoreBackend = "postgres" }, "unknown store_backend"},
		{"redis without dsn", func(c *Config) { c.StoreBackend = "redis" }, "store_dsn is required"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"negative retries", func(c *Config) { c.ChannelRetryLimit = -1 }, "channel settings"},
		{"negative rate limit", func(c *Config) { c.RateLimitPerHour = -1 }, "channel settings"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	config := DefaultConfig()
	config.MemoryLimit = -1
	config.LogFormat = "xml"

	err := config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory_limit")
	assert.Contains(t, err.Error(), "log_format")
}

// =============================================================================
// FILE TESTS
// =============================================================================

const fileYAML = `
queue_pacing_ms: 1500
confidence_threshold: 0.6
gen_banned: ["grind never stops"]
store_backend: redis
store_dsn: redis://localhost:6379/0
log_format: text
character:
  agent_id: sage
  name: Sage
  system: You are Sage.
  bio: ["Calm mentor."]
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fileYAML), 0o644))

	config, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 1500, config.QueuePacingMS)
	assert.Equal(t, 2000, config.QueueBackoffMS)
	assert.Equal(t, 0.6, config.ConfidenceThreshold)
	assert.Equal(t, "redis", config.StoreBackend)
	assert.Equal(t, "text", config.LogFormat)

	require.NotNil(t, config.Character)
	assert.Equal(t, "sage", config.CharacterOrDefault().AgentID)

	gen := config.GeneratorConfig()
	assert.Equal(t, "Sage", gen.Persona)
	assert.Equal(t, []string{"grind never stops"}, gen.Banned)
	assert.Equal(t, config.TextModel, gen.Model)
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("queue_pacing_ms: [1"), 0o644))
	_, err = LoadFile(bad)
	assert.ErrorContains(t, err, "parse config")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("character:\n  name: NoID\n"), 0o644))
	_, err = LoadFile(invalid)
	assert.ErrorContains(t, err, "agent_id is required")
}

func TestCharacterOrDefault(t *testing.T) {
	assert.Equal(t, "echo", DefaultConfig().CharacterOrDefault().AgentID)
}
