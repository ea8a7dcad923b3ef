package generator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AporiaLabs/echo/coreengine/testutil"
)

func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		MinLen:         10,
		MaxLen:         40,
		FallbackMinLen: 20,
		FallbackMaxLen: 30,
		Banned:         []string{"Grind Never Stops"},
		Themes:         []string{"patience", "craft"},
		Model:          "test-model",
		Persona:        "Echo",
	}
}

const validPost = "Small steps every single day."

func TestGenerateForcedFallbackAfterAllRejected(t *testing.T) {
	llm := testutil.NewMockTextGenerator("too short", "too short", "too short", "forced output")
	logger := testutil.NewMockLogger()
	gen := New(llm, testConfig(), logger)

	result, err := gen.Generate(context.Background(), "<CONTEXT>ctx</CONTEXT>")
	require.NoError(t, err)

	// N attempts plus exactly one fallback.
	assert.Equal(t, 4, llm.GetCallCount())
	assert.Equal(t, 4, result.Calls())
	assert.True(t, result.Forced)
	assert.Equal(t, "forced output", result.Text)
	assert.Len(t, result.Attempts, 3)
	for _, a := range result.Attempts {
		assert.False(t, a.Valid)
	}

	calls := llm.GetCalls()
	fallback := calls[3].Prompt
	assert.Contains(t, fallback, "Grind Never Stops")
	assert.Contains(t, fallback, "20-30 chars")
	assert.NotContains(t, fallback, "Nonce:")
	assert.True(t, logger.HasLog("warn", "generation_forced"))
}

func TestGenerateForcedOutputAcceptedUnconditionally(t *testing.T) {
	llm := testutil.NewMockTextGenerator("x", "x", "x", "  `grind never stops`  ")
	gen := New(llm, testConfig(), nil)

	result, err := gen.Generate(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Forced)
	assert.Equal(t, "grind never stops", result.Text)
}

func TestGenerateStopsAtFirstValid(t *testing.T) {
	llm := testutil.NewMockTextGenerator("nope", `"`+validPost+`"`, "never requested")
	gen := New(llm, testConfig(), nil)

	result, err := gen.Generate(context.Background(), "base")
	require.NoError(t, err)

	assert.Equal(t, 2, llm.GetCallCount())
	assert.False(t, result.Forced)
	assert.Equal(t, validPost, result.Text)
	require.Len(t, result.Attempts, 2)
	assert.False(t, result.Attempts[0].Valid)
	assert.True(t, result.Attempts[1].Valid)
}

func TestGenerateRejectsBannedCaseInsensitive(t *testing.T) {
	llm := testutil.NewMockTextGenerator("the GRIND never stops, friends", validPost)
	gen := New(llm, testConfig(), nil)

	result, err := gen.Generate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, llm.GetCallCount())
	assert.Equal(t, validPost, result.Text)
}

func TestGenerateAbortsOnUpstreamError(t *testing.T) {
	upstream := errors.New("openrouter status 401")

	t.Run("during attempts", func(t *testing.T) {
		llm := testutil.NewMockTextGenerator().WithError(upstream)
		_, err := New(llm, testConfig(), nil).Generate(context.Background(), "")
		assert.ErrorIs(t, err, upstream)
		assert.Equal(t, 1, llm.GetCallCount())
	})

	t.Run("during fallback", func(t *testing.T) {
		llm := testutil.NewMockTextGenerator()
		llm.GenerateFunc = func(ctx context.Context, prompt, model string) (string, error) {
			if strings.Contains(prompt, "Nonce:") {
				return "bad", nil
			}
			return "", upstream
		}
		result, err := New(llm, testConfig(), nil).Generate(context.Background(), "")
		assert.ErrorIs(t, err, upstream)
		assert.Contains(t, err.Error(), "fallback generation")
		assert.False(t, result.Forced)
		assert.Equal(t, 4, llm.GetCallCount())
	})
}

func TestAttemptPromptContents(t *testing.T) {
	llm := testutil.NewMockTextGenerator(validPost)
	gen := New(llm, testConfig(), nil)
	gen.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	gen.pick = func(n int) int { return n - 1 }

	_, err := gen.Generate(context.Background(), "<CONTEXT>history</CONTEXT>")
	require.NoError(t, err)

	call := llm.GetCalls()[0]
	assert.Equal(t, "test-model", call.Model)
	assert.True(t, strings.HasPrefix(call.Prompt, "<CONTEXT>history</CONTEXT>"))
	assert.Contains(t, call.Prompt, "in Echo's voice")
	assert.Contains(t, call.Prompt, "Theme: craft.")
	assert.Contains(t, call.Prompt, "Timestamp: 2025-03-01T12:00:00Z")
	assert.Contains(t, call.Prompt, "Between 10 and 40 characters")
}

func TestAttemptPromptsCarryFreshNonce(t *testing.T) {
	llm := testutil.NewMockTextGenerator("a", "b", "c", "d")
	_, err := New(llm, testConfig(), nil).Generate(context.Background(), "")
	require.NoError(t, err)

	calls := llm.GetCalls()
	nonce := func(p string) string {
		i := strings.Index(p, "Nonce: ")
		require.GreaterOrEqual(t, i, 0)
		return p[i:]
	}
	assert.NotEqual(t, nonce(calls[0].Prompt), nonce(calls[1].Prompt))
}

func TestValid(t *testing.T) {
	gen := New(nil, testConfig(), nil)

	tests := []struct {
		name      string
		candidate string
		want      bool
	}{
		{"in range", validPost, true},
		{"lower bound", strings.Repeat("a", 10), true},
		{"upper bound", strings.Repeat("a", 40), true},
		{"too short", strings.Repeat("a", 9), false},
		{"too long", strings.Repeat("a", 41), false},
		{"runes not bytes", strings.Repeat("é", 40), true},
		{"banned", "grind never stops today", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gen.Valid(tt.candidate))
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`  "hello"  `, "hello"},
		{"'quoted'", "quoted"},
		{"```code```", "code"},
		{`"'mixed'"`, "mixed"},
		{`it's fine`, "it's fine"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), "input %q", tt.in)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	gen := New(nil, Config{}, nil)
	cfg := gen.Config()
	def := DefaultConfig()

	assert.Equal(t, def.MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, def.MinLen, cfg.MinLen)
	assert.Equal(t, def.MaxLen, cfg.MaxLen)
	assert.Equal(t, def.FallbackMinLen, cfg.FallbackMinLen)
	assert.Equal(t, def.FallbackMaxLen, cfg.FallbackMaxLen)
	assert.Equal(t, def.Themes, cfg.Themes)
	assert.Equal(t, def.Model, cfg.Model)
}
