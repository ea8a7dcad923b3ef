// Package generator implements bounded-retry content generation: ask the
// text model for a candidate, sanitize it, validate it, and retry a fixed
// number of times before one forced fallback prompt whose output is
// accepted unconditionally.
package generator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AporiaLabs/echo/coreengine/llm"
	"github.com/AporiaLabs/echo/coreengine/logging"
	"github.com/AporiaLabs/echo/coreengine/observability"
)

var tracer = observability.Tracer("generator")

// Attempt outcomes, used as the metrics label.
const (
	OutcomeValid    = "valid"
	OutcomeRejected = "rejected"
	OutcomeForced   = "forced"
)

// Config bounds a generation run.
type Config struct {
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
	MinLen         int      `json:"min_len" yaml:"min_len"`
	MaxLen         int      `json:"max_len" yaml:"max_len"`
	FallbackMinLen int      `json:"fallback_min_len" yaml:"fallback_min_len"`
	FallbackMaxLen int      `json:"fallback_max_len" yaml:"fallback_max_len"`
	Banned         []string `json:"banned" yaml:"banned"`
	Themes         []string `json:"themes" yaml:"themes"`
	Model          string   `json:"model" yaml:"model"`
	// Persona names the voice used in prompts.
	Persona string `json:"persona" yaml:"persona"`
}

// DefaultConfig returns the standard post bounds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		MinLen:         30,
		MaxLen:         280,
		FallbackMinLen: 140,
		FallbackMaxLen: 240,
		Themes:         []string{"discipline", "daily practice", "curiosity", "craft", "patience"},
		Model:          llm.DefaultTextModel,
	}
}

// Attempt is one candidate produced during a run.
type Attempt struct {
	Index     int
	Candidate string
	Valid     bool
}

// Result is the accepted output of a run.
type Result struct {
	Text     string
	Attempts []Attempt
	// Forced is set when the fallback prompt produced Text.
	Forced bool
}

// Calls returns how many generator calls produced this result.
func (r Result) Calls() int {
	n := len(r.Attempts)
	if r.Forced {
		n++
	}
	return n
}

// Generator runs the bounded retry loop against a TextGenerator.
type Generator struct {
	llm    llm.TextGenerator
	cfg    Config
	logger logging.Logger
	now    func() time.Time
	pick   func(n int) int
}

// New creates a Generator. Zero-valued bounds fall back to DefaultConfig.
func New(textGen llm.TextGenerator, cfg Config, logger logging.Logger) *Generator {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MinLen <= 0 {
		cfg.MinLen = def.MinLen
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = def.MaxLen
	}
	if cfg.FallbackMinLen <= 0 {
		cfg.FallbackMinLen = def.FallbackMinLen
	}
	if cfg.FallbackMaxLen <= 0 {
		cfg.FallbackMaxLen = def.FallbackMaxLen
	}
	if len(cfg.Themes) == 0 {
		cfg.Themes = def.Themes
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	return &Generator{
		llm:    textGen,
		cfg:    cfg,
		logger: logging.OrNop(logger).Bind("component", "generator"),
		now:    time.Now,
		pick:   rand.IntN,
	}
}

// Config returns the effective configuration.
func (g *Generator) Config() Config {
	return g.cfg
}

// Generate produces one accepted text for basePrompt. Upstream errors abort
// the run without further attempts.
func (g *Generator) Generate(ctx context.Context, basePrompt string) (Result, error) {
	ctx, span := tracer.Start(ctx, "generator.generate", trace.WithAttributes(
		attribute.Int("generator.max_attempts", g.cfg.MaxAttempts),
	))
	defer span.End()

	var result Result
	timestamp := g.now().UTC().Format(time.RFC3339)

	for i := 0; i < g.cfg.MaxAttempts; i++ {
		raw, err := g.llm.GenerateText(ctx, g.attemptPrompt(basePrompt, timestamp), g.cfg.Model)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, fmt.Errorf("generation attempt %d: %w", i+1, err)
		}

		candidate := Sanitize(raw)
		valid := g.Valid(candidate)
		result.Attempts = append(result.Attempts, Attempt{Index: i, Candidate: candidate, Valid: valid})

		if valid {
			observability.RecordGenerationAttempt(OutcomeValid)
			result.Text = candidate
			span.SetAttributes(attribute.Int("generator.attempts", i+1))
			g.logger.Debug("generation_accepted", "attempt", i+1, "length", utf8.RuneCountInString(candidate))
			return result, nil
		}

		observability.RecordGenerationAttempt(OutcomeRejected)
		g.logger.Warn("generation_rejected",
			"attempt", i+1,
			"length", utf8.RuneCountInString(candidate),
			"banned", g.containsBanned(candidate),
		)
	}

	raw, err := g.llm.GenerateText(ctx, g.FallbackPrompt(), g.cfg.Model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("fallback generation: %w", err)
	}

	observability.RecordGenerationAttempt(OutcomeForced)
	result.Text = Sanitize(raw)
	result.Forced = true
	span.SetAttributes(
		attribute.Int("generator.attempts", g.cfg.MaxAttempts),
		attribute.Bool("generator.forced", true),
	)
	g.logger.Warn("generation_forced", "attempts", g.cfg.MaxAttempts)
	return result, nil
}

// Valid reports whether candidate is within bounds and free of banned phrases.
func (g *Generator) Valid(candidate string) bool {
	n := utf8.RuneCountInString(candidate)
	if n < g.cfg.MinLen || n > g.cfg.MaxLen {
		return false
	}
	return !g.containsBanned(candidate)
}

func (g *Generator) containsBanned(candidate string) bool {
	lower := strings.ToLower(candidate)
	for _, phrase := range g.cfg.Banned {
		p := strings.ToLower(strings.TrimSpace(phrase))
		if p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func (g *Generator) attemptPrompt(basePrompt, timestamp string) string {
	theme := g.cfg.Themes[g.pick(len(g.cfg.Themes))]

	var b strings.Builder
	if basePrompt != "" {
		b.WriteString(basePrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("<SYSTEM>\n")
	fmt.Fprintf(&b, "Generate ONE original post%s.\n", g.voice())
	b.WriteString("Constraints:\n")
	fmt.Fprintf(&b, "- Between %d and %d characters.\n", g.cfg.MinLen, g.cfg.MaxLen)
	fmt.Fprintf(&b, "- Theme: %s.\n", theme)
	b.WriteString("- Only the post text, no quotes or hashtags.\n")
	if len(g.cfg.Banned) > 0 {
		fmt.Fprintf(&b, "- Do not use: %s.\n", strings.Join(g.cfg.Banned, ", "))
	}
	fmt.Fprintf(&b, "Timestamp: %s\n", timestamp)
	fmt.Fprintf(&b, "Nonce: %s\n", uuid.NewString())
	b.WriteString("</SYSTEM>")
	return b.String()
}

// FallbackPrompt is the single forced prompt sent after every attempt failed.
func (g *Generator) FallbackPrompt() string {
	var b strings.Builder
	b.WriteString("<SYSTEM>\n")
	fmt.Fprintf(&b, "Write a single, fresh post%s about %s.\n", g.voice(), g.cfg.Themes[0])
	if len(g.cfg.Banned) > 0 {
		fmt.Fprintf(&b, "Do NOT use any of these phrases: %s.\n", strings.Join(g.cfg.Banned, ", "))
	}
	fmt.Fprintf(&b, "%d-%d chars. Only the post text.\n", g.cfg.FallbackMinLen, g.cfg.FallbackMaxLen)
	b.WriteString("</SYSTEM>")
	return b.String()
}

func (g *Generator) voice() string {
	if g.cfg.Persona == "" {
		return ""
	}
	return " in " + g.cfg.Persona + "'s voice"
}

// Sanitize trims whitespace and strips wrapping quotes and backticks.
func Sanitize(s string) string {
	return strings.Trim(strings.TrimSpace(s), "\"'`")
}
