package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AporiaLabs/echo/coreengine/logging"
	"github.com/AporiaLabs/echo/coreengine/observability"
)

// DefaultOpenRouterBaseURL is the public OpenRouter API root.
const DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// DefaultTextModel is used when GenerateText gets no model.
const DefaultTextModel = "anthropic/claude-3.5-sonnet"

// OpenRouterConfig configures OpenRouterClient.
type OpenRouterConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration

	// Retry policy for transport errors, 429 and 5xx. Other 4xx and
	// malformed bodies are not retried.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// OpenRouterClient implements TextGenerator over the OpenRouter
// chat completions endpoint.
type OpenRouterClient struct {
	cfg    OpenRouterConfig
	hc     *http.Client
	logger logging.Logger
}

// NewOpenRouterClient creates a client with defaults for unset fields.
func NewOpenRouterClient(cfg OpenRouterConfig, logger logging.Logger) *OpenRouterClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenRouterBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultTextModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = 30 * time.Second
	}

	return &OpenRouterClient{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.Timeout},
		logger: logging.OrNop(logger).Bind("provider", "openrouter"),
	}
}

func (c *OpenRouterClient) backoff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.InitialInterval
	expo.MaxInterval = c.cfg.MaxInterval
	expo.MaxElapsedTime = c.cfg.MaxElapsedTime
	return backoff.WithContext(expo, ctx)
}

// GenerateText sends prompt as a single user message and returns the
// assistant content.
func (c *OpenRouterClient) GenerateText(ctx context.Context, prompt, model string) (text string, err error) {
	if model == "" {
		model = c.cfg.DefaultModel
	}

	ctx, span := tracer.Start(ctx, "llm.generate_text", trace.WithAttributes(attribute.String("llm.model", model)))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RecordLLMCall("openrouter", model, status, int(time.Since(start).Milliseconds()))
	}()

	body, err := json.Marshal(map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/chat/completions"
	var raw []byte
	op := func() error {
		// A new request per attempt; bodies are consumed.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			c.logger.Warn("llm_rate_limited", "model", model, "status", resp.StatusCode)
			return fmt.Errorf("rate limited: %d", resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			c.logger.Warn("llm_client_error", "model", model, "status", resp.StatusCode, "body", snippet(data, 512))
			return backoff.Permanent(fmt.Errorf("openrouter status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			c.logger.Error("llm_server_error", "model", model, "status", resp.StatusCode, "body", snippet(data, 512))
			return fmt.Errorf("openrouter status %d", resp.StatusCode)
		}

		raw = data
		return nil
	}

	if err := backoff.Retry(op, c.backoff(ctx)); err != nil {
		return "", fmt.Errorf("openrouter request failed: %w", err)
	}

	if !gjson.ValidBytes(raw) {
		return "", &FormatError{Provider: "openrouter", Detail: "response is not JSON"}
	}
	content := gjson.GetBytes(raw, "choices.0.message.content")
	if !content.Exists() || content.Type != gjson.String {
		return "", &FormatError{Provider: "openrouter", Detail: "missing choices[0].message.content"}
	}

	c.logger.Debug("llm_call_completed", "model", model, "chars", len(content.String()))
	return content.String(), nil
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// errNoGenerator is returned by a nil TextGeneratorFunc.
var errNoGenerator = errors.New("no text generator configured")

// TextGeneratorFunc adapts a function to TextGenerator.
type TextGeneratorFunc func(ctx context.Context, prompt, model string) (string, error)

func (f TextGeneratorFunc) GenerateText(ctx context.Context, prompt, model string) (string, error) {
	if f == nil {
		return "", errNoGenerator
	}
	return f(ctx, prompt, model)
}

var _ TextGenerator = (*OpenRouterClient)(nil)
