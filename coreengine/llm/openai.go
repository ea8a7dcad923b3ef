package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AporiaLabs/echo/coreengine/logging"
	"github.com/AporiaLabs/echo/coreengine/observability"
)

var tracer = observability.Tracer("llm")

// Default models per size class.
const (
	DefaultSmallModel = "gpt-4o-mini"
	DefaultLargeModel = "gpt-4o"
)

// OpenAIConfig configures OpenAIClient.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // empty uses the SDK default
	SmallModel string
	LargeModel string
	MaxRetries int
	Timeout    time.Duration
}

// OpenAIClient implements Classifier with OpenAI structured outputs.
type OpenAIClient struct {
	client openai.Client
	cfg    OpenAIConfig
	logger logging.Logger
}

// NewOpenAIClient creates a client. Missing models fall back to the defaults.
func NewOpenAIClient(cfg OpenAIConfig, logger logging.Logger) *OpenAIClient {
	if cfg.SmallModel == "" {
		cfg.SmallModel = DefaultSmallModel
	}
	if cfg.LargeModel == "" {
		cfg.LargeModel = DefaultLargeModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: logging.OrNop(logger).Bind("provider", "openai"),
	}
}

// ModelFor returns the model configured for size.
func (c *OpenAIClient) ModelFor(size SizeClass) string {
	if size == SizeLarge {
		return c.cfg.LargeModel
	}
	return c.cfg.SmallModel
}

// Classify requests a JSON object matching schema and decodes it into out.
func (c *OpenAIClient) Classify(ctx context.Context, prompt string, schema Schema, size SizeClass, out any) (err error) {
	model := c.ModelFor(size)

	ctx, span := tracer.Start(ctx, "llm.classify", trace.WithAttributes(
		attribute.String("llm.model", model),
		attribute.String("llm.schema", schema.Name),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RecordLLMCall("openai", model, status, int(time.Since(start).Milliseconds()))
	}()

	jsonSchema := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   schema.Name,
		Schema: schema.Definition,
		Strict: openai.Bool(true),
	}
	if schema.Description != "" {
		jsonSchema.Description = openai.String(schema.Description)
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: jsonSchema},
		},
	})
	if err != nil {
		c.logger.Error("llm_call_failed", "model", model, "schema", schema.Name, "error", err.Error())
		return fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return &FormatError{Provider: "openai", Detail: "no choices in response"}
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return &FormatError{Provider: "openai", Detail: "empty message content"}
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return &FormatError{Provider: "openai", Detail: "content does not match schema " + schema.Name, Err: err}
	}

	c.logger.Debug("llm_call_completed", "model", model, "schema", schema.Name)
	return nil
}

// Decide asks a yes/no question using BooleanSchema.
func (c *OpenAIClient) Decide(ctx context.Context, prompt string, size SizeClass) (bool, error) {
	var decision BooleanDecision
	if err := c.Classify(ctx, prompt, BooleanSchema, size, &decision); err != nil {
		return false, err
	}
	c.logger.Debug("llm_boolean_decision", "result", decision.Result, "explanation", decision.Explanation)
	return decision.Result, nil
}

// IsFormatError reports whether err is (or wraps) a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

var _ Classifier = (*OpenAIClient)(nil)
