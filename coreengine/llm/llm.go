// Package llm defines the LLM collaborators used by routing and generation,
// plus provider clients: OpenAI for structured (JSON schema) calls and
// OpenRouter for free text.
package llm

import (
	"context"
	"fmt"
)

// SizeClass picks the model tier for a structured call.
type SizeClass string

const (
	SizeSmall SizeClass = "small"
	SizeLarge SizeClass = "large"
)

// Schema describes the JSON object a structured call must return.
type Schema struct {
	Name        string
	Description string
	Definition  map[string]any
}

// Classifier returns structured decisions from an LLM.
type Classifier interface {
	// Classify decodes a schema-conforming object into out.
	Classify(ctx context.Context, prompt string, schema Schema, size SizeClass, out any) error
	// Decide asks a yes/no question.
	Decide(ctx context.Context, prompt string, size SizeClass) (bool, error)
}

// TextGenerator returns free text from an LLM.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt, model string) (string, error)
}

// FormatError reports an upstream response that could not be parsed into
// the expected shape.
type FormatError struct {
	Provider string
	Detail   string
	Err      error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("invalid response format from %s: %s", e.Provider, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// BooleanSchema is the schema Decide requests.
var BooleanSchema = Schema{
	Name:        "boolean_decision",
	Description: "A yes/no decision with a short explanation",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"result":      map[string]any{"type": "boolean"},
			"explanation": map[string]any{"type": "string"},
		},
		"required":             []string{"result", "explanation"},
		"additionalProperties": false,
	},
}

// BooleanDecision is the decoded BooleanSchema object.
type BooleanDecision struct {
	Result      bool   `json:"result"`
	Explanation string `json:"explanation"`
}
