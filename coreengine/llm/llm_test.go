package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// OPENROUTER
// =============================================================================

func newOpenRouter(url string) *OpenRouterClient {
	return NewOpenRouterClient(OpenRouterConfig{
		APIKey:          "test-key",
		BaseURL:         url,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  500 * time.Millisecond,
	}, nil)
}

func TestOpenRouter_GenerateText(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &gotBody))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"Specifics. What are your metrics?"}}]}`)
	}))
	defer server.Close()

	text, err := newOpenRouter(server.URL+"/").GenerateText(context.Background(), "How can I grow?", "")

	require.NoError(t, err)
	assert.Equal(t, "Specifics. What are your metrics?", text)
	assert.Equal(t, DefaultTextModel, gotBody["model"])
	messages := gotBody["messages"].([]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "How can I grow?", messages[0].(map[string]any)["content"])
}

func TestOpenRouter_MissingContentIsFormatError(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no choices", `{"choices":[]}`},
		{"null content", `{"choices":[{"message":{"content":null}}]}`},
		{"not json", `<html>gateway</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			_, err := newOpenRouter(server.URL).GenerateText(context.Background(), "p", "m")

			require.Error(t, err)
			var fe *FormatError
			assert.True(t, errors.As(err, &fe))
			assert.True(t, IsFormatError(err))
			assert.Equal(t, int32(1), calls.Load(), "format errors are not retried")
		})
	}
}

func TestOpenRouter_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	text, err := newOpenRouter(server.URL).GenerateText(context.Background(), "p", "m")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenRouter_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"bad key"}`)
	}))
	defer server.Close()

	_, err := newOpenRouter(server.URL).GenerateText(context.Background(), "p", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openrouter status 401")
	assert.False(t, IsFormatError(err))
	assert.Equal(t, int32(1), calls.Load())
}

// =============================================================================
// OPENAI
// =============================================================================

func chatCompletion(content string) string {
	resp := map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o",
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func newOpenAIServer(t *testing.T, content string, gotModel *string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))
		if gotModel != nil {
			*gotModel, _ = body["model"].(string)
		}
		format := body["response_format"].(map[string]any)
		assert.Equal(t, "json_schema", format["type"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, chatCompletion(content))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenAI_ClassifyDecodesSchema(t *testing.T) {
	var model string
	server := newOpenAIServer(t, `{"selectedRoute":"conversation","confidence":0.9,"reasoning":"greeting"}`, &model)
	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL + "/"}, nil)

	var out struct {
		SelectedRoute string  `json:"selectedRoute"`
		Confidence    float64 `json:"confidence"`
	}
	err := client.Classify(context.Background(), "route this", Schema{Name: "route", Definition: map[string]any{"type": "object"}}, SizeLarge, &out)

	require.NoError(t, err)
	assert.Equal(t, "conversation", out.SelectedRoute)
	assert.Equal(t, 0.9, out.Confidence)
	assert.Equal(t, DefaultLargeModel, model)
}

func TestOpenAI_ClassifyMalformedContent(t *testing.T) {
	server := newOpenAIServer(t, `not json at all`, nil)
	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL + "/"}, nil)

	var out map[string]any
	err := client.Classify(context.Background(), "p", Schema{Name: "route"}, SizeSmall, &out)

	require.Error(t, err)
	assert.True(t, IsFormatError(err))
	assert.Contains(t, err.Error(), "invalid response format from openai")
}

func TestOpenAI_Decide(t *testing.T) {
	var model string
	server := newOpenAIServer(t, `{"result":true,"explanation":"direct question"}`, &model)
	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: server.URL + "/", SmallModel: "tiny"}, nil)

	ok, err := client.Decide(context.Background(), "Should Echo reply?", SizeSmall)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tiny", model)
}

func TestOpenAI_ModelFor(t *testing.T) {
	client := NewOpenAIClient(OpenAIConfig{LargeModel: "big"}, nil)
	assert.Equal(t, "big", client.ModelFor(SizeLarge))
	assert.Equal(t, DefaultSmallModel, client.ModelFor(SizeSmall))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestFormatError(t *testing.T) {
	inner := errors.New("unexpected end of JSON input")
	err := &FormatError{Provider: "openai", Detail: "bad body", Err: inner}

	assert.Equal(t, "invalid response format from openai: bad body: unexpected end of JSON input", err.Error())
	assert.ErrorIs(t, err, inner)

	bare := &FormatError{Provider: "openrouter", Detail: "missing content"}
	assert.Equal(t, "invalid response format from openrouter: missing content", bare.Error())
}

func TestTextGeneratorFunc_Nil(t *testing.T) {
	var f TextGeneratorFunc
	_, err := f.GenerateText(context.Background(), "p", "m")
	assert.ErrorIs(t, err, errNoGenerator)
}
