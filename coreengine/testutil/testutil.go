// Package testutil provides shared test utilities and mocks.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring external dependencies.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/AporiaLabs/echo/coreengine/llm"
	"github.com/AporiaLabs/echo/coreengine/logging"
	"github.com/AporiaLabs/echo/coreengine/memory"
	"github.com/AporiaLabs/echo/coreengine/pipeline"
)

// =============================================================================
// MOCK CLASSIFIER
// =============================================================================

// ClassifyCall records a single Classify call for assertion.
type ClassifyCall struct {
	Prompt string
	Schema string
	Size   llm.SizeClass
}

// MockClassifier implements llm.Classifier for testing.
// Classify JSON-encodes Response (or uses RawResponse verbatim) and decodes
// it into the caller's out value, exercising the same decode path as a
// real client.
type MockClassifier struct {
	// Response is encoded into out on Classify.
	Response any
	// RawResponse, when set, is decoded instead of Response.
	RawResponse string
	// Error causes Classify to return this error.
	Error error

	// DecideResult and DecideError drive Decide.
	DecideResult bool
	DecideError  error

	// ClassifyFunc allows custom logic. If set, it replaces the fields above.
	ClassifyFunc func(ctx context.Context, prompt string, schema llm.Schema, size llm.SizeClass, out any) error

	CallCount   int
	Calls       []ClassifyCall
	DecideCalls []string

	mu sync.Mutex
}

// NewMockClassifier creates a MockClassifier returning response.
func NewMockClassifier(response any) *MockClassifier {
	return &MockClassifier{Response: response}
}

// Classify implements llm.Classifier.
func (m *MockClassifier) Classify(ctx context.Context, prompt string, schema llm.Schema, size llm.SizeClass, out any) error {
	m.mu.Lock()
	m.CallCount++
	m.Calls = append(m.Calls, ClassifyCall{Prompt: prompt, Schema: schema.Name, Size: size})
	fn, resp, raw, err := m.ClassifyFunc, m.Response, m.RawResponse, m.Error
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, prompt, schema, size, out)
	}
	if err != nil {
		return err
	}

	data := []byte(raw)
	if raw == "" {
		encoded, encErr := json.Marshal(resp)
		if encErr != nil {
			return encErr
		}
		data = encoded
	}
	if decErr := json.Unmarshal(data, out); decErr != nil {
		return &llm.FormatError{Provider: "mock", Detail: "undecodable response", Err: decErr}
	}
	return nil
}

// Decide implements llm.Classifier.
func (m *MockClassifier) Decide(ctx context.Context, prompt string, size llm.SizeClass) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DecideCalls = append(m.DecideCalls, prompt)
	return m.DecideResult, m.DecideError
}

// WithError configures the mock to return an error.
func (m *MockClassifier) WithError(err error) *MockClassifier {
	m.Error = err
	return m
}

// WithRaw configures a verbatim JSON response.
func (m *MockClassifier) WithRaw(raw string) *MockClassifier {
	m.RawResponse = raw
	return m
}

// GetCallCount returns the number of Classify calls (thread-safe).
func (m *MockClassifier) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// LastPrompt returns the most recent Classify prompt.
func (m *MockClassifier) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return ""
	}
	return m.Calls[len(m.Calls)-1].Prompt
}

// =============================================================================
// MOCK TEXT GENERATOR
// =============================================================================

// TextCall records a single GenerateText call.
type TextCall struct {
	Prompt string
	Model  string
}

// MockTextGenerator implements llm.TextGenerator for testing.
// Responses are returned in order; the last one repeats once exhausted.
type MockTextGenerator struct {
	Responses []string
	// Error causes GenerateText to return this error.
	Error error
	// GenerateFunc allows custom generation logic.
	GenerateFunc func(ctx context.Context, prompt, model string) (string, error)

	CallCount int
	Calls     []TextCall

	mu sync.Mutex
}

// NewMockTextGenerator creates a generator returning responses in order.
func NewMockTextGenerator(responses ...string) *MockTextGenerator {
	return &MockTextGenerator{Responses: responses}
}

// GenerateText implements llm.TextGenerator.
func (m *MockTextGenerator) GenerateText(ctx context.Context, prompt, model string) (string, error) {
	m.mu.Lock()
	idx := m.CallCount
	m.CallCount++
	m.Calls = append(m.Calls, TextCall{Prompt: prompt, Model: model})
	fn, err := m.GenerateFunc, m.Error
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, prompt, model)
	}
	if err != nil {
		return "", err
	}
	if len(m.Responses) == 0 {
		return "", errors.New("mock text generator has no responses")
	}
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

// WithError configures the mock to return an error.
func (m *MockTextGenerator) WithError(err error) *MockTextGenerator {
	m.Error = err
	return m
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockTextGenerator) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// GetCalls returns recorded calls (thread-safe).
func (m *MockTextGenerator) GetCalls() []TextCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TextCall, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// =============================================================================
// MOCK AGENT
// =============================================================================

// MockAgent implements pipeline.Agent with fixed values.
type MockAgent struct {
	ID      string
	System  string
	Context string
	Routes_ []pipeline.Route
}

// NewMockAgent creates an agent with the given routes.
func NewMockAgent(id string, routes ...pipeline.Route) *MockAgent {
	return &MockAgent{ID: id, System: "You are " + id + ".", Routes_: routes}
}

func (a *MockAgent) AgentID() string          { return a.ID }
func (a *MockAgent) SystemPrompt() string     { return a.System }
func (a *MockAgent) AgentContext() string     { return a.Context }
func (a *MockAgent) Routes() []pipeline.Route { return a.Routes_ }

// =============================================================================
// ROUTE & SINK HELPERS
// =============================================================================

// RecordingRoute returns a route whose handler counts invocations and runs fn.
func RecordingRoute(name string, calls *int, fn pipeline.RouteHandler) pipeline.Route {
	var mu sync.Mutex
	return pipeline.Route{
		Name:        name,
		Description: "Test route " + name,
		Handler: func(ctx context.Context, agentContext string, req *pipeline.Request, res *pipeline.Response) error {
			mu.Lock()
			*calls++
			mu.Unlock()
			if fn != nil {
				return fn(ctx, agentContext, req, res)
			}
			return nil
		},
	}
}

// RecordingSink captures terminal pipeline output.
type RecordingSink struct {
	Sent   []any
	Errors []error
	mu     sync.Mutex
}

func (s *RecordingSink) OnSend(content any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent = append(s.Sent, content)
}

func (s *RecordingSink) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, err)
}

// SendCount returns the number of Send deliveries.
func (s *RecordingSink) SendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}

// ErrorCount returns the number of Error deliveries.
func (s *RecordingSink) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Errors)
}

// NewTestInput builds a text input from user to agent.
func NewTestInput(agentID, userID, text string) pipeline.Input {
	return pipeline.Input{
		Source:  pipeline.SourceNetwork,
		UserID:  userID,
		AgentID: agentID,
		RoomID:  pipeline.DefaultRoomID(agentID, userID),
		Type:    pipeline.InputText,
		Text:    text,
	}
}

// =============================================================================
// FAILING STORE
// =============================================================================

// FailingStore is a memory.Store whose every call returns Err.
type FailingStore struct {
	Err error
}

func (s FailingStore) Append(ctx context.Context, m memory.Memory) (*memory.Memory, error) {
	return nil, s.Err
}

func (s FailingStore) Get(ctx context.Context, id string) (*memory.Memory, error) {
	return nil, s.Err
}

func (s FailingStore) ExistsByID(ctx context.Context, id string) (bool, error) {
	return false, s.Err
}

func (s FailingStore) RecentByUser(ctx context.Context, userID string, limit int) ([]memory.Memory, error) {
	return nil, s.Err
}

func (s FailingStore) Close() error { return nil }

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements logging.Logger and captures entries.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{
		Logs: make([]LogEntry, 0),
	}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

// Bind returns the same logger; bound fields are not captured.
func (m *MockLogger) Bind(fields ...any) logging.Logger {
	return m
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	m.Logs = append(m.Logs, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, log := range m.Logs {
		if log.Level == level && log.Message == message {
			return true
		}
	}
	return false
}

// Find returns the first entry with message at level.
func (m *MockLogger) Find(level, message string) (LogEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, log := range m.Logs {
		if log.Level == level && log.Message == message {
			return log, true
		}
	}
	return LogEntry{}, false
}

var (
	_ llm.Classifier    = (*MockClassifier)(nil)
	_ llm.TextGenerator = (*MockTextGenerator)(nil)
	_ pipeline.Agent    = (*MockAgent)(nil)
	_ pipeline.Sink     = (*RecordingSink)(nil)
	_ memory.Store      = FailingStore{}
	_ logging.Logger    = (*MockLogger)(nil)
)
