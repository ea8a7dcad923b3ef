package commbus

import (
	"context"
	"sync"
	"time"

	"github.com/AporiaLabs/echo/coreengine/logging"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level.
type LoggingMiddleware struct {
	logger logging.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logging.OrNop(logger).Bind("component", "commbus")}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.logger.Debug("commbus_message", "category", message.Category(), "type", GetMessageType(message))
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.logger.Warn("commbus_message_failed", "type", GetMessageType(message), "error", err.Error())
	} else {
		m.logger.Debug("commbus_message_completed", "type", GetMessageType(message))
	}
	return result, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreakerState represents the state for circuit breaker.
type CircuitBreakerState struct {
	Failures    int
	LastFailure time.Time
	State       string
}

// CircuitBreakerMiddleware opens a per-type circuit after repeated handler
// failures and drops messages of that type until resetTimeout passes. One
// message is let through half-open; success closes the circuit again.
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excludedTypes    map[string]struct{}
	states           map[string]*CircuitBreakerState
	logger           logging.Logger
	now              func() time.Time
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a new CircuitBreakerMiddleware.
// A failureThreshold of 0 never opens.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTypes []string, logger logging.Logger) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{})
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}

	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excludedTypes:    excluded,
		states:           make(map[string]*CircuitBreakerState),
		logger:           logging.OrNop(logger).Bind("component", "commbus"),
		now:              time.Now,
	}
}

func (m *CircuitBreakerMiddleware) getState(msgType string) *CircuitBreakerState {
	if _, exists := m.states[msgType]; !exists {
		m.states[msgType] = &CircuitBreakerState{State: CircuitClosed}
	}
	return m.states[msgType]
}

// Before drops the message while its circuit is open.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	if state.State == CircuitOpen {
		if m.now().Sub(state.LastFailure) < m.resetTimeout {
			m.logger.Debug("circuit_open_blocking", "type", msgType)
			return nil, nil
		}
		state.State = CircuitHalfOpen
		m.logger.Info("circuit_half_open", "type", msgType)
	}
	return message, nil
}

// After records the handler outcome.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	if err != nil {
		state.Failures++
		state.LastFailure = m.now()

		if state.State == CircuitHalfOpen {
			state.State = CircuitOpen
			m.logger.Warn("circuit_reopened", "type", msgType)
		} else if m.failureThreshold > 0 && state.Failures >= m.failureThreshold {
			state.State = CircuitOpen
			m.logger.Warn("circuit_opened", "type", msgType, "failures", state.Failures)
		}
		return result, nil
	}

	if state.State == CircuitHalfOpen {
		state.State = CircuitClosed
		state.Failures = 0
		m.logger.Info("circuit_closed", "type", msgType)
	}
	return result, nil
}

// GetStates returns current circuit states.
func (m *CircuitBreakerMiddleware) GetStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string)
	for k, v := range m.states {
		result[k] = v.State
	}
	return result
}

// Ensure all middleware types implement Middleware interface.
var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
