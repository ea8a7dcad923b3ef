package commbus

import (
	"context"
	"sync"
	"time"

	"github.com/AporiaLabs/echo/coreengine/logging"
)

// InMemoryCommBus is an in-memory implementation of CommBus.
//
// Thread-safe message bus for single-process deployments:
//   - Event fan-out to multiple subscribers
//   - Query request-response with timeout
//   - Command fire-and-forget
//   - Middleware chain for cross-cutting concerns
//
// Usage:
//
//	bus := NewInMemoryCommBus(5*time.Second, logger)
//	bus.Subscribe("RouteSelected", telemetryHandler)
//	bus.RegisterHandler("GetQueueStats", statsHandler)
//
//	bus.Publish(ctx, &RouteSelected{...})
//	stats, _ := bus.QuerySync(ctx, &GetQueueStats{})
type InMemoryCommBus struct {
	handlers     map[string]HandlerFunc
	subscribers  map[string][]subscription
	middleware   []Middleware
	queryTimeout time.Duration
	logger       logging.Logger
	nextID       uint64
	mu           sync.RWMutex
}

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// NewInMemoryCommBus creates a new InMemoryCommBus.
func NewInMemoryCommBus(queryTimeout time.Duration, logger logging.Logger) *InMemoryCommBus {
	return &InMemoryCommBus{
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]subscription),
		queryTimeout: queryTimeout,
		logger:       logging.OrNop(logger).Bind("component", "commbus"),
	}
}

// =============================================================================
// MESSAGING
// =============================================================================

// Publish publishes an event to all subscribers.
// Subscribers run concurrently; their errors are logged but don't stop
// other subscribers and are not returned.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)

	processedEvent, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return err
	}
	if processedEvent == nil {
		b.logger.Debug("commbus_event_aborted", "type", eventType)
		return nil
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers[eventType]))
	copy(subs, b.subscribers[eventType])
	b.mu.RUnlock()

	if len(subs) == 0 {
		_, _ = b.runMiddlewareAfter(ctx, event, nil, nil)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, h HandlerFunc) {
			defer wg.Done()
			if _, err := h(ctx, processedEvent); err != nil {
				errs[idx] = err
				b.logger.Warn("commbus_subscriber_failed", "type", eventType, "subscriber", idx, "error", err.Error())
			}
		}(i, sub.handler)
	}
	wg.Wait()

	var firstError error
	for _, e := range errs {
		if e != nil {
			firstError = e
			break
		}
	}

	_, _ = b.runMiddlewareAfter(ctx, event, nil, firstError)
	return nil
}

// Send sends a command to its handler and returns the handler error.
func (b *InMemoryCommBus) Send(ctx context.Context, command Message) error {
	messageType := GetMessageType(command)

	processed, err := b.runMiddlewareBefore(ctx, command)
	if err != nil {
		return err
	}
	if processed == nil {
		b.logger.Debug("commbus_command_aborted", "type", messageType)
		return nil
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()

	if !exists {
		b.logger.Debug("commbus_no_handler", "type", messageType)
		return nil
	}

	_, handlerError := handler(ctx, processed)
	if handlerError != nil {
		b.logger.Warn("commbus_command_failed", "type", messageType, "error", handlerError.Error())
	}

	_, _ = b.runMiddlewareAfter(ctx, command, nil, handlerError)
	return handlerError
}

// QuerySync sends a query and waits for the response, bounded by the bus
// query timeout.
func (b *InMemoryCommBus) QuerySync(ctx context.Context, query Query) (any, error) {
	messageType := GetMessageType(query)

	processed, err := b.runMiddlewareBefore(ctx, query)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		return nil, &NoHandlerError{MessageType: messageType}
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()

	if !exists {
		return nil, &NoHandlerError{MessageType: messageType}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		v, e := handler(timeoutCtx, processed)
		resultCh <- result{value: v, err: e}
	}()

	select {
	case <-timeoutCtx.Done():
		err := &QueryTimeoutError{MessageType: messageType, Timeout: b.queryTimeout}
		_, _ = b.runMiddlewareAfter(ctx, query, nil, err)
		return nil, err
	case res := <-resultCh:
		finalResult, middlewareErr := b.runMiddlewareAfter(ctx, query, res.value, res.err)
		if middlewareErr != nil {
			return finalResult, middlewareErr
		}
		return finalResult, res.err
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe subscribes to an event type.
// Returns an unsubscribe function; calling it more than once is harmless.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("commbus_subscribed", "type", eventType)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// RegisterHandler registers a handler for a message type.
// Only one handler per message type is allowed.
func (b *InMemoryCommBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[messageType]; exists {
		return &HandlerAlreadyRegisteredError{MessageType: messageType}
	}

	b.handlers[messageType] = handler
	return nil
}

// AddMiddleware adds middleware to the bus.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// HasHandler checks if a handler is registered for a message type.
func (b *InMemoryCommBus) HasHandler(messageType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.handlers[messageType]
	return exists
}

// SubscriberCount returns the number of subscribers for an event type.
func (b *InMemoryCommBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *InMemoryCommBus) snapshotMiddleware() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Middleware, len(b.middleware))
	copy(out, b.middleware)
	return out
}

// runMiddlewareBefore runs the before chain in order.
func (b *InMemoryCommBus) runMiddlewareBefore(ctx context.Context, message Message) (Message, error) {
	current := message
	for _, mw := range b.snapshotMiddleware() {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

// runMiddlewareAfter runs the after chain in reverse order.
func (b *InMemoryCommBus) runMiddlewareAfter(ctx context.Context, message Message, result any, err error) (any, error) {
	mws := b.snapshotMiddleware()
	currentResult := result
	for i := len(mws) - 1; i >= 0; i-- {
		afterResult, afterErr := mws[i].After(ctx, message, currentResult, err)
		if afterErr != nil {
			err = afterErr
		}
		if afterResult != nil {
			currentResult = afterResult
		}
	}
	return currentResult, err
}

// Ensure InMemoryCommBus implements CommBus interface.
var _ CommBus = (*InMemoryCommBus)(nil)
