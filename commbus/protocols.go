// Package commbus provides the in-process communication bus.
//
// The bus carries agent lifecycle events (inbound received, route selected,
// response produced, outbound failed, post published) from the core to
// whoever subscribed: telemetry logging, the CLI, tests. It also answers
// queries such as outbound queue stats.
package commbus

import (
	"context"
)

// Message is anything carried by the bus. Category is one of the
// MessageCategory values.
type Message interface {
	Category() string
}

// Query marks messages answered by exactly one handler through QuerySync.
type Query interface {
	Message
	IsQuery()
}

// TypedMessage overrides the reflected type name used for routing.
type TypedMessage interface {
	Message
	MessageType() string
}

// HandlerFunc handles one message. The result is only used for queries.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Middleware wraps every message. Before may replace the message or return
// nil to drop it; After may replace the handler result or error.
type Middleware interface {
	Before(ctx context.Context, message Message) (Message, error)
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus routes events to every subscriber, commands to a single handler
// and queries to a single handler with a result.
type CommBus interface {
	Publish(ctx context.Context, event Message) error
	Send(ctx context.Context, command Message) error
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe returns a function that removes the subscription.
	Subscribe(eventType string, handler HandlerFunc) func()
	RegisterHandler(messageType string, handler HandlerFunc) error
	AddMiddleware(middleware Middleware)
}
