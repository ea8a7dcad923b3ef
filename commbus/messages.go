package commbus

import (
	"fmt"
)

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand represents fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// =============================================================================
// AGENT LIFECYCLE EVENTS
// =============================================================================

// InboundReceived is emitted when a channel accepts an inbound message.
type InboundReceived struct {
	Channel   string `json:"channel"`
	AgentID   string `json:"agent_id"`
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id,omitempty"`
}

func (m *InboundReceived) Category() string { return string(MessageCategoryEvent) }

// RouteSelected is emitted when the router settles on a route.
type RouteSelected struct {
	AgentID       string  `json:"agent_id"`
	UserID        string  `json:"user_id"`
	Route         string  `json:"route"`
	Confidence    float64 `json:"confidence"`
	LowConfidence bool    `json:"low_confidence"`
	Reasoning     string  `json:"reasoning,omitempty"`
}

func (m *RouteSelected) Category() string { return string(MessageCategoryEvent) }

// ResponseProduced is emitted when a pipeline run finishes.
type ResponseProduced struct {
	AgentID    string `json:"agent_id"`
	UserID     string `json:"user_id"`
	RoomID     string `json:"room_id"`
	Status     string `json:"status"` // sent, error, no_response
	Error      string `json:"error,omitempty"`
	DurationMS int    `json:"duration_ms"`
}

func (m *ResponseProduced) Category() string { return string(MessageCategoryEvent) }

// OutboundFailed is emitted when a channel send fails.
type OutboundFailed struct {
	Channel string `json:"channel"`
	UserID  string `json:"user_id"`
	Error   string `json:"error"`
}

func (m *OutboundFailed) Category() string { return string(MessageCategoryEvent) }

// PostPublished is emitted after a generated post is published.
type PostPublished struct {
	AgentID string `json:"agent_id"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Chunks  int    `json:"chunks"`
}

func (m *PostPublished) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// QUERIES
// =============================================================================

// GetQueueStats asks for outbound queue counters. An empty Queue returns
// every queue the handler knows.
type GetQueueStats struct {
	Queue string `json:"queue,omitempty"`
}

func (m *GetQueueStats) Category() string { return string(MessageCategoryQuery) }
func (m *GetQueueStats) IsQuery()         {}

// =============================================================================
// TYPE RESOLUTION
// =============================================================================

// GetMessageType returns the routing type name of a message.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *InboundReceived:
		return "InboundReceived"
	case *RouteSelected:
		return "RouteSelected"
	case *ResponseProduced:
		return "ResponseProduced"
	case *OutboundFailed:
		return "OutboundFailed"
	case *PostPublished:
		return "PostPublished"
	case *GetQueueStats:
		return "GetQueueStats"
	default:
		return fmt.Sprintf("%T", msg)
	}
}
