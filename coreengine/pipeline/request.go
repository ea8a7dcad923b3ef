package pipeline

import (
	"context"

	"github.com/AporiaLabs/echo/coreengine/memory"
)

// =============================================================================
// INPUT
// =============================================================================

// InputSource is the channel an input arrived on.
type InputSource string

const (
	SourceNetwork   InputSource = "network"
	SourceWebSocket InputSource = "websocket"
	SourceTwitter   InputSource = "twitter"
	SourceDiscord   InputSource = "discord"
	SourceSMS       InputSource = "sms"
	SourceTelegram  InputSource = "telegram"
	SourceScheduler InputSource = "scheduler"
)

// InputType is the payload kind of an input.
type InputType string

const (
	InputText         InputType = "text"
	InputImage        InputType = "image"
	InputTextAndImage InputType = "text_and_image"
	InputAudio        InputType = "audio"
	InputVideo        InputType = "video"
)

// Valid reports whether t is a known input type.
func (t InputType) Valid() bool {
	switch t {
	case InputText, InputImage, InputTextAndImage, InputAudio, InputVideo:
		return true
	}
	return false
}

// Input is one inbound event.
type Input struct {
	Source    InputSource `json:"source"`
	UserID    string      `json:"userId"`
	AgentID   string      `json:"agentId"`
	RoomID    string      `json:"roomId"`
	Type      InputType   `json:"type"`
	Text      string      `json:"text,omitempty"`
	ImageURLs []string    `json:"imageUrls,omitempty"`
	AudioURL  string      `json:"audioUrl,omitempty"`
	VideoURL  string      `json:"videoUrl,omitempty"`

	// MessageID is the channel's id for the inbound message. When set it
	// becomes the id of the stored input memory, which makes redelivery
	// detectable with memory.Store.ExistsByID.
	MessageID string `json:"messageId,omitempty"`
}

// DefaultRoomID is the room used when an input carries none.
func DefaultRoomID(agentID, userID string) string {
	return agentID + "_" + userID
}

// =============================================================================
// ROUTES & AGENT HANDLE
// =============================================================================

// RouteHandler produces the agent's response for a selected route.
// agentContext is the accumulated context text built by earlier stages.
type RouteHandler func(ctx context.Context, agentContext string, req *Request, res *Response) error

// Route is a named, described handler the router can select.
type Route struct {
	Name        string
	Description string
	Handler     RouteHandler
}

// Agent is the read-only agent capability a run sees.
type Agent interface {
	AgentID() string
	SystemPrompt() string
	AgentContext() string
	Routes() []Route
}

// =============================================================================
// REQUEST
// =============================================================================

// Request is the per-run state shared by pointer across all stages of one
// pipeline run. Stages run sequentially, so no locking is needed.
type Request struct {
	Input    Input
	Agent    Agent
	Context  string
	Memories []memory.Memory

	values map[string]any
}

// NewRequest creates the state for one inbound event.
func NewRequest(input Input, agent Agent) *Request {
	return &Request{Input: input, Agent: agent}
}

// Set stores a stage-defined value on the request.
func (r *Request) Set(key string, value any) {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	r.values[key] = value
}

// Get returns a stage-defined value.
func (r *Request) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}
