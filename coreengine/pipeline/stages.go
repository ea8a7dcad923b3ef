package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/AporiaLabs/echo/coreengine/memory"
)

// DefaultMemoryLimit is how many prior memories LoadMemories fetches.
const DefaultMemoryLimit = 100

// ErrInvalidInput is wrapped by every ValidateInput rejection.
var ErrInvalidInput = errors.New("invalid input")

// StageDeps are the collaborators of the standard stages.
type StageDeps struct {
	Store       memory.Store
	MemoryLimit int
}

// StandardStages returns validate_input, load_memories, wrap_context and
// create_memory in that order. The router stage is appended by the caller.
func StandardStages(deps StageDeps) []Stage {
	return []Stage{
		ValidateInput(),
		LoadMemories(deps.Store, deps.MemoryLimit),
		WrapContext(),
		CreateMemoryFromInput(deps.Store),
	}
}

// ValidateInput rejects malformed inputs and fills the default room id.
func ValidateInput() Stage {
	return NewStage("validate_input", func(ctx context.Context, req *Request, res *Response) Signal {
		in := &req.Input
		switch {
		case req.Agent == nil:
			return Fail(fmt.Errorf("%w: agent is required", ErrInvalidInput))
		case strings.TrimSpace(in.AgentID) == "":
			return Fail(fmt.Errorf("%w: agent id is required", ErrInvalidInput))
		case strings.TrimSpace(in.UserID) == "":
			return Fail(fmt.Errorf("%w: user id is required", ErrInvalidInput))
		case strings.TrimSpace(in.Text) == "" && len(in.ImageURLs) == 0:
			return Fail(fmt.Errorf("%w: text or image urls are required", ErrInvalidInput))
		}

		if in.Type == "" {
			in.Type = InputText
			if len(in.ImageURLs) > 0 {
				in.Type = InputTextAndImage
			}
		}
		if !in.Type.Valid() {
			return Fail(fmt.Errorf("%w: unknown input type %q", ErrInvalidInput, in.Type))
		}
		if in.RoomID == "" {
			in.RoomID = DefaultRoomID(in.AgentID, in.UserID)
		}
		return Continue()
	})
}

// LoadMemories fetches the user's recent memories, newest first.
func LoadMemories(store memory.Store, limit int) Stage {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return NewStage("load_memories", func(ctx context.Context, req *Request, res *Response) Signal {
		memories, err := store.RecentByUser(ctx, req.Input.UserID, limit)
		if err != nil {
			return Fail(fmt.Errorf("failed to load memories: %w", err))
		}
		req.Memories = memories
		return Continue()
	})
}

// WrapContext renders the agent context, prior memories (oldest first) and
// the current input into req.Context.
func WrapContext() Stage {
	return NewStage("wrap_context", func(ctx context.Context, req *Request, res *Response) Signal {
		var b strings.Builder

		if agentContext := req.Agent.AgentContext(); agentContext != "" {
			b.WriteString("<AGENT>\n")
			b.WriteString(agentContext)
			b.WriteString("\n</AGENT>\n\n")
		}

		if len(req.Memories) > 0 {
			b.WriteString("<MEMORIES>\n")
			for i := len(req.Memories) - 1; i >= 0; i-- {
				b.WriteString(FormatMemory(req.Memories[i]))
				b.WriteByte('\n')
			}
			b.WriteString("</MEMORIES>\n\n")
		}

		b.WriteString("<INPUT>\n")
		b.WriteString(fmt.Sprintf("[%s] %s: %s", req.Input.Source, req.Input.UserID, req.Input.Text))
		for _, url := range req.Input.ImageURLs {
			b.WriteString("\n[image] " + url)
		}
		b.WriteString("\n</INPUT>")

		req.Context = b.String()
		return Continue()
	})
}

// FormatMemory renders one memory as "[time] generator: text".
func FormatMemory(m memory.Memory) string {
	text := m.Content
	if gjson.Valid(m.Content) {
		if t := gjson.Get(m.Content, "text"); t.Exists() {
			text = t.String()
		}
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.UTC().Format(time.RFC3339), m.Generator, text)
}

// CreateMemoryFromInput persists the inbound event as an external memory.
func CreateMemoryFromInput(store memory.Store) Stage {
	return NewStage("create_memory", func(ctx context.Context, req *Request, res *Response) Signal {
		content, err := json.Marshal(req.Input)
		if err != nil {
			return Fail(fmt.Errorf("failed to create memory: %w", err))
		}

		_, err = store.Append(ctx, memory.Memory{
			ID:        req.Input.MessageID,
			UserID:    req.Input.UserID,
			AgentID:   req.Input.AgentID,
			RoomID:    req.Input.RoomID,
			Type:      string(req.Input.Type),
			Generator: memory.GeneratorExternal,
			Content:   string(content),
		})
		if err != nil {
			return Fail(fmt.Errorf("failed to create memory: %w", err))
		}
		return Continue()
	})
}
