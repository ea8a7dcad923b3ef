// Package routes provides the built-in route handlers every agent gets:
// conversation replies and post creation.
package routes

import (
	"context"
	"fmt"
	"strings"

	"github.com/AporiaLabs/echo/coreengine/agents"
	"github.com/AporiaLabs/echo/coreengine/generator"
	"github.com/AporiaLabs/echo/coreengine/llm"
	"github.com/AporiaLabs/echo/coreengine/logging"
	"github.com/AporiaLabs/echo/coreengine/memory"
	"github.com/AporiaLabs/echo/coreengine/pipeline"
)

// Route names and descriptions shown to the router.
const (
	Conversation = "conversation"
	CreatePost   = "create_new_post"

	ConversationDescription = "Call if the user is just conversing or if none of the other routes apply"
	CreatePostDescription   = "Only call if the message is the following: " + CreatePostMessage
)

// CreatePostMessage is the system input that triggers post creation.
const CreatePostMessage = "<SYSTEM> Generate a new post to publish on your timeline </SYSTEM>"

// Memory types written by the routes.
const (
	MemoryTypeReply = "text"
	MemoryTypePost  = "post"
)

// GenerationKey is the request value holding the post generator.Result.
const GenerationKey = "generation"

// Deps are the collaborators of the built-in routes.
type Deps struct {
	Store     memory.Store
	Text      llm.TextGenerator
	TextModel string
	Generator *generator.Generator
	Logger    logging.Logger
}

// Default returns the conversation and post routes.
func Default(deps Deps) []agents.Route {
	return []agents.Route{
		NewConversationRoute(deps.Store, deps.Text, deps.TextModel, deps.Logger),
		NewPostRoute(deps.Store, deps.Generator, deps.Logger),
	}
}

// NewConversationRoute replies to the latest input with the text generator
// and stores the reply as an llm memory before sending it.
func NewConversationRoute(store memory.Store, text llm.TextGenerator, model string, logger logging.Logger) agents.Route {
	logger = logging.OrNop(logger).Bind("route", Conversation)

	return agents.Route{
		Name:        Conversation,
		Description: ConversationDescription,
		Handler: func(ctx context.Context, agentContext string, req *pipeline.Request, res *pipeline.Response) error {
			raw, err := text.GenerateText(ctx, ConversationPrompt(agentContext, req.Agent.SystemPrompt()), model)
			if err != nil {
				return err
			}
			reply := strings.TrimSpace(raw)
			if reply == "" {
				return &llm.FormatError{Provider: "text generator", Detail: "empty reply"}
			}

			if err := storeOutput(ctx, store, req, MemoryTypeReply, reply); err != nil {
				return err
			}
			logger.Debug("conversation_reply", "user_id", req.Input.UserID, "length", len(reply))
			res.Send(reply)
			return nil
		},
	}
}

// NewPostRoute generates a post with the bounded retry generator, stores
// "Posted: <text>" and sends the text.
func NewPostRoute(store memory.Store, gen *generator.Generator, logger logging.Logger) agents.Route {
	logger = logging.OrNop(logger).Bind("route", CreatePost)

	return agents.Route{
		Name:        CreatePost,
		Description: CreatePostDescription,
		Handler: func(ctx context.Context, agentContext string, req *pipeline.Request, res *pipeline.Response) error {
			result, err := gen.Generate(ctx, agentContext)
			if err != nil {
				return err
			}
			req.Set(GenerationKey, result)

			if err := storeOutput(ctx, store, req, MemoryTypePost, "Posted: "+result.Text); err != nil {
				return err
			}
			logger.Info("post_created", "attempts", result.Calls(), "forced", result.Forced)
			res.Send(result.Text)
			return nil
		},
	}
}

// ConversationPrompt renders the reply prompt.
func ConversationPrompt(agentContext, systemPrompt string) string {
	return fmt.Sprintf(`%s

<SYSTEM>
%s

Reply to the latest message in <INPUT> in your own voice. Use the memories for continuity.
Only the reply text.
</SYSTEM>`, agentContext, systemPrompt)
}

func storeOutput(ctx context.Context, store memory.Store, req *pipeline.Request, memType, text string) error {
	_, err := store.Append(ctx, memory.Memory{
		UserID:    req.Input.UserID,
		AgentID:   req.Input.AgentID,
		RoomID:    req.Input.RoomID,
		Type:      memType,
		Generator: memory.GeneratorLLM,
		Content:   memory.TextContent(text),
	})
	if err != nil {
		return fmt.Errorf("failed to create memory: %w", err)
	}
	return nil
}
