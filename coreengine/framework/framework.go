// Package framework is the invocation boundary: it holds the registered
// agents and the shared pipeline, and runs one pipeline per inbound event.
package framework

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AporiaLabs/echo/commbus"
	"github.com/AporiaLabs/echo/coreengine/llm"
	"github.com/AporiaLabs/echo/coreengine/logging"
	"github.com/AporiaLabs/echo/coreengine/memory"
	"github.com/AporiaLabs/echo/coreengine/pipeline"
	"github.com/AporiaLabs/echo/coreengine/router"
)

var (
	// ErrAgentNotFound is returned by Process for an unregistered agent id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentExists is returned by Register for a duplicate agent id.
	ErrAgentExists = errors.New("agent already registered")
)

// Framework runs inputs for registered agents through one pipeline.
type Framework struct {
	pipeline *pipeline.Pipeline
	logger   logging.Logger
	bus      commbus.CommBus

	mu     sync.RWMutex
	agents map[string]pipeline.Agent
}

// New creates a Framework with an empty pipeline. bus may be nil.
func New(logger logging.Logger, bus commbus.CommBus) *Framework {
	logger = logging.OrNop(logger)
	return &Framework{
		pipeline: pipeline.New(logger),
		logger:   logger.Bind("component", "framework"),
		bus:      bus,
		agents:   make(map[string]pipeline.Agent),
	}
}

// Deps are the collaborators of the standard stage set.
type Deps struct {
	Store               memory.Store
	Classifier          llm.Classifier
	MemoryLimit         int
	ConfidenceThreshold float64
	Logger              logging.Logger
	Bus                 commbus.CommBus
}

// NewDefault creates a Framework with the standard stages followed by the
// router.
func NewDefault(deps Deps) *Framework {
	f := New(deps.Logger, deps.Bus)
	f.Use(pipeline.StandardStages(pipeline.StageDeps{Store: deps.Store, MemoryLimit: deps.MemoryLimit})...)
	f.Use(router.New(router.Config{
		Classifier:          deps.Classifier,
		ConfidenceThreshold: deps.ConfidenceThreshold,
		Logger:              deps.Logger,
		Bus:                 deps.Bus,
	}))
	return f
}

// Use appends stages to the shared pipeline.
func (f *Framework) Use(stages ...pipeline.Stage) *Framework {
	f.pipeline.Use(stages...)
	return f
}

// StageNames returns the pipeline's stage names in order.
func (f *Framework) StageNames() []string {
	return f.pipeline.StageNames()
}

// Register adds an agent.
func (f *Framework) Register(agent pipeline.Agent) error {
	id := agent.AgentID()
	if id == "" {
		return fmt.Errorf("register agent: empty agent id")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.agents[id]; exists {
		return fmt.Errorf("%w: %s", ErrAgentExists, id)
	}
	f.agents[id] = agent
	f.logger.Info("agent_registered", "agent_id", id, "routes", len(agent.Routes()))
	return nil
}

// Agent returns a registered agent.
func (f *Framework) Agent(id string) (pipeline.Agent, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	agent, ok := f.agents[id]
	return agent, ok
}

// AgentIDs returns the registered agent ids, sorted.
func (f *Framework) AgentIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.agents))
	for id := range f.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Process runs input for agentID. Terminal output goes to sink and is also
// available on the returned Response.
func (f *Framework) Process(ctx context.Context, input pipeline.Input, agentID string, sink pipeline.Sink) (*pipeline.Response, error) {
	agent, ok := f.Agent(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	input.AgentID = agentID
	if input.RoomID == "" && input.UserID != "" {
		input.RoomID = pipeline.DefaultRoomID(agentID, input.UserID)
	}

	start := time.Now()
	res := f.pipeline.Run(ctx, pipeline.NewRequest(input, agent), sink)
	f.publish(ctx, input, res, time.Since(start))
	return res, nil
}

func (f *Framework) publish(ctx context.Context, input pipeline.Input, res *pipeline.Response, elapsed time.Duration) {
	if f.bus == nil {
		return
	}
	event := &commbus.ResponseProduced{
		AgentID:    input.AgentID,
		UserID:     input.UserID,
		RoomID:     input.RoomID,
		Status:     res.Status(),
		DurationMS: int(elapsed.Milliseconds()),
	}
	if err := res.Err(); err != nil {
		event.Error = err.Error()
	}
	if err := f.bus.Publish(ctx, event); err != nil {
		f.logger.Debug("response_event_publish_failed", "error", err.Error())
	}
}
