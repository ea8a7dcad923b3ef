// Package agents provides the Agent: a character definition plus the
// route registry the router chooses from.
package agents

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/AporiaLabs/echo/coreengine/pipeline"
)

// Route is a named handler an agent can be routed to.
type Route = pipeline.Route

// DefaultSampleSize is how many entries of each character list are rendered
// into the agent context per call.
const DefaultSampleSize = 3

// Route registration errors.
var (
	ErrDuplicateRoute = errors.New("route already registered")
	ErrInvalidRoute   = errors.New("invalid route")
)

// Agent is a character with registered routes. Safe for concurrent use;
// routes are normally registered once before serving.
type Agent struct {
	character  Character
	sampleSize int
	perm       func(n int) []int

	mu     sync.RWMutex
	routes []Route
}

// Option configures an Agent.
type Option func(*Agent)

// WithSampleSize sets how many bio/lore/example entries AgentContext renders.
func WithSampleSize(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.sampleSize = n
		}
	}
}

// WithRoutes registers routes at construction. Invalid or duplicate routes panic.
func WithRoutes(routes ...Route) Option {
	return func(a *Agent) {
		for _, r := range routes {
			if err := a.AddRoute(r); err != nil {
				panic(err)
			}
		}
	}
}

// New creates an Agent for character.
func New(character Character, opts ...Option) *Agent {
	a := &Agent{
		character:  character,
		sampleSize: DefaultSampleSize,
		perm:       rand.Perm,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AgentID returns the character's agent id.
func (a *Agent) AgentID() string {
	return a.character.AgentID
}

// Character returns the agent's character definition.
func (a *Agent) Character() Character {
	return a.character
}

// SystemPrompt returns the character's system prompt.
func (a *Agent) SystemPrompt() string {
	return a.character.System
}

// AddRoute registers a route. Names are unique per agent.
func (a *Agent) AddRoute(route Route) error {
	if strings.TrimSpace(route.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRoute)
	}
	if route.Handler == nil {
		return fmt.Errorf("%w: route %s has no handler", ErrInvalidRoute, route.Name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.routes {
		if r.Name == route.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateRoute, route.Name)
		}
	}
	a.routes = append(a.routes, route)
	return nil
}

// Routes returns a snapshot of the registered routes in registration order.
func (a *Agent) Routes() []Route {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Route, len(a.routes))
	copy(out, a.routes)
	return out
}

// AgentContext renders the character with a random sample of its bio, lore
// and examples so repeated prompts vary.
func (a *Agent) AgentContext() string {
	c := a.character
	var b strings.Builder

	fmt.Fprintf(&b, "Name: %s\n", c.Name)
	writeList(&b, "Bio", a.sample(c.Bio))
	writeList(&b, "Lore", a.sample(c.Lore))
	writeInline(&b, "Topics", c.Topics)
	writeInline(&b, "Adjectives", c.Adjectives)

	style := append(append([]string{}, c.Style.All...), c.Style.Chat...)
	writeInline(&b, "Style", style)
	writeInline(&b, "Post style", c.Style.Post)

	if convs := a.sampleConversations(c.MessageExamples); len(convs) > 0 {
		b.WriteString("Message examples:\n")
		for _, conv := range convs {
			for _, line := range conv {
				fmt.Fprintf(&b, "%s: %s\n", line.User, line.Text)
			}
			b.WriteString("\n")
		}
	}
	writeList(&b, "Post examples", a.sample(c.PostExamples))

	return strings.TrimRight(b.String(), "\n")
}

func (a *Agent) sample(items []string) []string {
	if len(items) <= a.sampleSize {
		return items
	}
	idx := a.perm(len(items))[:a.sampleSize]
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = items[j]
	}
	return out
}

func (a *Agent) sampleConversations(convs [][]MessageExample) [][]MessageExample {
	if len(convs) <= a.sampleSize {
		return convs
	}
	idx := a.perm(len(convs))[:a.sampleSize]
	out := make([][]MessageExample, len(idx))
	for i, j := range idx {
		out[i] = convs[j]
	}
	return out
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", label)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func writeInline(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, strings.Join(items, ", "))
}

var _ pipeline.Agent = (*Agent)(nil)
