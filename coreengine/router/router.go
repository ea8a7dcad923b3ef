// Package router provides the pipeline stage that picks one route for a
// run by asking an LLM classifier, then invokes that route's handler.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AporiaLabs/echo/commbus"
	"github.com/AporiaLabs/echo/coreengine/llm"
	"github.com/AporiaLabs/echo/coreengine/logging"
	"github.com/AporiaLabs/echo/coreengine/observability"
	"github.com/AporiaLabs/echo/coreengine/pipeline"
)

// DefaultConfidenceThreshold is the confidence floor below which a
// decision is logged as low confidence. The route still runs.
const DefaultConfidenceThreshold = 0.7

var tracer = observability.Tracer("router")

// ErrNoRoutes is returned when the agent has no routes registered.
var ErrNoRoutes = errors.New("router: agent has no routes registered")

// NoHandlerError reports a decision naming an unregistered route.
type NoHandlerError struct {
	Route string
}

func (e *NoHandlerError) Error() string {
	return "no handler for route: " + e.Route
}

// HandlerError wraps a route handler failure with the route name.
type HandlerError struct {
	Route string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("route handler error (%s): %v", e.Route, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Decision is the classifier's structured route choice.
type Decision struct {
	SelectedRoute string  `json:"selectedRoute"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
}

// DecisionSchema is the JSON schema requested from the classifier.
var DecisionSchema = llm.Schema{
	Name:        "route_decision",
	Description: "The selected route with a confidence score and reasoning",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"selectedRoute": map[string]any{"type": "string"},
			"confidence":    map[string]any{"type": "number"},
			"reasoning":     map[string]any{"type": "string"},
		},
		"required":             []string{"selectedRoute", "confidence", "reasoning"},
		"additionalProperties": false,
	},
}

// Config configures the router stage.
type Config struct {
	Classifier          llm.Classifier
	ConfidenceThreshold float64
	Logger              logging.Logger
	// Bus, when set, receives a RouteSelected event per decision.
	Bus commbus.CommBus
}

// Router is the routing pipeline stage.
type Router struct {
	classifier llm.Classifier
	threshold  float64
	logger     logging.Logger
	bus        commbus.CommBus
}

// New creates a Router. A zero threshold uses DefaultConfidenceThreshold.
func New(cfg Config) *Router {
	threshold := cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &Router{
		classifier: cfg.Classifier,
		threshold:  threshold,
		logger:     logging.OrNop(cfg.Logger).Bind("stage", "router"),
		bus:        cfg.Bus,
	}
}

func (r *Router) Name() string { return "router" }

// Execute classifies the run, then invokes the selected handler.
func (r *Router) Execute(ctx context.Context, req *pipeline.Request, res *pipeline.Response) pipeline.Signal {
	ctx, span := tracer.Start(ctx, "router.route", trace.WithAttributes(attribute.String("agent.id", req.Input.AgentID)))
	defer span.End()

	routes := req.Agent.Routes()
	if len(routes) == 0 {
		span.SetStatus(codes.Error, ErrNoRoutes.Error())
		r.logger.Error("router_no_routes", "agent_id", req.Input.AgentID)
		return pipeline.Fail(ErrNoRoutes)
	}

	decision, err := r.decide(ctx, req, routes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("router_classification_failed", "agent_id", req.Input.AgentID, "error", err.Error())
		return pipeline.Fail(fmt.Errorf("router error: %w", err))
	}

	span.SetAttributes(
		attribute.String("route.selected", decision.SelectedRoute),
		attribute.Float64("route.confidence", decision.Confidence),
	)

	route, ok := findRoute(routes, decision.SelectedRoute)
	if !ok {
		err := &NoHandlerError{Route: decision.SelectedRoute}
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("router_no_handler", "route", decision.SelectedRoute)
		res.Error(err)
		return pipeline.Stop()
	}

	low := decision.Confidence < r.threshold
	observability.RecordRouteDecision(route.Name, low)
	if low {
		r.logger.Warn("router_low_confidence",
			"route", route.Name,
			"confidence", decision.Confidence,
			"threshold", r.threshold,
			"reasoning", decision.Reasoning,
		)
	} else {
		r.logger.Info("route_selected", "route", route.Name, "confidence", decision.Confidence)
	}
	r.publish(ctx, req, decision, low)

	req.Set("route", route.Name)
	if err := route.Handler(ctx, req.Context, req, res); err != nil {
		herr := &HandlerError{Route: route.Name, Err: err}
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		r.logger.Error("route_handler_failed", "route", route.Name, "error", err.Error())
		res.Error(herr)
		return pipeline.Stop()
	}
	return pipeline.Continue()
}

func (r *Router) decide(ctx context.Context, req *pipeline.Request, routes []pipeline.Route) (Decision, error) {
	var decision Decision
	prompt := BuildPrompt(req.Context, req.Agent.SystemPrompt(), routes)
	if err := r.classifier.Classify(ctx, prompt, DecisionSchema, llm.SizeLarge, &decision); err != nil {
		return Decision{}, err
	}
	if err := decision.Validate(); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func (r *Router) publish(ctx context.Context, req *pipeline.Request, d Decision, low bool) {
	if r.bus == nil {
		return
	}
	event := &commbus.RouteSelected{
		AgentID:       req.Input.AgentID,
		UserID:        req.Input.UserID,
		Route:         d.SelectedRoute,
		Confidence:    d.Confidence,
		LowConfidence: low,
		Reasoning:     d.Reasoning,
	}
	if err := r.bus.Publish(ctx, event); err != nil {
		r.logger.Debug("route_event_publish_failed", "error", err.Error())
	}
}

// Validate rejects decisions that do not match the schema contract.
func (d Decision) Validate() error {
	if strings.TrimSpace(d.SelectedRoute) == "" {
		return &llm.FormatError{Provider: "classifier", Detail: "decision has no selectedRoute"}
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return &llm.FormatError{Provider: "classifier", Detail: fmt.Sprintf("confidence %v outside [0,1]", d.Confidence)}
	}
	return nil
}

// BuildPrompt renders the classification prompt.
func BuildPrompt(accumulated, systemPrompt string, routes []pipeline.Route) string {
	lines := make([]string, len(routes))
	for i, route := range routes {
		lines[i] = fmt.Sprintf("%q: %s", route.Name, route.Description)
	}

	return fmt.Sprintf(`<CONTEXT>
%s
</CONTEXT>

<SYSTEM>
%s

You are a router. Based on the context above, choose the route that best handles the latest input.

Available routes:
%s

Respond with a JSON object containing:
- "selectedRoute": the exact name of one available route
- "confidence": a number between 0 and 1
- "reasoning": a short explanation of the choice
</SYSTEM>`, accumulated, systemPrompt, strings.Join(lines, "\n"))
}

func findRoute(routes []pipeline.Route, name string) (pipeline.Route, bool) {
	for _, route := range routes {
		if route.Name == name {
			return route, true
		}
	}
	return pipeline.Route{}, false
}

var _ pipeline.Stage = (*Router)(nil)
