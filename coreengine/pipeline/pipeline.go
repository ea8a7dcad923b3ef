// Package pipeline provides the ordered middleware pipeline every inbound
// event runs through.
//
// Stages execute in registration order against one shared Request. Each
// stage returns a Signal:
//   - Continue: run the next stage
//   - Stop: end the run (the stage has usually produced the response)
//   - Fail(err): end the run; err becomes the response error unless a
//     terminal call already happened
//
// A panicking stage is treated as Fail with a *StageError.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AporiaLabs/echo/coreengine/logging"
	"github.com/AporiaLabs/echo/coreengine/observability"
)

var tracer = observability.Tracer("pipeline")

// =============================================================================
// SIGNALS
// =============================================================================

// SignalKind tags a Signal.
type SignalKind int

const (
	SignalContinue SignalKind = iota
	SignalStop
	SignalFail
)

func (k SignalKind) String() string {
	switch k {
	case SignalContinue:
		return "continue"
	case SignalStop:
		return "stop"
	case SignalFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Signal is the control outcome of a stage.
type Signal struct {
	kind SignalKind
	err  error
}

// Continue runs the next stage.
func Continue() Signal { return Signal{kind: SignalContinue} }

// Stop ends the run.
func Stop() Signal { return Signal{kind: SignalStop} }

// Fail ends the run with err.
func Fail(err error) Signal { return Signal{kind: SignalFail, err: err} }

func (s Signal) Kind() SignalKind { return s.kind }
func (s Signal) Err() error       { return s.err }

// =============================================================================
// STAGES
// =============================================================================

// Stage is one unit of the processing chain.
type Stage interface {
	Name() string
	Execute(ctx context.Context, req *Request, res *Response) Signal
}

// StageFunc adapts a function to Stage.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, req *Request, res *Response) Signal
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Execute(ctx context.Context, req *Request, res *Response) Signal {
	return s.Fn(ctx, req, res)
}

// NewStage builds a StageFunc.
func NewStage(name string, fn func(ctx context.Context, req *Request, res *Response) Signal) Stage {
	return StageFunc{StageName: name, Fn: fn}
}

// ErrStagePanicked marks a stage that panicked.
var ErrStagePanicked = errors.New("stage panicked")

// StageError reports a stage that could not complete.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// =============================================================================
// PIPELINE
// =============================================================================

// Pipeline holds the ordered stage list. Stages may be registered at any
// time; each run snapshots the list it starts with.
type Pipeline struct {
	mu     sync.RWMutex
	stages []Stage
	logger logging.Logger
}

// New creates an empty Pipeline.
func New(logger logging.Logger) *Pipeline {
	return &Pipeline{logger: logging.OrNop(logger)}
}

// Use appends stages.
func (p *Pipeline) Use(stages ...Stage) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, stages...)
	return p
}

// StageNames returns the registered stage names in order.
func (p *Pipeline) StageNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes every stage against req and returns the finished Response.
// Terminal output is delivered to sink as it happens.
func (p *Pipeline) Run(ctx context.Context, req *Request, sink Sink) *Response {
	p.mu.RLock()
	stages := make([]Stage, len(p.stages))
	copy(stages, p.stages)
	p.mu.RUnlock()

	logger := p.logger.Bind(
		"agent_id", req.Input.AgentID,
		"user_id", req.Input.UserID,
		"room_id", req.Input.RoomID,
	)
	res := NewResponse(sink, logger)

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("agent.id", req.Input.AgentID),
		attribute.String("input.source", string(req.Input.Source)),
		attribute.Int("pipeline.stages", len(stages)),
	))
	defer span.End()

	startTime := time.Now()
	logger.Info("pipeline_started", "source", string(req.Input.Source), "stages", len(stages))

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			logger.Info("pipeline_cancelled", "stage", stage.Name(), "reason", err.Error())
			res.Error(err)
			break
		}

		sig := p.execute(ctx, stage, req, res)
		observability.RecordStageExecution(stage.Name(), sig.Kind().String())

		if sig.Kind() == SignalContinue {
			continue
		}
		if sig.Kind() == SignalFail {
			err := sig.Err()
			if err == nil {
				err = &StageError{Stage: stage.Name(), Err: errors.New("failed without error")}
			}
			logger.Error("pipeline_stage_failed", "stage", stage.Name(), "error", err.Error())
			if res.Done() {
				logger.Debug("stage_error_after_response", "stage", stage.Name())
			} else {
				res.Error(err)
			}
		}
		break
	}

	status := res.Status()
	durationMS := int(time.Since(startTime).Milliseconds())
	observability.RecordPipelineRun(req.Input.AgentID, status, durationMS)
	span.SetAttributes(attribute.String("pipeline.status", status))

	switch status {
	case StatusNoResponse:
		logger.Warn("pipeline_no_response", "duration_ms", durationMS)
	case StatusError:
		span.SetStatus(codes.Error, res.Err().Error())
		logger.Info("pipeline_completed", "status", status, "error", res.Err().Error(), "duration_ms", durationMS)
	default:
		logger.Info("pipeline_completed", "status", status, "duration_ms", durationMS)
	}

	return res
}

func (p *Pipeline) execute(ctx context.Context, stage Stage, req *Request, res *Response) (sig Signal) {
	ctx, span := tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(attribute.String("stage.name", stage.Name())))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := &StageError{Stage: stage.Name(), Err: fmt.Errorf("%w: %v", ErrStagePanicked, r)}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			sig = Fail(err)
		}
	}()

	sig = stage.Execute(ctx, req, res)
	span.SetAttributes(attribute.String("stage.signal", sig.Kind().String()))
	return sig
}
