// Package grpc provides the network API of echo: the echo.AgentService gRPC
// service, its interceptors, and a client for the CLI.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AporiaLabs/echo/commbus"
	"github.com/AporiaLabs/echo/coreengine/logging"
	"github.com/AporiaLabs/echo/coreengine/pipeline"
	"github.com/AporiaLabs/echo/coreengine/queue"
)

// Logger is the logger used by the server and its interceptors.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Engine runs inputs for registered agents. framework.Framework implements it.
type Engine interface {
	Process(ctx context.Context, input pipeline.Input, agentID string, sink pipeline.Sink) (*pipeline.Response, error)
	AgentIDs() []string
}

// AgentServer implements AgentService on top of an Engine.
type AgentServer struct {
	engine Engine
	bus    commbus.CommBus
	logger logging.Logger
}

// NewAgentServer creates an AgentServer. bus is used for queue stats and
// may be nil.
func NewAgentServer(engine Engine, bus commbus.CommBus, logger logging.Logger) *AgentServer {
	return &AgentServer{
		engine: engine,
		bus:    bus,
		logger: logging.OrNop(logger).Bind("component", "grpc"),
	}
}

// Process runs one input through the agent's pipeline and returns the reply.
func (s *AgentServer) Process(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := processRequestFrom(in)
	if err := validateRequired(req.AgentID, "agent_id"); err != nil {
		return nil, err
	}
	if err := validateRequired(req.UserID, "user_id"); err != nil {
		return nil, err
	}

	res, err := s.engine.Process(ctx, req.input(), req.AgentID, nil)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := res.Err(); err != nil {
		s.logger.Debug("process_failed",
			"agent_id", req.AgentID,
			"user_id", req.UserID,
			"error", err.Error(),
		)
		return nil, toStatus(err)
	}

	reply := ProcessReply{Status: res.Status()}
	if content := res.Content(); content != nil {
		reply.Text = fmt.Sprint(content)
	}
	return reply.toStruct()
}

// Stats returns the registered agents and the outbound queue stats. A
// "queue" field narrows the stats to one queue.
func (s *AgentServer) Stats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	reply := StatsReply{Agents: s.engine.AgentIDs()}

	if s.bus != nil {
		name := in.GetFields()["queue"].GetStringValue()
		result, err := s.bus.QuerySync(ctx, &commbus.GetQueueStats{Queue: name})
		switch {
		case errors.Is(err, commbus.ErrNoHandler):
		case err != nil:
			return nil, toStatus(err)
		default:
			reply.Queues, _ = result.([]queue.Stats)
		}
	}
	return reply.toStruct()
}

// =============================================================================
// GRACEFUL SERVER
// =============================================================================

// DefaultShutdownTimeout bounds how long Serve waits for in-flight calls
// once its context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// GracefulServer wraps a gRPC server with bounded graceful shutdown.
type GracefulServer struct {
	grpcServer      *grpc.Server
	logger          Logger
	address         string
	shutdownTimeout time.Duration

	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer creates a GracefulServer serving svc. With no options
// the standard interceptors and tracing stats handler are installed.
func NewGracefulServer(svc AgentService, address string, logger Logger, opts ...grpc.ServerOption) *GracefulServer {
	if logger == nil {
		logger = logging.Nop()
	}
	if len(opts) == 0 {
		opts = ServerOptions(logger)
	}

	grpcServer := grpc.NewServer(opts...)
	RegisterAgentService(grpcServer, svc)

	return &GracefulServer{
		grpcServer:      grpcServer,
		logger:          logger,
		address:         address,
		shutdownTimeout: DefaultShutdownTimeout,
	}
}

// SetShutdownTimeout changes the shutdown bound. Values <= 0 keep the
// default.
func (s *GracefulServer) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		s.shutdownTimeout = d
	}
}

// Start listens on the configured address and blocks until ctx is cancelled,
// then shuts down.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled. In-flight calls get the
// shutdown timeout to finish before the server is stopped hard.
func (s *GracefulServer) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated",
			"reason", ctx.Err().Error(),
		)
		s.ShutdownWithTimeout(s.shutdownTimeout)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// GracefulStop stops accepting connections and waits for in-flight calls.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Info("grpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// ShutdownWithTimeout stops gracefully and forces an immediate stop if
// calls are still running after timeout. It reports whether it had to
// force.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return false
	case <-timer.C:
		s.logger.Warn("grpc_graceful_shutdown_timeout",
			"timeout_ms", timeout.Milliseconds(),
		)
		s.grpcServer.Stop()
		return true
	}
}

// Address returns the configured listen address.
func (s *GracefulServer) Address() string {
	return s.address
}
