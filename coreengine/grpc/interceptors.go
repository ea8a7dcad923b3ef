package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AporiaLabs/echo/coreengine/observability"
)

// =============================================================================
// LOGGING INTERCEPTOR
// =============================================================================

// callerFault reports codes caused by the request rather than the server.
func callerFault(code codes.Code) bool {
	switch code {
	case codes.InvalidArgument, codes.NotFound, codes.Canceled, codes.DeadlineExceeded:
		return true
	}
	return false
}

// requestFields extracts agent and user ids from a Struct request.
func requestFields(req any) []any {
	s, ok := req.(*structpb.Struct)
	if !ok {
		return nil
	}
	var kv []any
	for _, key := range []string{"agent_id", "user_id", "message_id"} {
		if v := s.GetFields()[key].GetStringValue(); v != "" {
			kv = append(kv, key, v)
		}
	}
	return kv
}

// LoggingInterceptor logs each call with its agent and user. Rejected
// requests are logged at warn, server failures at error.
func LoggingInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		fields := append([]any{"method", info.FullMethod}, requestFields(req)...)
		logger.Debug("grpc_request_started", fields...)

		resp, err := handler(ctx, req)
		fields = append(fields, "duration_ms", time.Since(start).Milliseconds())

		if err == nil {
			logger.Debug("grpc_request_completed", fields...)
			return resp, nil
		}

		code := status.Code(err)
		fields = append(fields, "code", code.String(), "error", status.Convert(err).Message())
		if callerFault(code) {
			logger.Warn("grpc_request_rejected", fields...)
		} else {
			logger.Error("grpc_request_failed", fields...)
		}
		return resp, err
	}
}

// =============================================================================
// RECOVERY INTERCEPTOR
// =============================================================================

// RecoveryInterceptor turns a handler panic into an Internal error. The
// panic value and stack are logged, never returned to the client.
func RecoveryInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				fields := append([]any{"method", info.FullMethod}, requestFields(req)...)
				fields = append(fields, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
				logger.Error("grpc_panic_recovered", fields...)
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// =============================================================================
// METRICS INTERCEPTOR
// =============================================================================

// MetricsInterceptor records request count and latency per method and code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return resp, err
	}
}

// =============================================================================
// SERVER OPTIONS BUILDER
// =============================================================================

// ServerOptions returns the OpenTelemetry stats handler and the unary chain.
// Recovery runs innermost so a recovered panic reaches the logging and
// metrics interceptors as an Internal error.
func ServerOptions(logger Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(logger),
			MetricsInterceptor(),
			RecoveryInterceptor(logger),
		),
	}
}
