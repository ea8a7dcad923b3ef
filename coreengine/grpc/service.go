package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire names of the agent service. Messages are google.protobuf.Struct so
// the service needs no generated code.
const (
	ServiceName   = "echo.AgentService"
	ProcessMethod = "/echo.AgentService/Process"
	StatsMethod   = "/echo.AgentService/Stats"
)

// AgentService is the server API of echo.AgentService.
type AgentService interface {
	Process(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Process", Handler: processHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "echo/agent_service",
}

// RegisterAgentService registers srv on s.
func RegisterAgentService(s grpc.ServiceRegistrar, srv AgentService) {
	s.RegisterService(&agentServiceDesc, srv)
}

func processHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentService).Process(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ProcessMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentService).Process(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentService).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentService).Stats(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client calls echo.AgentService over a connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Process sends one input and returns the agent's reply.
func (c *Client) Process(ctx context.Context, req ProcessRequest, opts ...grpc.CallOption) (ProcessReply, error) {
	in, err := req.toStruct()
	if err != nil {
		return ProcessReply{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ProcessMethod, in, out, opts...); err != nil {
		return ProcessReply{}, err
	}
	return processReplyFrom(out), nil
}

// Stats returns the registered agents and outbound queue stats.
func (c *Client) Stats(ctx context.Context, queue string, opts ...grpc.CallOption) (StatsReply, error) {
	in, err := structpb.NewStruct(map[string]any{"queue": queue})
	if err != nil {
		return StatsReply{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, StatsMethod, in, out, opts...); err != nil {
		return StatsReply{}, err
	}
	return statsReplyFrom(out), nil
}
