package grpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AporiaLabs/echo/commbus"
	"github.com/AporiaLabs/echo/coreengine/agents"
	"github.com/AporiaLabs/echo/coreengine/channels"
	"github.com/AporiaLabs/echo/coreengine/framework"
	"github.com/AporiaLabs/echo/coreengine/generator"
	"github.com/AporiaLabs/echo/coreengine/memory"
	"github.com/AporiaLabs/echo/coreengine/pipeline"
	"github.com/AporiaLabs/echo/coreengine/queue"
	"github.com/AporiaLabs/echo/coreengine/router"
	"github.com/AporiaLabs/echo/coreengine/routes"
	"github.com/AporiaLabs/echo/coreengine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const bufSize = 1024 * 1024

type harness struct {
	client     *Client
	store      *memory.InMemoryStore
	classifier *testutil.MockClassifier
	bus        *commbus.InMemoryCommBus
	logger     *testutil.MockLogger
}

func newHarness(t *testing.T, decision router.Decision, queues ...*queue.Queue) *harness {
	t.Helper()
	h := &harness{
		store:      memory.NewInMemoryStore(),
		classifier: testutil.NewMockClassifier(decision),
		bus:        commbus.NewInMemoryCommBus(time.Second, nil),
		logger:     testutil.NewMockLogger(),
	}
	text := testutil.NewMockTextGenerator("Specifics. What are your current metrics?")

	fw := framework.NewDefault(framework.Deps{
		Store:      h.store,
		Classifier: h.classifier,
		Bus:        h.bus,
	})
	agent := agents.New(agents.EchoCharacter(), agents.WithRoutes(routes.Default(routes.Deps{
		Store:     h.store,
		Text:      text,
		Generator: generator.New(text, generator.Config{MinLen: 5}, nil),
	})...))
	require.NoError(t, fw.Register(agent))
	if len(queues) > 0 {
		require.NoError(t, channels.RegisterQueueStats(h.bus, queues...))
	}

	h.client = dialServer(t, NewAgentServer(fw, h.bus, nil), h.logger)
	return h
}

// dialServer serves svc over an in-memory listener with the standard
// interceptors and returns a connected client.
func dialServer(t *testing.T, svc AgentService, logger Logger) *Client {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	server := NewGracefulServer(svc, "bufconn", logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = server.Serve(ctx, lis)
		close(done)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-done
	})
	return NewClient(conn)
}

func conversation() router.Decision {
	return router.Decision{SelectedRoute: routes.Conversation, Confidence: 0.9, Reasoning: "greeting"}
}

// =============================================================================
// PROCESS TESTS
// =============================================================================

func TestProcessReturnsReply(t *testing.T) {
	h := newHarness(t, conversation())

	reply, err := h.client.Process(context.Background(), ProcessRequest{
		AgentID: "echo",
		UserID:  "u1",
		Text:    "Hello",
	})
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusSent, reply.Status)
	assert.Equal(t, "Specifics. What are your current metrics?", reply.Text)
	assert.Equal(t, 1, h.classifier.GetCallCount())

	stored, err := h.store.RecentByUser(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "echo_u1", stored[0].RoomID)

	assert.True(t, h.logger.HasLog("debug", "grpc_request_completed"))
}

func TestProcessCarriesMessageIDAndImages(t *testing.T) {
	h := newHarness(t, conversation())

	_, err := h.client.Process(context.Background(), ProcessRequest{
		AgentID:   "echo",
		UserID:    "u1",
		RoomID:    "room-7",
		Text:      "Look at this",
		ImageURLs: []string{"https://example.com/chart.png"},
		MessageID: "m-42",
		Source:    string(pipeline.SourceWebSocket),
	})
	require.NoError(t, err)

	exists, err := h.store.ExistsByID(context.Background(), "m-42")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestProcessErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		decision router.Decision
		req      ProcessRequest
		code     codes.Code
	}{
		{
			name: "missing agent id",
			req:  ProcessRequest{UserID: "u1", Text: "hi"},
			code: codes.InvalidArgument,
		},
		{
			name: "missing user id",
			req:  ProcessRequest{AgentID: "echo", Text: "hi"},
			code: codes.InvalidArgument,
		},
		{
			name: "unknown agent",
			req:  ProcessRequest{AgentID: "nobody", UserID: "u1", Text: "hi"},
			code: codes.NotFound,
		},
		{
			name: "empty input",
			req:  ProcessRequest{AgentID: "echo", UserID: "u1"},
			code: codes.InvalidArgument,
		},
		{
			name:     "unknown route",
			decision: router.Decision{SelectedRoute: "nonexistent", Confidence: 0.9},
			req:      ProcessRequest{AgentID: "echo", UserID: "u1", Text: "hi"},
			code:     codes.Internal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := tt.decision
			if decision.SelectedRoute == "" {
				decision = conversation()
			}
			h := newHarness(t, decision)

			_, err := h.client.Process(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestProcessClassifierFailure(t *testing.T) {
	h := newHarness(t, conversation())
	h.classifier.WithError(errors.New("upstream down"))

	_, err := h.client.Process(context.Background(), ProcessRequest{AgentID: "echo", UserID: "u1", Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "router error")

	entry, ok := h.logger.Find("error", "grpc_request_failed")
	require.True(t, ok)
	assert.Equal(t, ProcessMethod, entry.Fields["method"])
}

// =============================================================================
// STATS TESTS
// =============================================================================

func TestStatsWithoutQueues(t *testing.T) {
	h := newHarness(t, conversation())

	stats, err := h.client.Stats(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, stats.Agents)
	assert.Empty(t, stats.Queues)
}

func TestStatsReportsQueues(t *testing.T) {
	noSleep := queue.WithSleep(func(time.Duration) {})
	ws := queue.New(queue.WithName("websocket"), noSleep)
	tw := queue.New(queue.WithName("twitter"), noSleep)

	_, err := ws.Enqueue(context.Background(), func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	require.NoError(t, ws.Wait(context.Background()))

	h := newHarness(t, conversation(), ws, tw)

	stats, err := h.client.Stats(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, stats.Queues, 2)
	assert.Equal(t, "websocket", stats.Queues[0].Name)
	assert.Equal(t, uint64(1), stats.Queues[0].Enqueued)
	assert.Equal(t, uint64(1), stats.Queues[0].Completed)

	stats, err = h.client.Stats(context.Background(), "twitter")
	require.NoError(t, err)
	require.Len(t, stats.Queues, 1)
	assert.Equal(t, "twitter", stats.Queues[0].Name)
	assert.Zero(t, stats.Queues[0].Enqueued)
}

// =============================================================================
// RECOVERY & ERROR MAPPING
// =============================================================================

type panickingService struct{ *AgentServer }

func (panickingService) Process(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	panic("boom")
}

func TestPanicBecomesInternal(t *testing.T) {
	logger := testutil.NewMockLogger()
	client := dialServer(t, panickingService{}, logger)

	_, err := client.Process(context.Background(), ProcessRequest{AgentID: "echo", UserID: "u1", Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.True(t, logger.HasLog("error", "grpc_panic_recovered"))

	// Recovery runs inside the logging interceptor, so the panic is logged
	// as a failed call too.
	entry, ok := logger.Find("error", "grpc_request_failed")
	require.True(t, ok)
	assert.Equal(t, "Internal", entry.Fields["code"])
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// blockingService parks Process until release is closed.
type blockingService struct {
	*AgentServer
	entered chan struct{}
	release chan struct{}
}

func (b blockingService) Process(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	close(b.entered)
	<-b.release
	return structpb.NewStruct(nil)
}

func TestServeForcesStopAfterShutdownTimeout(t *testing.T) {
	logger := testutil.NewMockLogger()
	svc := blockingService{entered: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(func() { close(svc.release) })

	lis := bufconn.Listen(bufSize)
	server := NewGracefulServer(svc, "bufconn", logger)
	server.SetShutdownTimeout(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	callErr := make(chan error, 1)
	go func() {
		_, err := NewClient(conn).Process(context.Background(), ProcessRequest{AgentID: "echo", UserID: "u1", Text: "hi"})
		callErr <- err
	}()

	select {
	case <-svc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("call never reached the service")
	}
	cancel()

	select {
	case err := <-served:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the shutdown timeout")
	}
	assert.True(t, logger.HasLog("warn", "grpc_graceful_shutdown_timeout"))

	select {
	case err := <-callErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call was not terminated")
	}
}

func TestShutdownWithTimeoutIdleServer(t *testing.T) {
	logger := testutil.NewMockLogger()
	server := NewGracefulServer(panickingService{}, "bufconn", logger)

	lis := bufconn.Listen(bufSize)
	go func() { _ = server.grpcServer.Serve(lis) }()

	assert.False(t, server.ShutdownWithTimeout(time.Second))
	assert.True(t, logger.HasLog("info", "grpc_graceful_stop_completed"))
	assert.False(t, logger.HasLog("warn", "grpc_graceful_shutdown_timeout"))
}

func TestSetShutdownTimeoutIgnoresNonPositive(t *testing.T) {
	server := NewGracefulServer(panickingService{}, "bufconn", nil)
	server.SetShutdownTimeout(0)
	assert.Equal(t, DefaultShutdownTimeout, server.shutdownTimeout)
	server.SetShutdownTimeout(time.Second)
	assert.Equal(t, time.Second, server.shutdownTimeout)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"agent not found", framework.ErrAgentNotFound, codes.NotFound},
		{"invalid input", pipeline.ErrInvalidInput, codes.InvalidArgument},
		{"canceled", context.Canceled, codes.Canceled},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"already a status", status.Error(codes.Unavailable, "down"), codes.Unavailable},
		{"other", errors.New("boom"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, status.Code(toStatus(tt.err)))
		})
	}
	assert.NoError(t, toStatus(nil))
}

func TestProcessRequestStructRoundTrip(t *testing.T) {
	req := ProcessRequest{AgentID: "echo", UserID: "u1", Text: "hi", ImageURLs: []string{"a", "b"}}
	s, err := req.toStruct()
	require.NoError(t, err)

	got := processRequestFrom(s)
	assert.Equal(t, req.ImageURLs, got.ImageURLs)
	assert.Equal(t, pipeline.SourceNetwork, got.input().Source)
}
