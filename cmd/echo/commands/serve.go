package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AporiaLabs/echo/commbus"
	"github.com/AporiaLabs/echo/coreengine/agents"
	"github.com/AporiaLabs/echo/coreengine/channels"
	"github.com/AporiaLabs/echo/coreengine/config"
	"github.com/AporiaLabs/echo/coreengine/framework"
	"github.com/AporiaLabs/echo/coreengine/generator"
	grpcapi "github.com/AporiaLabs/echo/coreengine/grpc"
	"github.com/AporiaLabs/echo/coreengine/llm"
	"github.com/AporiaLabs/echo/coreengine/logging"
	"github.com/AporiaLabs/echo/coreengine/memory"
	"github.com/AporiaLabs/echo/coreengine/observability"
	"github.com/AporiaLabs/echo/coreengine/queue"
	"github.com/AporiaLabs/echo/coreengine/ratelimit"
	"github.com/AporiaLabs/echo/coreengine/routes"
)

// Environment variables holding provider secrets.
const (
	envOpenAIKey     = "OPENAI_API_KEY"
	envOpenRouterKey = "OPENROUTER_API_KEY"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC API, the websocket channel and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return printError(cmd.ErrOrStderr(), "Invalid configuration", err.Error())
			}
			logger := newLogger(cfg)

			a, err := buildApp(cfg, logger, os.Getenv)
			if err != nil {
				return printError(cmd.ErrOrStderr(), "Failed to start echo", err.Error())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			printSuccess(cmd.OutOrStdout(), "echo serving agent %q (grpc %s, websocket %s, metrics %s)",
				a.agent.AgentID(), cfg.GRPCAddr, cfg.WebSocketAddr, cfg.MetricsAddr)
			return a.run(ctx)
		},
	}
}

// app is the wired runtime of `echo serve`.
type app struct {
	cfg    *config.Config
	logger logging.Logger

	bus        *commbus.InMemoryCommBus
	store      memory.Store
	agent      *agents.Agent
	framework  *framework.Framework
	websocket  *channels.WebSocketChannel
	dispatcher *channels.Dispatcher
	grpc       *grpcapi.GracefulServer
	metrics    *http.Server

	shutdownTracer func(context.Context) error
	unsubscribe    []func()
}

// buildApp wires every component from cfg. getenv supplies the provider
// keys. Nothing listens until run.
func buildApp(cfg *config.Config, logger logging.Logger, getenv func(string) string) (*app, error) {
	logger = logging.OrNop(logger)
	a := &app{
		cfg:            cfg,
		logger:         logger,
		shutdownTracer: func(context.Context) error { return nil },
	}

	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: "echo",
			Endpoint:    cfg.OTLPEndpoint,
			Environment: cfg.Environment,
			SampleRatio: cfg.TraceSampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		a.shutdownTracer = shutdown
	}

	store, err := memory.Open(cfg.StoreBackend, cfg.StoreDSN, cfg.StoreNamespace)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	a.store = store

	a.bus = commbus.NewInMemoryCommBus(5*time.Second, logger)
	a.bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	// Telemetry subscribers that keep failing are skipped for a minute.
	// Queue stats queries always go through.
	a.bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(5, time.Minute, []string{"GetQueueStats"}, logger))
	a.subscribeTelemetry()

	openAIKey := getenv(envOpenAIKey)
	if openAIKey == "" {
		logger.Warn("missing_api_key", "env", envOpenAIKey)
	}
	openRouterKey := getenv(envOpenRouterKey)
	if openRouterKey == "" {
		logger.Warn("missing_api_key", "env", envOpenRouterKey)
	}

	classifier := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:     openAIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		SmallModel: cfg.SmallModel,
		LargeModel: cfg.LargeModel,
		MaxRetries: cfg.LLMMaxRetries,
		Timeout:    cfg.LLMTimeout(),
	}, logger)
	text := llm.NewOpenRouterClient(llm.OpenRouterConfig{
		APIKey:       openRouterKey,
		BaseURL:      cfg.OpenRouterBaseURL,
		DefaultModel: cfg.TextModel,
		Timeout:      cfg.LLMTimeout(),
	}, logger)
	gen := generator.New(text, cfg.GeneratorConfig(), logger)

	a.agent = agents.New(cfg.CharacterOrDefault(), agents.WithRoutes(routes.Default(routes.Deps{
		Store:     store,
		Text:      text,
		TextModel: cfg.TextModel,
		Generator: gen,
		Logger:    logger,
	})...))

	a.framework = framework.NewDefault(framework.Deps{
		Store:               store,
		Classifier:          classifier,
		MemoryLimit:         cfg.MemoryLimit,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		Logger:              logger,
		Bus:                 a.bus,
	})
	if err := a.framework.Register(a.agent); err != nil {
		_ = store.Close()
		return nil, err
	}

	botUserID := cfg.BotUserID
	if botUserID == "" {
		botUserID = a.agent.AgentID()
	}
	a.websocket = channels.NewWebSocketChannel(channels.WebSocketConfig{
		Addr:      cfg.WebSocketAddr,
		BotUserID: botUserID,
		Logger:    logger,
	})
	wsQueue := queue.New(
		queue.WithName(a.websocket.Name()),
		queue.WithPacingDelay(cfg.QueuePacing()),
		queue.WithBackoffDelay(cfg.QueueBackoff()),
		queue.WithLogger(logger),
	)
	a.dispatcher = channels.NewDispatcher(a.websocket, a.framework, channels.DispatcherConfig{
		AgentID:      a.agent.AgentID(),
		DryRun:       cfg.DryRun,
		RetryLimit:   cfg.ChannelRetryLimit,
		PostInterval: cfg.PostInterval(),
		Publisher:    a.websocket,
		Store:        store,
		ShouldReply:  cfg.ShouldReply,
		Classifier:   classifier,
		Limiter:      ratelimit.New(cfg.RateLimit()),
		Queue:        wsQueue,
		Bus:          a.bus,
		Logger:       logger,
	})
	if err := channels.RegisterQueueStats(a.bus, wsQueue); err != nil {
		_ = store.Close()
		return nil, err
	}

	a.grpc = grpcapi.NewGracefulServer(grpcapi.NewAgentServer(a.framework, a.bus, logger), cfg.GRPCAddr, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	return a, nil
}

// subscribeTelemetry logs the runtime events published on the bus.
func (a *app) subscribeTelemetry() {
	logger := a.logger.Bind("component", "telemetry")
	for _, eventType := range []string{"InboundReceived", "RouteSelected", "ResponseProduced", "OutboundFailed", "PostPublished"} {
		eventType := eventType
		a.unsubscribe = append(a.unsubscribe, a.bus.Subscribe(eventType, func(ctx context.Context, msg commbus.Message) (any, error) {
			logger.Info("event", "type", eventType, "payload", msg)
			return nil, nil
		}))
	}
}

// run starts the listeners and blocks until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	if err := a.dispatcher.Start(ctx); err != nil {
		a.close()
		return fmt.Errorf("start websocket channel: %w", err)
	}

	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics_server_error", "error", err.Error())
		}
	}()

	err := a.grpc.Start(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.close()
	return err
}

// close stops every component, outbound queue first so pending replies
// are delivered.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.dispatcher.Stop(ctx); err != nil {
		a.logger.Warn("dispatcher_stop_failed", "error", err.Error())
	}
	if err := a.metrics.Shutdown(ctx); err != nil {
		a.logger.Warn("metrics_shutdown_failed", "error", err.Error())
	}
	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store_close_failed", "error", err.Error())
	}
	if err := a.shutdownTracer(ctx); err != nil {
		a.logger.Warn("tracer_shutdown_failed", "error", err.Error())
	}
	a.logger.Info("echo_stopped")
}
