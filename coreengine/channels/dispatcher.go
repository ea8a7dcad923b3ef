package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/AporiaLabs/echo/commbus"
	"github.com/AporiaLabs/echo/coreengine/llm"
	"github.com/AporiaLabs/echo/coreengine/logging"
	"github.com/AporiaLabs/echo/coreengine/memory"
	"github.com/AporiaLabs/echo/coreengine/pipeline"
	"github.com/AporiaLabs/echo/coreengine/queue"
	"github.com/AporiaLabs/echo/coreengine/ratelimit"
	"github.com/AporiaLabs/echo/coreengine/router"
	"github.com/AporiaLabs/echo/coreengine/routes"
)

// ApologyText is sent when a message could not be processed.
const ApologyText = "Sorry, I encountered an error processing your message."

// Defaults for DispatcherConfig.
const (
	DefaultRetryLimit    = 3
	DefaultRetryInterval = 2 * time.Second
	DefaultPostUserID    = "scheduler"
)

// Processor runs one input through an agent's pipeline.
// *framework.Framework implements it.
type Processor interface {
	Process(ctx context.Context, input pipeline.Input, agentID string, sink pipeline.Sink) (*pipeline.Response, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	AgentID string
	// DryRun logs outbound sends instead of performing them.
	DryRun bool
	// RetryLimit bounds Channel.Start retries.
	RetryLimit    int
	RetryInterval time.Duration

	// PostInterval enables the periodic post loop when > 0 and a
	// Publisher is set.
	PostInterval time.Duration
	PostUserID   string
	MaxPostLen   int
	Publisher    Publisher

	// Store enables inbound dedup by message id.
	Store memory.Store
	// ShouldReply asks Classifier whether to answer each message.
	ShouldReply bool
	Classifier  llm.Classifier
	// Limiter drops inbound messages from users over their limit.
	Limiter *ratelimit.Limiter

	// Queue paces outbound sends. Nil creates a default queue named after
	// the channel.
	Queue  *queue.Queue
	Bus    commbus.CommBus
	Logger logging.Logger
}

// Dispatcher bridges a Channel and a Processor.
type Dispatcher struct {
	channel Channel
	proc    Processor
	cfg     DispatcherConfig
	queue   *queue.Queue
	logger  logging.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(ch Channel, proc Processor, cfg DispatcherConfig) *Dispatcher {
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.PostUserID == "" {
		cfg.PostUserID = DefaultPostUserID
	}
	if cfg.MaxPostLen <= 0 {
		cfg.MaxPostLen = DefaultMaxPostLen
	}

	logger := logging.OrNop(cfg.Logger).Bind("channel", ch.Name(), "agent_id", cfg.AgentID)
	q := cfg.Queue
	if q == nil {
		q = queue.New(queue.WithName(ch.Name()), queue.WithLogger(cfg.Logger))
	}

	return &Dispatcher{
		channel: ch,
		proc:    proc,
		cfg:     cfg,
		queue:   q,
		logger:  logger,
	}
}

// Queue returns the outbound queue.
func (d *Dispatcher) Queue() *queue.Queue {
	return d.queue
}

// Start starts the channel, retrying failures RetryLimit times at a
// constant interval, then starts the post loop if configured.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.RetryInterval), uint64(d.cfg.RetryLimit)),
		ctx,
	)
	err := backoff.Retry(func() error {
		attempt++
		if err := d.channel.Start(ctx, d.HandleInbound); err != nil {
			d.logger.Warn("channel_start_failed", "attempt", attempt, "error", err.Error())
			return err
		}
		return nil
	}, policy)
	if err != nil {
		cancel()
		return fmt.Errorf("start channel %s after %d attempts: %w", d.channel.Name(), attempt, err)
	}
	d.logger.Info("channel_started", "attempts", attempt, "dry_run", d.cfg.DryRun)

	if d.cfg.PostInterval > 0 && d.cfg.Publisher != nil {
		d.wg.Add(1)
		go d.postLoop(ctx)
	}
	return nil
}

// Stop stops the post loop, drains the queue and closes the channel.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	if err := d.queue.Wait(ctx); err != nil {
		d.logger.Warn("queue_drain_incomplete", "pending", d.queue.Len(), "error", err.Error())
	}
	return d.channel.Close()
}

// HandleInbound processes one inbound message. It is the InboundHandler
// passed to the channel.
func (d *Dispatcher) HandleInbound(ctx context.Context, msg Message) {
	logger := d.logger.Bind("user_id", msg.UserID, "message_id", msg.ID)

	if msg.FromSelf || !msg.Direct {
		logger.Debug("inbound_filtered", "from_self", msg.FromSelf, "direct", msg.Direct)
		return
	}

	// Channel clients choose their own message ids, so they are only
	// unique per channel and user.
	messageID := scopedID(d.channel.Name(), msg.UserID, msg.ID)

	if messageID != "" && d.cfg.Store != nil {
		seen, err := d.cfg.Store.ExistsByID(ctx, messageID)
		if err != nil {
			logger.Warn("inbound_dedup_failed", "error", err.Error())
		} else if seen {
			logger.Debug("inbound_duplicate")
			return
		}
	}

	if res := d.cfg.Limiter.Allow(msg.UserID); !res.Allowed {
		logger.Info("inbound_rate_limited",
			"window", res.Window,
			"limit", res.Limit,
			"retry_after_ms", res.RetryAfter.Milliseconds(),
		)
		return
	}

	d.publish(ctx, &commbus.InboundReceived{
		Channel:   d.channel.Name(),
		AgentID:   d.cfg.AgentID,
		UserID:    msg.UserID,
		MessageID: messageID,
	})

	if d.cfg.ShouldReply && d.cfg.Classifier != nil {
		reply, err := d.cfg.Classifier.Decide(ctx, shouldReplyPrompt(msg.Text), llm.SizeSmall)
		if err != nil {
			logger.Warn("should_reply_failed", "error", err.Error())
			return
		}
		if !reply {
			logger.Debug("inbound_skipped")
			return
		}
	}

	input := pipeline.Input{
		Source:    d.channel.Source(),
		UserID:    msg.UserID,
		Text:      msg.Text,
		ImageURLs: msg.ImageURLs,
		MessageID: messageID,
	}

	sink := pipeline.SinkFuncs{
		Send: func(content any) {
			d.deliver(ctx, msg.UserID, contentText(content))
		},
		Error: func(err error) {
			d.handleError(ctx, logger, msg.UserID, err)
		},
	}

	if _, err := d.proc.Process(ctx, input, d.cfg.AgentID, sink); err != nil {
		logger.Error("inbound_process_failed", "error", err.Error())
	}
}

// scopedID returns the store id for a channel message id, or "" when the
// client sent none.
func scopedID(channel, userID, id string) string {
	if id == "" {
		return ""
	}
	return channel + ":" + userID + ":" + id
}

func (d *Dispatcher) handleError(ctx context.Context, logger logging.Logger, userID string, err error) {
	if silentError(err) {
		logger.Error("inbound_routing_failed", "error", err.Error())
		return
	}
	logger.Error("inbound_failed", "error", err.Error())
	d.deliver(ctx, userID, ApologyText)
}

// silentError reports configuration and classifier errors that are not
// answered with an apology.
func silentError(err error) bool {
	var noHandler *router.NoHandlerError
	return errors.Is(err, router.ErrNoRoutes) || errors.As(err, &noHandler) || llm.IsFormatError(err)
}

// deliver sends text to userID through the queue. Failures are logged and
// reported as a nil delivery.
func (d *Dispatcher) deliver(ctx context.Context, userID, text string) *Delivered {
	if d.cfg.DryRun {
		d.logger.Info("dry_run_send", "user_id", userID, "text", text)
		return &Delivered{UserID: userID, Text: text, SentAt: time.Now().UTC()}
	}

	value, err := d.queue.Enqueue(ctx, func(taskCtx context.Context) (any, error) {
		return d.channel.SendDirect(taskCtx, userID, text)
	})
	if err != nil {
		d.logger.Error("outbound_send_failed", "user_id", userID, "error", err.Error())
		d.publish(ctx, &commbus.OutboundFailed{Channel: d.channel.Name(), UserID: userID, Error: err.Error()})
		return nil
	}
	delivered, _ := value.(*Delivered)
	return delivered
}

// =============================================================================
// POSTS
// =============================================================================

// PostResult is the outcome of one PostOnce.
type PostResult struct {
	Text      string
	Chunks    []string
	Delivered []Delivered
}

// PostOnce asks the agent for a new post and publishes it as a thread.
func (d *Dispatcher) PostOnce(ctx context.Context) (*PostResult, error) {
	if d.cfg.Publisher == nil {
		return nil, errors.New("no publisher configured")
	}

	input := pipeline.Input{
		Source: pipeline.SourceScheduler,
		UserID: d.cfg.PostUserID,
		Type:   pipeline.InputText,
		Text:   routes.CreatePostMessage,
	}

	res, err := d.proc.Process(ctx, input, d.cfg.AgentID, nil)
	if err != nil {
		return nil, err
	}
	if res.Status() != pipeline.StatusSent {
		if res.Err() != nil {
			return nil, fmt.Errorf("post generation: %w", res.Err())
		}
		return nil, errors.New("post generation produced no response")
	}

	text := contentText(res.Content())
	result := &PostResult{Text: text, Chunks: SplitPost(text, d.cfg.MaxPostLen)}
	if len(result.Chunks) == 0 {
		return nil, errors.New("post generation produced empty text")
	}

	if d.cfg.DryRun {
		d.logger.Info("dry_run_post", "text", text, "chunks", len(result.Chunks))
		return result, nil
	}

	value, err := d.queue.Enqueue(ctx, func(taskCtx context.Context) (any, error) {
		return d.cfg.Publisher.Publish(taskCtx, result.Chunks)
	})
	if err != nil {
		d.publish(ctx, &commbus.OutboundFailed{Channel: d.channel.Name(), Error: err.Error()})
		return nil, fmt.Errorf("publish post: %w", err)
	}
	result.Delivered, _ = value.([]Delivered)

	d.logger.Info("post_published", "chunks", len(result.Chunks))
	d.publish(ctx, &commbus.PostPublished{
		AgentID: d.cfg.AgentID,
		Channel: d.channel.Name(),
		Text:    text,
		Chunks:  len(result.Chunks),
	})
	return result, nil
}

func (d *Dispatcher) postLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PostInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.PostOnce(ctx); err != nil {
				d.logger.Error("post_failed", "error", err.Error())
			}
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, msg commbus.Message) {
	if d.cfg.Bus == nil {
		return
	}
	if err := d.cfg.Bus.Publish(ctx, msg); err != nil {
		d.logger.Debug("event_publish_failed", "type", commbus.GetMessageType(msg), "error", err.Error())
	}
}

func shouldReplyPrompt(text string) string {
	return fmt.Sprintf(`<INPUT>
%s
</INPUT>

<SYSTEM>
Decide whether this message is addressed to you and deserves a reply.
Spam, bare emoji and messages meant for someone else do not.
</SYSTEM>`, text)
}

func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	}
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Sprint(content)
	}
	return string(data)
}

// RegisterQueueStats answers commbus GetQueueStats queries for queues.
// An empty query name returns every queue.
func RegisterQueueStats(bus commbus.CommBus, queues ...*queue.Queue) error {
	return bus.RegisterHandler("GetQueueStats", func(ctx context.Context, msg commbus.Message) (any, error) {
		query, _ := msg.(*commbus.GetQueueStats)
		out := make([]queue.Stats, 0, len(queues))
		for _, q := range queues {
			stats := q.Stats()
			if query == nil || query.Queue == "" || query.Queue == stats.Name {
				out = append(out, stats)
			}
		}
		return out, nil
	})
}
