package channels

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AporiaLabs/echo/coreengine/logging"
	"github.com/AporiaLabs/echo/coreengine/pipeline"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
	maxMsgSize      = 1 << 20
	inboxSize       = 32
)

// Frame types written to clients.
const (
	FrameReply = "reply"
	FramePost  = "post"
)

// InboundFrame is what clients send.
type InboundFrame struct {
	ID        string   `json:"id,omitempty"`
	Text      string   `json:"text"`
	ImageURLs []string `json:"imageUrls,omitempty"`
	// Kind is "dm" (the default) or "group".
	Kind string `json:"kind,omitempty"`
}

// OutboundFrame is what the channel sends.
type OutboundFrame struct {
	Type   string    `json:"type"`
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// WebSocketConfig configures a WebSocketChannel.
type WebSocketConfig struct {
	// Addr, when set, makes Start listen on its own server. Leave empty
	// to mount the channel on an existing mux via ServeHTTP.
	Addr string
	Path string
	// BotUserID is the agent's own user id; its messages are dropped.
	BotUserID string
	// PongWait is how long a session may go without a pong before it is
	// dropped. Pings go out every PongWait/2. Defaults to 60s.
	PongWait time.Duration
	Logger   logging.Logger
}

type session struct {
	conn    *websocket.Conn
	userID  string
	writeMu sync.Mutex
}

func (s *session) write(frame OutboundFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(frame)
}

func (s *session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// WebSocketChannel is a direct-message channel over WebSocket. Clients
// connect with ?user_id=<id> and exchange JSON frames.
type WebSocketChannel struct {
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu       sync.RWMutex
	ctx      context.Context
	handler  InboundHandler
	sessions map[string]map[*session]struct{}
	server   *http.Server
	listener net.Listener
}

// NewWebSocketChannel creates a WebSocketChannel.
func NewWebSocketChannel(cfg WebSocketConfig) *WebSocketChannel {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	return &WebSocketChannel{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   logging.OrNop(cfg.Logger).Bind("channel", "websocket"),
		sessions: make(map[string]map[*session]struct{}),
	}
}

func (c *WebSocketChannel) Name() string { return "websocket" }

func (c *WebSocketChannel) Source() pipeline.InputSource { return pipeline.SourceWebSocket }

// Path is the HTTP path the channel serves.
func (c *WebSocketChannel) Path() string { return c.cfg.Path }

// Start registers handler and, when Addr is set, starts listening.
func (c *WebSocketChannel) Start(ctx context.Context, handler InboundHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ctx = ctx
	c.handler = handler
	if c.cfg.Addr == "" || c.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.cfg.Addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(c.cfg.Path, c)
	c.listener = ln
	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("websocket_server_failed", "error", err.Error())
		}
	}()
	c.logger.Info("websocket_listening", "addr", ln.Addr().String(), "path", c.cfg.Path)
	return nil
}

// Addr returns the listening address once started with Addr set.
func (c *WebSocketChannel) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// ServeHTTP upgrades a client connection.
func (c *WebSocketChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket_upgrade_failed", "error", err.Error())
		return
	}

	s := &session{conn: conn, userID: userID}
	c.register(s)
	go c.readLoop(s)
}

// Connected reports how many sessions userID has open.
func (c *WebSocketChannel) Connected(userID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions[userID])
}

func (c *WebSocketChannel) register(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.userID] == nil {
		c.sessions[s.userID] = make(map[*session]struct{})
	}
	c.sessions[s.userID][s] = struct{}{}
	c.logger.Debug("websocket_connected", "user_id", s.userID)
}

func (c *WebSocketChannel) unregister(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.sessions[s.userID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(c.sessions, s.userID)
		}
	}
	_ = s.conn.Close()
	c.logger.Debug("websocket_disconnected", "user_id", s.userID)
}

func (c *WebSocketChannel) readLoop(s *session) {
	defer c.unregister(s)

	pongWait := c.cfg.PongWait
	s.conn.SetReadLimit(maxMsgSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(s, pongWait/2, stop)

	// The handler runs on its own goroutine so reads, and with them pong
	// processing, continue while a message is in flight.
	inbox := make(chan Message, inboxSize)
	defer close(inbox)
	go c.work(s, inbox)

	for {
		var frame InboundFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("websocket_read_failed", "user_id", s.userID, "error", err.Error())
			}
			return
		}

		msg := Message{
			ID:        frame.ID,
			UserID:    s.userID,
			Text:      frame.Text,
			ImageURLs: frame.ImageURLs,
			Direct:    frame.Kind == "" || frame.Kind == "dm",
			FromSelf:  c.cfg.BotUserID != "" && s.userID == c.cfg.BotUserID,
		}
		if msg.FromSelf || !msg.Direct {
			continue
		}

		select {
		case inbox <- msg:
		default:
			c.logger.Warn("websocket_inbox_full", "user_id", s.userID, "message_id", msg.ID)
		}
	}
}

// work hands a session's messages to the inbound handler in arrival order.
func (c *WebSocketChannel) work(s *session, inbox <-chan Message) {
	for msg := range inbox {
		c.mu.RLock()
		ctx, handler := c.ctx, c.handler
		c.mu.RUnlock()
		if handler == nil {
			c.logger.Warn("websocket_not_started", "user_id", s.userID)
			continue
		}
		handler(ctx, msg)
	}
}

func (c *WebSocketChannel) pingLoop(s *session, period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketChannel) snapshot(userID string) []*session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*session
	if userID != "" {
		for s := range c.sessions[userID] {
			out = append(out, s)
		}
		return out
	}
	for _, set := range c.sessions {
		for s := range set {
			out = append(out, s)
		}
	}
	return out
}

// SendDirect writes a reply to every session of userID.
func (c *WebSocketChannel) SendDirect(ctx context.Context, userID, text string) (*Delivered, error) {
	sessions := c.snapshot(userID)
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserNotConnected, userID)
	}

	frame := OutboundFrame{Type: FrameReply, ID: uuid.NewString(), Text: text, SentAt: time.Now().UTC()}
	var errs []error
	for _, s := range sessions {
		if err := s.write(frame); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(sessions) {
		return nil, fmt.Errorf("send to %s: %w", userID, errors.Join(errs...))
	}
	return &Delivered{ID: frame.ID, UserID: userID, Text: text, SentAt: frame.SentAt}, nil
}

// Publish broadcasts each chunk, in order, to every connected session.
func (c *WebSocketChannel) Publish(ctx context.Context, chunks []string) ([]Delivered, error) {
	sessions := c.snapshot("")
	out := make([]Delivered, 0, len(chunks))
	for _, chunk := range chunks {
		frame := OutboundFrame{Type: FramePost, ID: uuid.NewString(), Text: chunk, SentAt: time.Now().UTC()}
		for _, s := range sessions {
			if err := s.write(frame); err != nil {
				c.logger.Debug("websocket_publish_failed", "user_id", s.userID, "error", err.Error())
			}
		}
		out = append(out, Delivered{ID: frame.ID, Text: chunk, SentAt: frame.SentAt})
	}
	return out, nil
}

// Close stops the server, if any, and closes every session.
func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	var err error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = server.Shutdown(ctx)
	}
	for _, s := range c.snapshot("") {
		_ = s.conn.Close()
	}
	return err
}

var (
	_ Channel   = (*WebSocketChannel)(nil)
	_ Publisher = (*WebSocketChannel)(nil)
)
