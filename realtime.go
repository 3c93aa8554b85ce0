package convsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Transport dials the push channel.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live push connection. Write, Ping and Close may be called
// concurrently with a single reader.
type Conn interface {
	Read(ctx context.Context) (*Envelope, error)
	Write(ctx context.Context, env *Envelope) error
	Ping(ctx context.Context) error
	Close() error
}

// WSTransport dials the channel over WebSocket.
type WSTransport struct {
	URL   string
	Token string
}

// NewWSTransport creates a WebSocket transport for url.
func NewWSTransport(url, token string) *WSTransport {
	return &WSTransport{URL: url, Token: token}
}

func (t *WSTransport) Dial(ctx context.Context) (Conn, error) {
	var opts *websocket.DialOptions
	if t.Token != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer " + t.Token}}}
	}
	conn, _, err := websocket.Dial(ctx, t.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (*Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return decodeFrame(data)
}

// errMalformedFrame marks a frame that is not an event envelope. The
// connection stays usable.
var errMalformedFrame = errors.New("malformed frame")

func decodeFrame(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", errMalformedFrame)
	}
	return &env, nil
}

func (c *wsConn) Write(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// Connection State
// ============================================================================

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// EventHandler receives typed channel events. Handlers run on the read loop
// in arrival order and must not block.
type EventHandler func(Event)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *Config) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// EventChannel
// ============================================================================

// EventChannel owns the push connection of one user: it joins the user's
// room and announces presence on every (re)connect, decodes inbound events
// and hands them to subscribers.
type EventChannel struct {
	transport Transport
	config    *Config
	logger    *slog.Logger
	recon     *reconnector

	mu               sync.Mutex
	state            ChannelState
	userID           string
	conn             Conn
	intentionalClose bool
	cancelFn         context.CancelFunc

	hmu      sync.RWMutex
	handlers map[int]EventHandler
	nextID   int
}

// NewEventChannel creates a disconnected channel. config may be nil.
func NewEventChannel(transport Transport, config *Config) *EventChannel {
	cfg := config.withDefaults()
	return &EventChannel{
		transport: transport,
		config:    cfg,
		logger:    cfg.Logger.With("component", "channel"),
		recon:     newReconnector(cfg),
		state:     StateDisconnected,
		handlers:  make(map[int]EventHandler),
	}
}

// State returns the current connection state.
func (c *EventChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers h and returns a function removing it.
func (c *EventChannel) Subscribe(h EventHandler) (unsubscribe func()) {
	c.hmu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.hmu.Unlock()
	return func() {
		c.hmu.Lock()
		delete(c.handlers, id)
		c.hmu.Unlock()
	}
}

func (c *EventChannel) unsubscribeAll() {
	c.hmu.Lock()
	c.handlers = make(map[int]EventHandler)
	c.hmu.Unlock()
}

func (c *EventChannel) dispatch(ev Event) {
	c.hmu.RLock()
	ids := make([]int, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	handlers := make([]EventHandler, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, c.handlers[id])
	}
	c.hmu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("event handler panicked", "event", ev.Type, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}

// Connect dials the transport, joins userID's room and announces the user
// online.
func (c *EventChannel) Connect(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.userID = userID
	c.intentionalClose = false
	c.mu.Unlock()

	conn, err := c.open(ctx, userID)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.cancelFn = cancel
	c.mu.Unlock()
	c.recon.reset()
	c.recon.markConnected()

	c.logger.Info("channel connected", "user", userID)
	c.dispatch(Event{Type: EventConnected})

	go c.readLoop(runCtx, conn)
	go c.heartbeatLoop(runCtx, conn)
	return nil
}

// open dials and performs the room join and online announcement. Neither is
// assumed to survive a transport reconnect, so every dial goes through here.
func (c *EventChannel) open(ctx context.Context, userID string) (Conn, error) {
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := writeEvent(ctx, conn, OutJoinRoom, map[string]string{"userId": userID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join room: %w", err)
	}
	if err := writeEvent(ctx, conn, OutUserOnline, map[string]string{"userId": userID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("announce online: %w", err)
	}
	return conn, nil
}

// Teardown announces the user offline, drops every subscriber and closes
// the transport, in that order.
func (c *EventChannel) Teardown(ctx context.Context) error {
	c.mu.Lock()
	c.intentionalClose = true
	conn := c.conn
	userID := c.userID
	c.mu.Unlock()

	var offlineErr error
	if conn != nil {
		offlineErr = writeEvent(ctx, conn, OutUserOffline, map[string]string{"userId": userID})
		if offlineErr != nil {
			c.logger.Warn("offline announcement failed", "user", userID, "error", offlineErr)
		}
	}

	c.unsubscribeAll()

	c.mu.Lock()
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("close transport", "error", err)
		}
	}
	c.logger.Info("channel torn down", "user", userID)
	return offlineErr
}

// ── Outbound ─────────────────────────────────────────────

// Emit sends a raw event over the live connection.
func (c *EventChannel) Emit(ctx context.Context, eventType string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return writeEvent(ctx, conn, eventType, payload)
}

// Typing tells to that from started or stopped typing.
func (c *EventChannel) Typing(ctx context.Context, from, to string, typing bool) error {
	return c.Emit(ctx, OutTyping, TypingPayload{From: from, To: to, Typing: typing})
}

// BroadcastMessage relays a confirmed message to peers.
func (c *EventChannel) BroadcastMessage(ctx context.Context, m *Message) error {
	return c.Emit(ctx, OutSendMessage, messageRecord(m))
}

// MarkRead tells partnerID that readerID read messageIDs.
func (c *EventChannel) MarkRead(ctx context.Context, partnerID, readerID string, messageIDs []string) error {
	return c.Emit(ctx, OutMarkRead, ReceiptPayload{ReaderID: readerID, PartnerID: partnerID, MessageIDs: messageIDs})
}

func writeEvent(ctx context.Context, conn Conn, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return conn.Write(ctx, &Envelope{Type: eventType, Payload: data})
}

// ── Inbound ──────────────────────────────────────────────

var errUnknownEvent = errors.New("unknown event type")

func (c *EventChannel) readLoop(ctx context.Context, conn Conn) {
	c.mu.Lock()
	self := c.userID
	c.mu.Unlock()

	for {
		env, err := conn.Read(ctx)
		if errors.Is(err, errMalformedFrame) {
			eventsDropped.WithLabelValues(dropInvalidFrame).Inc()
			c.logger.Warn("dropping malformed frame", "reason", err)
			continue
		}
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose || ctx.Err() != nil
			c.mu.Unlock()
			if intentional {
				return
			}
			c.connectionLost(ctx, conn, err)
			return
		}

		ev, err := decodeEvent(env, self)
		if err != nil {
			eventsDropped.WithLabelValues(dropLabel(env.Type)).Inc()
			if errors.Is(err, errUnknownEvent) {
				c.logger.Debug("ignoring event", "event", env.Type)
			} else {
				c.logger.Warn("dropping malformed event", "event", env.Type, "reason", err)
			}
			continue
		}
		eventsReceived.WithLabelValues(string(ev.Type)).Inc()
		c.dispatch(*ev)
	}
}

func (c *EventChannel) connectionLost(ctx context.Context, conn Conn, cause error) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	retry := c.config.AutoReconnect && c.recon.shouldReconnect()
	if retry {
		c.state = StateReconnecting
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.logger.Warn("channel lost", "error", cause, "reconnect", retry)
	c.dispatch(Event{Type: EventDisconnected})

	if retry {
		c.reconnect(ctx)
	}
}

func (c *EventChannel) reconnect(ctx context.Context) {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	for c.recon.shouldReconnect() {
		delay := c.recon.nextDelay()
		c.logger.Info("channel reconnecting", "attempt", c.recon.attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		conn, err := c.open(dialCtx, userID)
		cancel()
		if err != nil {
			c.logger.Warn("reconnect failed", "attempt", c.recon.attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.intentionalClose || ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()
		c.recon.markConnected()
		reconnects.Inc()

		c.logger.Info("channel reconnected", "user", userID)
		c.dispatch(Event{Type: EventReconnected})

		go c.readLoop(ctx, conn)
		go c.heartbeatLoop(ctx, conn)
		return
	}

	c.setState(StateDisconnected)
	c.logger.Error("giving up on channel", "attempts", c.recon.attempt)
}

func (c *EventChannel) heartbeatLoop(ctx context.Context, conn Conn) {
	if c.config.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn
			c.mu.Unlock()
			if !current {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// the read loop sees the closed conn and reconnects
				c.logger.Warn("heartbeat failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *EventChannel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Drop reasons for frames that carry no usable event type.
const (
	dropInvalidFrame = "invalid_frame"
	dropUnknown      = "unknown"
)

// dropLabel keeps the dropped-events label set bounded whatever the server
// sends.
func dropLabel(eventType string) string {
	switch eventType {
	case InNewMessage, InTyping, InUserOnline, InUserOffline, InMessageRead:
		return eventType
	}
	return dropUnknown
}

// decodeEvent turns a wire envelope into a typed event, normalizing the
// payload. selfID keys message conversations.
func decodeEvent(env *Envelope, selfID string) (*Event, error) {
	switch env.Type {
	case InNewMessage:
		r, err := decodeRecord(env.Payload)
		if err != nil {
			return nil, err
		}
		if inner, ok := r["message"].(map[string]any); ok {
			r = Record(inner)
		}
		m, err := MessageFromRecord(r, selfID)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventMessageCreated, Message: m}, nil
	case InTyping:
		p, err := TypingFromPayload(env.Payload)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventTypingChanged, Typing: p}, nil
	case InUserOnline, InUserOffline:
		presence := PresenceOnline
		if env.Type == InUserOffline {
			presence = PresenceOffline
		}
		p, err := PresenceFromPayload(env.Payload, presence)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventPresenceChanged, Presence: p}, nil
	case InMessageRead:
		p, err := ReceiptFromPayload(env.Payload)
		if err != nil {
			return nil, err
		}
		return &Event{Type: EventReceiptRead, Receipt: p}, nil
	}
	return nil, fmt.Errorf("%w: %s", errUnknownEvent, env.Type)
}
