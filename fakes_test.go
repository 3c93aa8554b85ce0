package convsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSelf = "me"

var errNetwork = errors.New("network unreachable")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	return &Config{
		TypingTimeout:      80 * time.Millisecond,
		TypingIdle:         60 * time.Millisecond,
		DisableBackfill:    true,
		AutoReconnect:      true,
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
		HeartbeatInterval:  -1,
		RequestTimeout:     2 * time.Second,
		Logger:             quietLogger(),
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── Fake backend ─────────────────────────────────────────

type fakeBackend struct {
	mu            sync.Mutex
	conversations []Record
	convErr       error
	messages      map[string][]Record
	gates         map[string]chan struct{}
	profiles      map[string]Record
	sendErr       error
	sendGate      chan struct{}
	sendResp      func(req *SendRequest) Record
	markReadIDs   []string
	markReadErr   error
	onConvs       func()

	sends     []SendRequest
	markReads []string
	lookups   []string
	convCalls int
	nextID    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages: make(map[string][]Record),
		gates:    make(map[string]chan struct{}),
		profiles: make(map[string]Record),
	}
}

func (b *fakeBackend) Conversations(ctx context.Context, userID string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convCalls++
	if b.onConvs != nil {
		b.onConvs()
	}
	if b.convErr != nil {
		return nil, b.convErr
	}
	return append([]Record(nil), b.conversations...), nil
}

func (b *fakeBackend) Messages(ctx context.Context, userID, counterpartID string) ([]Record, error) {
	b.mu.Lock()
	gate := b.gates[counterpartID]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.messages[counterpartID]...), nil
}

// hold makes message fetches for counterpartID block until the returned
// function is called.
func (b *fakeBackend) hold(counterpartID string) (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gates[counterpartID] = gate
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.gates, counterpartID)
		b.mu.Unlock()
		close(gate)
	}
}

func (b *fakeBackend) SendMessage(ctx context.Context, req *SendRequest) (Record, error) {
	b.mu.Lock()
	gate := b.sendGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, *req)
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	if b.sendResp != nil {
		return b.sendResp(req), nil
	}
	b.nextID++
	return Record{
		"_id":        "srv-" + strconv.Itoa(b.nextID),
		"senderId":   req.SenderID,
		"receiverId": req.ReceiverID,
		"content":    req.Text,
		"createdAt":  time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (b *fakeBackend) MarkRead(ctx context.Context, partnerID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markReads = append(b.markReads, partnerID)
	if b.markReadErr != nil {
		return nil, b.markReadErr
	}
	return append([]string(nil), b.markReadIDs...), nil
}

func (b *fakeBackend) StoreProfile(ctx context.Context, userID string) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookups = append(b.lookups, userID)
	if p, ok := b.profiles[userID]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBackend) markReadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.markReads)
}

func (b *fakeBackend) sendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sends)
}

// ── Fake channel ─────────────────────────────────────────

type emitted struct {
	kind    string
	from    string
	to      string
	typing  bool
	message *Message
	ids     []string
}

type fakeChannel struct {
	mu      sync.Mutex
	handler EventHandler
	out     []emitted
}

func (c *fakeChannel) Subscribe(h EventHandler) func() {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
	}
}

func (c *fakeChannel) deliver(ev Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *fakeChannel) Typing(ctx context.Context, from, to string, typing bool) error {
	c.record(emitted{kind: OutTyping, from: from, to: to, typing: typing})
	return nil
}

func (c *fakeChannel) BroadcastMessage(ctx context.Context, m *Message) error {
	c.record(emitted{kind: OutSendMessage, message: m.clone()})
	return nil
}

func (c *fakeChannel) MarkRead(ctx context.Context, partnerID, readerID string, ids []string) error {
	c.record(emitted{kind: OutMarkRead, from: readerID, to: partnerID, ids: append([]string(nil), ids...)})
	return nil
}

func (c *fakeChannel) record(e emitted) {
	c.mu.Lock()
	c.out = append(c.out, e)
	c.mu.Unlock()
}

func (c *fakeChannel) sent(kind string) []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []emitted
	for _, e := range c.out {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// ── Fake transport ───────────────────────────────────────

type fakeConn struct {
	in     chan *Envelope
	errs   chan error
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []*Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan *Envelope, 16), errs: make(chan error, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, env *Envelope) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writtenTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, env := range c.written {
		out[i] = env.Type
	}
	return out
}

func (c *fakeConn) push(t *testing.T, eventType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	c.in <- &Envelope{Type: eventType, Payload: data}
}

// pushFrame feeds raw frame bytes through the same decoding as the
// websocket transport.
func (c *fakeConn) pushFrame(raw string) {
	env, err := decodeFrame([]byte(raw))
	if err != nil {
		c.errs <- err
		return
	}
	c.in <- env
}

type fakeTransport struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error
}

func (tr *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.dialErr != nil {
		return nil, tr.dialErr
	}
	c := newFakeConn()
	tr.conns = append(tr.conns, c)
	return c, nil
}

func (tr *fakeTransport) conn(i int) *fakeConn {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if i >= len(tr.conns) {
		return nil
	}
	return tr.conns[i]
}

func (tr *fakeTransport) dials() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.conns)
}
