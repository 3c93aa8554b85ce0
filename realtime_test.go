package convsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = string(ev.Type)
	}
	return out
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func connectedChannel(t *testing.T) (*EventChannel, *fakeTransport, *eventLog) {
	t.Helper()
	tr := &fakeTransport{}
	ch := NewEventChannel(tr, testConfig())
	log := &eventLog{}
	ch.Subscribe(log.handle)
	if err := ch.Connect(context.Background(), testSelf); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { ch.Teardown(context.Background()) })
	return ch, tr, log
}

func TestChannelConnect(t *testing.T) {
	ch, tr, log := connectedChannel(t)

	if got := tr.conn(0).writtenTypes(); !equalIDs(got, []string{OutJoinRoom, OutUserOnline}) {
		t.Fatalf("expected join then online, got %v", got)
	}
	if ch.State() != StateConnected {
		t.Fatalf("expected connected, got %s", ch.State())
	}
	if got := log.types(); !equalIDs(got, []string{string(EventConnected)}) {
		t.Fatalf("unexpected events: %v", got)
	}

	conn := tr.conn(0)
	conn.mu.Lock()
	var join map[string]string
	json.Unmarshal(conn.written[0].Payload, &join)
	conn.mu.Unlock()
	if join["userId"] != testSelf {
		t.Fatalf("join carried %v", join)
	}

	// a second connect is a no-op
	if err := ch.Connect(context.Background(), testSelf); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if tr.dials() != 1 {
		t.Fatalf("expected one dial, got %d", tr.dials())
	}
}

func TestChannelConnectFailure(t *testing.T) {
	tr := &fakeTransport{dialErr: errNetwork}
	ch := NewEventChannel(tr, testConfig())
	if err := ch.Connect(context.Background(), testSelf); !errors.Is(err, errNetwork) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if ch.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", ch.State())
	}
	if err := ch.Typing(context.Background(), testSelf, "42", true); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestChannelInbound(t *testing.T) {
	_, tr, log := connectedChannel(t)
	conn := tr.conn(0)

	conn.push(t, InNewMessage, map[string]any{"message": map[string]any{"_id": "m1", "senderId": "42", "receiverId": testSelf, "content": "hi"}})
	conn.push(t, InTyping, map[string]any{"from": "42"}) // malformed: no to, no flag
	conn.push(t, "somethingElse", map[string]any{})
	conn.push(t, InTyping, map[string]any{"from": "42", "to": testSelf, "typing": true})
	conn.push(t, InUserOffline, map[string]any{"userId": "42"})
	conn.push(t, InMessageRead, map[string]any{"readerId": "42", "messageIds": []string{"m0"}})

	want := []string{
		string(EventConnected),
		string(EventMessageCreated),
		string(EventTypingChanged),
		string(EventPresenceChanged),
		string(EventReceiptRead),
	}
	waitFor(t, "inbound events", func() bool { return len(log.types()) == len(want) })
	if got := log.types(); !equalIDs(got, want) {
		t.Fatalf("unexpected event order: %v", got)
	}

	log.mu.Lock()
	msg := log.events[1].Message
	presence := log.events[3].Presence
	log.mu.Unlock()
	if msg.ID != "m1" || msg.ConversationID != "42" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if presence.UserID != "42" || presence.Presence != PresenceOffline {
		t.Fatalf("unexpected presence: %+v", presence)
	}
}

func TestChannelMalformedFrames(t *testing.T) {
	_, tr, log := connectedChannel(t)
	conn := tr.conn(0)
	invalid := eventsDropped.WithLabelValues(dropInvalidFrame)
	unknown := eventsDropped.WithLabelValues(dropUnknown)
	invalidBefore := counterValue(t, invalid)
	unknownBefore := counterValue(t, unknown)

	conn.pushFrame(`not json`)
	conn.pushFrame(`{"payload":{"userId":"42"}}`)
	waitFor(t, "invalid frames counted", func() bool {
		return counterValue(t, invalid)-invalidBefore == 2
	})
	conn.pushFrame(`{"type":"x-custom-1","payload":{}}`)
	conn.pushFrame(`{"type":"x-custom-2","payload":{}}`)
	waitFor(t, "unknown types counted", func() bool {
		return counterValue(t, unknown)-unknownBefore == 2
	})

	conn.pushFrame(`{"type":"userOnline","payload":{"userId":"42"}}`)
	waitFor(t, "event after bad frames", func() bool { return len(log.types()) == 2 })
	if got := log.last().Type; got != EventPresenceChanged {
		t.Fatalf("expected presence event, got %s", got)
	}
	if tr.dials() != 1 {
		t.Fatalf("bad frames should not drop the connection, got %d dials", tr.dials())
	}
}

func TestDropLabel(t *testing.T) {
	for in, want := range map[string]string{
		InNewMessage:   InNewMessage,
		InMessageRead:  InMessageRead,
		"":             dropUnknown,
		"anything-new": dropUnknown,
	} {
		if got := dropLabel(in); got != want {
			t.Errorf("dropLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChannelHandlerPanic(t *testing.T) {
	ch, tr, log := connectedChannel(t)
	ch.Subscribe(func(Event) { panic("boom") })

	tr.conn(0).push(t, InUserOnline, "7")
	tr.conn(0).push(t, InUserOnline, "8")
	waitFor(t, "events after panic", func() bool { return len(log.types()) == 3 })
}

func TestChannelReconnect(t *testing.T) {
	ch, tr, log := connectedChannel(t)

	tr.conn(0).Close()

	waitFor(t, "reconnect", func() bool { return tr.dials() == 2 && ch.State() == StateConnected })
	if got := tr.conn(1).writtenTypes(); !equalIDs(got, []string{OutJoinRoom, OutUserOnline}) {
		t.Fatalf("reconnect must replay join and online, got %v", got)
	}
	waitFor(t, "lifecycle events", func() bool { return len(log.types()) == 3 })
	want := []string{string(EventConnected), string(EventDisconnected), string(EventReconnected)}
	if got := log.types(); !equalIDs(got, want) {
		t.Fatalf("unexpected lifecycle: %v", got)
	}

	// events flow on the new connection
	tr.conn(1).push(t, InUserOnline, "42")
	waitFor(t, "event after reconnect", func() bool { return len(log.types()) == 4 })
	if ev := log.last(); ev.Presence == nil || ev.Presence.UserID != "42" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestChannelReconnectDisabled(t *testing.T) {
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.AutoReconnect = false
	ch := NewEventChannel(tr, cfg)
	log := &eventLog{}
	ch.Subscribe(log.handle)
	if err := ch.Connect(context.Background(), testSelf); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tr.conn(0).Close()
	waitFor(t, "disconnect", func() bool { return ch.State() == StateDisconnected })
	if tr.dials() != 1 {
		t.Fatalf("unexpected redial")
	}
}

func TestChannelTeardown(t *testing.T) {
	tr := &fakeTransport{}
	ch := NewEventChannel(tr, testConfig())
	log := &eventLog{}
	ch.Subscribe(log.handle)
	if err := ch.Connect(context.Background(), testSelf); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := tr.conn(0)

	if err := ch.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	// offline was written while the conn was still open
	if got := conn.writtenTypes(); !equalIDs(got, []string{OutJoinRoom, OutUserOnline, OutUserOffline}) {
		t.Fatalf("unexpected writes: %v", got)
	}
	select {
	case <-conn.closed:
	default:
		t.Fatal("transport not closed")
	}
	if ch.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", ch.State())
	}
	if tr.dials() != 1 {
		t.Fatal("teardown must not trigger a reconnect")
	}

	// subscribers are gone
	ch.dispatch(Event{Type: EventConnected})
	if got := log.types(); len(got) != 1 {
		t.Fatalf("handler called after teardown: %v", got)
	}
}

func TestChannelOutbound(t *testing.T) {
	ch, tr, _ := connectedChannel(t)
	ctx := context.Background()

	if err := ch.Typing(ctx, testSelf, "42", true); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	if err := ch.BroadcastMessage(ctx, &Message{ID: "srv-1", SenderID: testSelf, ReceiverID: "42", Text: "hi"}); err != nil {
		t.Fatalf("BroadcastMessage: %v", err)
	}
	if err := ch.MarkRead(ctx, "42", testSelf, []string{"m1"}); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	conn := tr.conn(0)
	want := []string{OutJoinRoom, OutUserOnline, OutTyping, OutSendMessage, OutMarkRead}
	if got := conn.writtenTypes(); !equalIDs(got, want) {
		t.Fatalf("unexpected writes: %v", got)
	}

	conn.mu.Lock()
	var msg map[string]any
	json.Unmarshal(conn.written[3].Payload, &msg)
	var receipt ReceiptPayload
	json.Unmarshal(conn.written[4].Payload, &receipt)
	conn.mu.Unlock()
	if msg["id"] != "srv-1" || msg["content"] != "hi" {
		t.Fatalf("unexpected broadcast: %v", msg)
	}
	if receipt.PartnerID != "42" || receipt.ReaderID != testSelf || !equalIDs(receipt.MessageIDs, []string{"m1"}) {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}
