package convsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Channel is the slice of the event channel the engine depends on.
type Channel interface {
	Subscribe(h EventHandler) (unsubscribe func())
	Typing(ctx context.Context, from, to string, typing bool) error
	BroadcastMessage(ctx context.Context, m *Message) error
	MarkRead(ctx context.Context, partnerID, readerID string, messageIDs []string) error
}

// Change notifications delivered through Engine.On.
const (
	ChangeConversations = "conversations.changed"
	ChangeThread        = "thread.changed"
	ChangeTyping        = "typing.changed"
	ChangePresence      = "presence.changed"
	ChangeSendFailed    = "send.failed"
	ChangeFetchFailed   = "fetch.failed"
)

// ChangeHandler receives change notifications. payload is a conversation id
// or, for send.failed, the pending *Message. Handlers run one at a time in
// notification order and may read the stores, but must not call methods that
// wait on the engine loop (Select, Send, Retry, Compose, Pending, Refresh).
type ChangeHandler func(change string, payload any)

type changeEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]ChangeHandler
}

// On registers a handler for a change notification.
func (e *changeEmitter) On(change string, handler ChangeHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[change] = append(e.listeners[change], handler)
}

func (e *changeEmitter) fire(change string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[change]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(change, payload)
		}()
	}
}

func (e *changeEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]ChangeHandler)
}

type change struct {
	name    string
	payload any
}

// ============================================================================
// Engine
// ============================================================================

// Engine reconciles snapshots, channel events and optimistic local writes
// into the conversation and thread stores. Every mutation runs on a single
// loop goroutine; exported methods post work to it and may be called from
// any goroutine.
type Engine struct {
	changeEmitter

	self     string
	config   *Config
	logger   *slog.Logger
	backend  Backend
	channel  Channel
	fetcher  *Fetcher
	convs    *ConversationStore
	threads  *ThreadStore
	timers   *timerManager
	receipts *receiptCoordinator

	// loop-owned
	active   string
	pending  map[string]*Message
	inflight map[string]bool
	bound    map[string]string // local id -> server id, bound while in flight
	counted  map[string]struct{}

	activeView  atomic.Value // string
	fetchStatus atomic.Value // FetchStatus

	inbox       chan func()
	outbound    chan func(context.Context)
	changes     chan change
	done        chan struct{}
	started     atomic.Bool
	stopOnce    sync.Once
	unsubscribe func()
}

// NewEngine creates an engine for self. config may be nil.
func NewEngine(self string, backend Backend, channel Channel, config *Config) *Engine {
	cfg := config.withDefaults()
	e := &Engine{
		changeEmitter: changeEmitter{listeners: make(map[string][]ChangeHandler)},
		self:          self,
		config:        cfg,
		logger:        cfg.Logger.With("component", "engine", "user", self),
		backend:       backend,
		channel:       channel,
		fetcher:       NewFetcher(backend, cfg.Logger),
		convs:         NewConversationStore(),
		threads:       NewThreadStore(),
		pending:       make(map[string]*Message),
		inflight:      make(map[string]bool),
		bound:         make(map[string]string),
		counted:       make(map[string]struct{}),
		inbox:         make(chan func(), cfg.QueueSize),
		outbound:      make(chan func(context.Context), cfg.QueueSize),
		changes:       make(chan change, cfg.QueueSize),
		done:          make(chan struct{}),
	}
	e.timers = newTimerManager(cfg.TypingTimeout, cfg.TypingIdle, func(fn func()) { e.post(fn) })
	e.receipts = newReceiptCoordinator(e)
	e.activeView.Store("")
	e.fetchStatus.Store(FetchStatus{})
	return e
}

// Start runs the loop, subscribes to the channel and seeds the conversation
// store. A failed snapshot leaves the store empty and is reported through
// FetchStatus and the returned error; the engine keeps running.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.launch(); err != nil {
		return err
	}
	return e.Refresh(ctx)
}

// launch runs the loop and subscribes to the channel without fetching.
func (e *Engine) launch() error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}
	go e.run()
	go e.runOutbound()
	go e.runChanges()

	e.unsubscribe = e.channel.Subscribe(func(ev Event) {
		e.post(func() { e.onEvent(ev) })
	})
	return nil
}

// Stop clears every timer, drops the channel subscription and ends the loop.
// Outstanding network calls complete but their results are discarded.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
		if e.started.Load() {
			e.do(func() { e.timers.stopAll() })
		}
		close(e.done)
		e.removeAll()
	})
}

// Reset forgets every conversation and thread. Used at logout.
func (e *Engine) Reset() {
	e.convs.reset()
	e.threads.reset()
	e.activeView.Store("")
}

// ── Loop plumbing ────────────────────────────────────────

func (e *Engine) run() {
	for {
		select {
		case fn := <-e.inbox:
			fn()
		case <-e.done:
			return
		}
	}
}

func (e *Engine) post(fn func()) bool {
	select {
	case e.inbox <- fn:
		return true
	case <-e.done:
		return false
	}
}

// do runs fn on the loop and waits for it. It must not be called from the
// loop itself.
func (e *Engine) do(fn func()) error {
	ran := make(chan struct{})
	if !e.post(func() { fn(); close(ran) }) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

// runOutbound serializes channel emissions so typing start/stop and
// receipts leave in the order they were decided.
func (e *Engine) runOutbound() {
	for {
		select {
		case fn := <-e.outbound:
			ctx, cancel := context.WithTimeout(context.Background(), e.config.RequestTimeout)
			fn(ctx)
			cancel()
		case <-e.done:
			return
		}
	}
}

func (e *Engine) emitOutbound(what string, fn func(ctx context.Context) error) {
	job := func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			e.logger.Debug("channel emit failed", "event", what, "error", err)
		}
	}
	select {
	case e.outbound <- job:
	case <-e.done:
	}
}

func (e *Engine) runChanges() {
	for {
		select {
		case c := <-e.changes:
			e.fire(c.name, c.payload)
		case <-e.done:
			return
		}
	}
}

func (e *Engine) notify(name string, payload any) {
	select {
	case e.changes <- change{name: name, payload: payload}:
	case <-e.done:
	}
}

func (e *Engine) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.config.RequestTimeout)
}

// ── Read accessors ───────────────────────────────────────

// Self returns the local user id.
func (e *Engine) Self() string { return e.self }

// Active returns the id of the open conversation, or "".
func (e *Engine) Active() string { return e.activeView.Load().(string) }

// Conversations returns every known conversation, most recent first.
func (e *Engine) Conversations() []Conversation { return e.convs.List() }

// Conversation returns one conversation, or nil.
func (e *Engine) Conversation(id string) *Conversation { return e.convs.Get(id) }

// Thread returns the messages of a conversation in insertion order.
func (e *Engine) Thread(conversationID string) []Message { return e.threads.Messages(conversationID) }

// FetchStatus returns the outcome of the last conversation list fetch.
func (e *Engine) FetchStatus() FetchStatus { return e.fetchStatus.Load().(FetchStatus) }

// ============================================================================
// Snapshots
// ============================================================================

// Refresh refetches the conversation list and merges it into the store.
func (e *Engine) Refresh(ctx context.Context) error {
	convs, status := e.fetcher.Conversations(ctx, e.self)
	e.fetchStatus.Store(status)
	if status.Err != nil {
		e.notify(ChangeFetchFailed, "")
		return fmt.Errorf("fetch conversations: %w", status.Err)
	}
	return e.do(func() { e.applyConversations(convs) })
}

func (e *Engine) applyConversations(convs []*Conversation) {
	for _, snap := range convs {
		s := snap
		e.convs.update(s.ID, func() *Conversation {
			c := *s
			if c.DisplayName == "" {
				c.DisplayName = c.ID
			}
			return &c
		}, func(c *Conversation) {
			if s.DisplayName != "" {
				c.DisplayName = s.DisplayName
			}
			if s.AvatarURL != "" {
				c.AvatarURL = s.AvatarURL
			}
			if s.Address != "" {
				c.Address = s.Address
			}
			if !s.LastMessageAt.Before(c.LastMessageAt) {
				c.LastMessagePreview = s.LastMessagePreview
				c.LastMessageAt = s.LastMessageAt
			}
			// the open conversation is kept read locally
			if s.ID != e.active {
				c.UnreadCount = s.UnreadCount
			}
		})
		if needsEnrichment(s) {
			e.enrich(s.ID)
		}
	}
	e.notify(ChangeConversations, "")
}

// enrich looks up the store profile of id off the loop and fills in
// whatever the conversation is missing.
func (e *Engine) enrich(id string) {
	go func() {
		ctx, cancel := e.requestContext()
		defer cancel()
		p, ok := e.fetcher.Profile(ctx, id)
		if !ok {
			return
		}
		e.post(func() {
			changed := e.convs.mutate(id, func(c *Conversation) {
				if p.Name != "" && (c.DisplayName == "" || c.DisplayName == c.ID) {
					c.DisplayName = p.Name
				}
				if c.AvatarURL == "" {
					c.AvatarURL = p.Logo
				}
				if c.Address == "" {
					c.Address = p.Address
				}
			})
			if changed {
				e.notify(ChangeConversations, id)
			}
		})
	}()
}

func (e *Engine) synthesize(id string) func() *Conversation {
	return func() *Conversation {
		return &Conversation{ID: id, OwnerID: e.self, DisplayName: id, Presence: PresenceOffline}
	}
}

// ============================================================================
// Selection
// ============================================================================

// Select makes id the active conversation, loads its history and marks
// unread inbound messages read. The previous thread stays in memory.
func (e *Engine) Select(ctx context.Context, id string) error {
	if id == "" || id == e.self {
		return fmt.Errorf("invalid conversation id %q", id)
	}
	err := e.do(func() {
		prev := e.active
		if prev != "" && prev != id {
			if e.timers.localTyping(prev) {
				e.timers.localStop(prev, e.typingEmitter(prev))
			}
			e.timers.cancelBackfill(prev)
		}
		e.setActive(id)
		if e.convs.update(id, e.synthesize(id), func(*Conversation) {}) {
			e.enrich(id)
			e.notify(ChangeConversations, id)
		}
		e.threads.ensure(id)
		e.timers.cancelBackfill(id)
		e.timers.scheduleBackfill(id, e.config.BackfillDelays, func() {
			go e.backfill(id)
		})
	})
	if err != nil {
		return err
	}
	return e.loadThread(ctx, id)
}

func (e *Engine) setActive(id string) {
	e.active = id
	e.activeView.Store(id)
}

// loadThread fetches history for id and merges it, unless id stopped being
// the active conversation while the fetch was in flight.
func (e *Engine) loadThread(ctx context.Context, id string) error {
	msgs, status := e.fetcher.Messages(ctx, e.self, id)
	return e.do(func() {
		if e.active != id {
			staleFetches.Inc()
			e.logger.Debug("discarding stale fetch", "conversation", id, "active", e.active)
			return
		}
		if status.Err != nil {
			e.notify(ChangeFetchFailed, id)
		}
		changed := false
		for _, m := range msgs {
			if e.bindOwn(m) || e.threads.merge(m) {
				changed = true
			}
			e.counted[m.ID] = struct{}{}
		}
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			e.convs.mutate(id, func(c *Conversation) { touchPreview(c, last) })
		}
		if changed {
			e.notify(ChangeThread, id)
		}
		e.receipts.markConversationRead(id)
	})
}

func (e *Engine) backfill(id string) {
	ctx, cancel := e.requestContext()
	defer cancel()
	if err := e.loadThread(ctx, id); err != nil && !errors.Is(err, ErrClosed) {
		e.logger.Debug("backfill failed", "conversation", id, "error", err)
	}
}

// ============================================================================
// Sending
// ============================================================================

// Send appends a provisional message to the active conversation and sends
// it. On failure the provisional entry stays pending and the returned
// message carries its local id for Retry.
func (e *Engine) Send(ctx context.Context, text string, attachments []string) (*Message, error) {
	var local *Message
	var opErr error
	err := e.do(func() {
		if e.active == "" {
			opErr = ErrNoActiveConversation
			return
		}
		to := e.active
		local = &Message{
			ID:             "local-" + uuid.NewString(),
			ConversationID: to,
			SenderID:       e.self,
			ReceiverID:     to,
			Text:           text,
			Attachments:    append([]string(nil), attachments...),
			SentAt:         time.Now().UTC(),
			DeliveryState:  DeliveryPending,
			Provisional:    true,
		}
		e.threads.append(local)
		e.pending[local.ID] = local.clone()
		e.inflight[local.ID] = true
		e.convs.update(to, e.synthesize(to), func(c *Conversation) { touchPreview(c, local) })
		e.timers.localStop(to, e.typingEmitter(to))
		e.notify(ChangeThread, to)
		e.notify(ChangeConversations, to)
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return e.deliver(ctx, local)
}

// Retry resends a provisional message that failed.
func (e *Engine) Retry(ctx context.Context, localID string) (*Message, error) {
	var local *Message
	var opErr error
	err := e.do(func() {
		p, ok := e.pending[localID]
		switch {
		case !ok:
			opErr = fmt.Errorf("%w: %s", ErrUnknownMessage, localID)
		case e.inflight[localID]:
			opErr = fmt.Errorf("send of %s already in flight", localID)
		default:
			e.inflight[localID] = true
			local = p.clone()
		}
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return e.deliver(ctx, local)
}

// Pending returns the provisional messages still awaiting confirmation.
func (e *Engine) Pending() []Message {
	var out []Message
	e.do(func() {
		for _, m := range e.pending {
			out = append(out, *m.clone())
		}
	})
	return out
}

func (e *Engine) deliver(ctx context.Context, local *Message) (*Message, error) {
	rec, err := e.backend.SendMessage(ctx, &SendRequest{
		SenderID:    local.SenderID,
		ReceiverID:  local.ReceiverID,
		Text:        local.Text,
		Attachments: local.Attachments,
	})
	var confirmed *Message
	if err == nil {
		confirmed, err = MessageFromRecord(fillSent(rec, local), e.self)
	}

	if err != nil {
		sendsTotal.WithLabelValues("failed").Inc()
		e.logger.Warn("send failed", "conversation", local.ConversationID, "local_id", local.ID, "error", err)
		var echoed *Message
		e.do(func() {
			delete(e.inflight, local.ID)
			if srvID, ok := e.bound[local.ID]; ok {
				// the server copy already confirmed it
				delete(e.bound, local.ID)
				echoed = e.threads.Message(local.ConversationID, srvID)
				return
			}
			e.notify(ChangeSendFailed, local.clone())
		})
		if echoed != nil {
			return echoed, nil
		}
		return local, fmt.Errorf("send message: %w", err)
	}

	confirmed.ConversationID = local.ConversationID
	confirmed.Provisional = false
	if stateRank(confirmed.DeliveryState) < stateRank(DeliverySent) {
		confirmed.DeliveryState = DeliverySent
	}
	if len(confirmed.Attachments) == 0 && len(local.Attachments) > 0 {
		confirmed.Attachments = append([]string(nil), local.Attachments...)
	}

	sendsTotal.WithLabelValues("confirmed").Inc()
	if err := e.do(func() {
		delete(e.inflight, local.ID)
		delete(e.pending, local.ID)
		delete(e.bound, local.ID)
		e.threads.confirm(local.ConversationID, local.ID, confirmed)
		e.convs.mutate(local.ConversationID, func(c *Conversation) { touchPreview(c, confirmed) })
		e.notify(ChangeThread, local.ConversationID)
		e.emitOutbound(OutSendMessage, func(ctx context.Context) error {
			return e.channel.BroadcastMessage(ctx, confirmed)
		})
	}); err != nil {
		return confirmed, err
	}
	return confirmed, nil
}

// fillSent completes a send response that omits fields the request carried.
func fillSent(r Record, local *Message) Record {
	out := make(Record, len(r)+4)
	for k, v := range r {
		out[k] = v
	}
	if firstString(out, senderKeys...) == "" && nestedID(out, "sender") == "" {
		out["senderId"] = local.SenderID
	}
	if firstString(out, receiverKeys...) == "" && nestedID(out, "receiver") == "" {
		out["receiverId"] = local.ReceiverID
	}
	if firstString(out, textKeys...) == "" {
		out["content"] = local.Text
	}
	if firstTime(out, sentAtKeys...).IsZero() {
		out["createdAt"] = local.SentAt.Format(time.RFC3339Nano)
	}
	return out
}

// touchPreview moves the conversation preview forward to m.
func touchPreview(c *Conversation, m *Message) {
	if m.SentAt.Before(c.LastMessageAt) {
		return
	}
	c.LastMessageAt = m.SentAt
	c.LastMessagePreview = m.Text
	if c.LastMessagePreview == "" && len(m.Attachments) > 0 {
		c.LastMessagePreview = "Attachment"
	}
}

// ============================================================================
// Typing
// ============================================================================

// Compose notes local input in the active conversation. A typing-start is
// emitted once per burst and a stop follows after the idle interval.
func (e *Engine) Compose() error {
	var opErr error
	err := e.do(func() {
		if e.active == "" {
			opErr = ErrNoActiveConversation
			return
		}
		e.timers.localInput(e.active, e.typingEmitter(e.active))
	})
	if err != nil {
		return err
	}
	return opErr
}

func (e *Engine) typingEmitter(to string) func(bool) {
	return func(typing bool) {
		e.emitOutbound(OutTyping, func(ctx context.Context) error {
			return e.channel.Typing(ctx, e.self, to, typing)
		})
	}
}

// ============================================================================
// Inbound events
// ============================================================================

func (e *Engine) onEvent(ev Event) {
	switch ev.Type {
	case EventMessageCreated:
		e.applyMessage(ev.Message)
	case EventTypingChanged:
		e.applyTyping(ev.Typing)
	case EventPresenceChanged:
		e.applyPresence(ev.Presence)
	case EventReceiptRead:
		e.receipts.apply(ev.Receipt)
	case EventDisconnected:
		e.convs.each(func(c *Conversation) { c.Presence = PresenceOffline })
		e.notify(ChangePresence, "")
	case EventReconnected:
		// events sent while the channel was down are gone; catch up
		go func() {
			ctx, cancel := e.requestContext()
			defer cancel()
			e.Refresh(ctx)
		}()
		if e.active != "" {
			go e.backfill(e.active)
		}
	}
}

func (e *Engine) applyMessage(m *Message) {
	if m.SenderID != e.self && m.ReceiverID != e.self {
		e.logger.Debug("ignoring message for other users", "id", m.ID)
		return
	}
	cp := m.ConversationID
	inbound := m.SenderID != e.self
	relevant := e.active != "" && cp == e.active

	// only the open thread takes new entries, but any thread in memory may
	// hold the provisional copy this confirms
	changed := e.threads.has(cp) && e.bindOwn(m)
	if relevant && !changed {
		changed = e.threads.merge(m)
	}
	if changed {
		e.notify(ChangeThread, cp)
	}

	_, seen := e.counted[m.ID]
	e.counted[m.ID] = struct{}{}
	created := e.convs.update(cp, e.synthesize(cp), func(c *Conversation) {
		touchPreview(c, m)
		if inbound && !relevant && !seen {
			c.UnreadCount++
		}
		if inbound {
			// a message ends the peer's typing burst
			c.IsTyping = false
		}
	})
	if inbound {
		e.timers.remoteStopped(cp)
	}
	if created {
		e.enrich(cp)
	}
	e.notify(ChangeConversations, cp)

	if relevant && inbound {
		e.receipts.markConversationRead(cp)
	}
}

// bindOwn swaps a provisional entry for the server copy m of the same send,
// whether m came from the channel or a history fetch. It reports whether an
// entry was bound.
func (e *Engine) bindOwn(m *Message) bool {
	if m.SenderID != e.self || e.threads.Message(m.ConversationID, m.ID) != nil {
		return false
	}
	localID := e.threads.pendingMatch(m.ConversationID, m.ReceiverID, m.Text, m.SentAt)
	if localID == "" {
		return false
	}
	e.threads.confirm(m.ConversationID, localID, m)
	delete(e.pending, localID)
	if e.inflight[localID] {
		e.bound[localID] = m.ID
	}
	return true
}

func (e *Engine) applyTyping(p *TypingPayload) {
	if p.To != e.self {
		return
	}
	id := p.From
	if e.convs.Get(id) == nil {
		e.logger.Debug("typing for unknown conversation", "conversation", id)
		return
	}
	if p.Typing {
		e.timers.remoteTyping(id, func() {
			if e.convs.mutate(id, func(c *Conversation) { c.IsTyping = false }) {
				e.notify(ChangeTyping, id)
			}
		})
	} else {
		e.timers.remoteStopped(id)
	}
	e.convs.mutate(id, func(c *Conversation) { c.IsTyping = p.Typing })
	e.notify(ChangeTyping, id)
}

func (e *Engine) applyPresence(p *PresencePayload) {
	if p.UserID == e.self {
		return
	}
	if e.convs.mutate(p.UserID, func(c *Conversation) { c.Presence = p.Presence }) {
		e.notify(ChangePresence, p.UserID)
	}
}
