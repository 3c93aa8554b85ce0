package convsync

import (
	"context"
	"time"
)

// receiptCoordinator marks inbound messages read locally, persists the read
// state and broadcasts it to the peer. At most one persist runs per
// conversation; a request that arrives meanwhile is folded into a follow-up
// run. All methods except persist run on the engine loop.
type receiptCoordinator struct {
	e        *Engine
	inflight map[string]bool
	again    map[string]bool
}

func newReceiptCoordinator(e *Engine) *receiptCoordinator {
	return &receiptCoordinator{
		e:        e,
		inflight: make(map[string]bool),
		again:    make(map[string]bool),
	}
}

// markConversationRead starts a receipt run for conversation id when it has
// unread inbound messages.
func (r *receiptCoordinator) markConversationRead(id string) {
	e := r.e
	ids := e.threads.unreadInbound(id, id)
	c := e.convs.Get(id)
	if len(ids) == 0 && (c == nil || c.UnreadCount == 0) {
		return
	}
	if r.inflight[id] {
		r.again[id] = true
		return
	}
	r.inflight[id] = true
	go r.persist(id, ids)
}

func (r *receiptCoordinator) persist(id string, local []string) {
	e := r.e
	ctx, cancel := e.requestContext()
	defer cancel()

	ids := local
	server, err := e.backend.MarkRead(ctx, id)
	if err != nil {
		receiptsSent.WithLabelValues("fallback").Inc()
		e.logger.Warn("persisting read state failed, applying locally", "conversation", id, "error", err)
	} else {
		receiptsSent.WithLabelValues("persisted").Inc()
		ids = union(server, local)
	}
	e.post(func() { r.finish(id, ids) })
}

func (r *receiptCoordinator) finish(id string, ids []string) {
	e := r.e
	delete(r.inflight, id)

	n := e.threads.markRead(id, ids, time.Now().UTC())
	e.convs.mutate(id, func(c *Conversation) {
		if e.active == id {
			c.UnreadCount = 0
			return
		}
		// switched away meanwhile; keep anything that arrived since
		c.UnreadCount -= n
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
	})
	if len(ids) > 0 {
		self := e.self
		e.emitOutbound(OutMarkRead, func(ctx context.Context) error {
			return e.channel.MarkRead(ctx, id, self, ids)
		})
	}
	if n > 0 {
		e.notify(ChangeThread, id)
	}
	e.notify(ChangeConversations, id)

	if r.again[id] {
		delete(r.again, id)
		if e.active == id {
			r.markConversationRead(id)
		}
	}
}

// apply handles an inbound read receipt. Replaying the same receipt leaves
// state unchanged after the first application.
func (r *receiptCoordinator) apply(p *ReceiptPayload) {
	e := r.e
	conv := receiptConversation(p, e.self)
	if conv == "" {
		conv = e.active
	}
	if conv == "" {
		return
	}

	n := e.threads.markRead(conv, p.MessageIDs, time.Now().UTC())
	if n > 0 {
		e.notify(ChangeThread, conv)
	}
	if p.ReaderID != e.self {
		return
	}
	// read on another device of ours
	c := e.convs.Get(conv)
	if c == nil || c.UnreadCount == 0 {
		return
	}
	e.convs.mutate(conv, func(c *Conversation) { c.UnreadCount = 0 })
	e.notify(ChangeConversations, conv)
}

// receiptConversation resolves which conversation a receipt refers to.
func receiptConversation(p *ReceiptPayload, self string) string {
	switch {
	case p.ReaderID != "" && p.ReaderID != self:
		return p.ReaderID
	case p.PartnerID != "" && p.PartnerID != self:
		return p.PartnerID
	}
	return ""
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok || id == "" {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
