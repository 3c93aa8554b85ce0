package convsync

import (
	"sort"
	"sync"
	"time"
)

// Both stores are safe for concurrent readers. Writes come only from the
// engine loop; the exported accessors return copies.

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore maps conversation id to its summary.
type ConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{convs: make(map[string]*Conversation)}
}

// Get returns a copy of the conversation, or nil.
func (s *ConversationStore) Get(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// List returns all conversations, most recent activity first.
func (s *ConversationStore) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of known conversations.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// update applies fn to the conversation, creating it with create when absent.
// It reports whether the entry was created.
func (s *ConversationStore) update(id string, create func() *Conversation, fn func(c *Conversation)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		if create == nil {
			return false
		}
		c = create()
		s.convs[id] = c
	}
	fn(c)
	return !ok
}

// mutate applies fn only when the conversation exists.
func (s *ConversationStore) mutate(id string, fn func(c *Conversation)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return false
	}
	fn(c)
	return true
}

func (s *ConversationStore) each(fn func(c *Conversation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		fn(c)
	}
}

func (s *ConversationStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = make(map[string]*Conversation)
}

// ============================================================================
// ThreadStore
// ============================================================================

// ThreadStore holds message threads keyed by conversation id. Threads keep
// insertion order; they are never re-sorted by timestamp.
type ThreadStore struct {
	mu      sync.RWMutex
	threads map[string]*thread
}

type thread struct {
	msgs []*Message
}

// NewThreadStore creates an empty store.
func NewThreadStore() *ThreadStore {
	return &ThreadStore{threads: make(map[string]*thread)}
}

// Messages returns a copy of the thread for conversationID.
func (s *ThreadStore) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(t.msgs))
	for _, m := range t.msgs {
		out = append(out, *m.clone())
	}
	return out
}

// Message returns a copy of one message, or nil.
func (s *ThreadStore) Message(conversationID, id string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	if i := t.index(id); i >= 0 {
		return t.msgs[i].clone()
	}
	return nil
}

func (t *thread) index(id string) int {
	for i, m := range t.msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *ThreadStore) thread(conversationID string) *thread {
	t, ok := s.threads[conversationID]
	if !ok {
		t = &thread{}
		s.threads[conversationID] = t
	}
	return t
}

// ensure creates the thread so that selecting an empty conversation yields
// an empty, non-nil view.
func (s *ThreadStore) ensure(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thread(conversationID)
}

func (s *ThreadStore) append(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.thread(m.ConversationID)
	t.msgs = append(t.msgs, m.clone())
}

// merge inserts m or, when an entry with the same id exists, updates it in
// place. Read state only moves forward and attachments the incoming copy
// lacks are kept. It reports whether the thread changed.
func (s *ThreadStore) merge(m *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.thread(m.ConversationID)
	i := t.index(m.ID)
	if i < 0 {
		t.msgs = append(t.msgs, m.clone())
		return true
	}
	return mergeInto(t.msgs[i], m)
}

func mergeInto(dst, src *Message) bool {
	changed := false
	if src.Text != "" && src.Text != dst.Text {
		dst.Text = src.Text
		changed = true
	}
	if len(src.Attachments) > len(dst.Attachments) {
		dst.Attachments = append([]string(nil), src.Attachments...)
		changed = true
	}
	if !src.SentAt.IsZero() && !src.SentAt.Equal(dst.SentAt) {
		dst.SentAt = src.SentAt
		changed = true
	}
	if dst.ReadAt == nil && src.ReadAt != nil {
		t := *src.ReadAt
		dst.ReadAt = &t
		changed = true
	}
	if stateRank(src.DeliveryState) > stateRank(dst.DeliveryState) {
		dst.DeliveryState = src.DeliveryState
		changed = true
	}
	if dst.Provisional && !src.Provisional {
		dst.Provisional = false
		changed = true
	}
	return changed
}

func stateRank(s DeliveryState) int {
	switch s {
	case DeliveryPending:
		return 0
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return -1
}

// confirm swaps the provisional entry localID for the server copy at the
// same position. When the server id is already present (an echo won the
// race) the provisional entry is folded into it instead, so no id appears
// twice. When localID is gone the server copy is merged by id.
func (s *ThreadStore) confirm(conversationID, localID string, m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.thread(conversationID)
	li := t.index(localID)
	si := t.index(m.ID)
	switch {
	case li >= 0 && si < 0:
		local := t.msgs[li]
		next := m.clone()
		if len(next.Attachments) < len(local.Attachments) {
			next.Attachments = append([]string(nil), local.Attachments...)
		}
		t.msgs[li] = next
	case li >= 0 && si >= 0:
		mergeInto(t.msgs[si], m)
		if len(t.msgs[li].Attachments) > len(t.msgs[si].Attachments) {
			t.msgs[si].Attachments = t.msgs[li].Attachments
		}
		t.msgs = append(t.msgs[:li], t.msgs[li+1:]...)
	case si >= 0:
		mergeInto(t.msgs[si], m)
	default:
		t.msgs = append(t.msgs, m.clone())
	}
}

// echoClockSkew bounds how much older than a provisional entry a server
// copy may be and still confirm it.
const echoClockSkew = 2 * time.Minute

// pendingMatch finds the oldest provisional entry sent to receiverID with
// the given text. A server copy stamped well before the entry was created
// is an earlier message with the same text and never matches.
func (s *ThreadStore) pendingMatch(conversationID, receiverID, text string, sentAt time.Time) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[conversationID]
	if !ok {
		return ""
	}
	for _, m := range t.msgs {
		if !m.Provisional || m.ReceiverID != receiverID || m.Text != text {
			continue
		}
		if !sentAt.IsZero() && sentAt.Before(m.SentAt.Add(-echoClockSkew)) {
			continue
		}
		return m.ID
	}
	return ""
}

// has reports whether a thread for conversationID is in memory.
func (s *ThreadStore) has(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.threads[conversationID]
	return ok
}

// unreadInbound lists ids of confirmed messages from counterpartID that
// have no read time yet.
func (s *ThreadStore) unreadInbound(conversationID, counterpartID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	var ids []string
	for _, m := range t.msgs {
		if m.SenderID == counterpartID && m.ReadAt == nil && !m.Provisional {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// markRead stamps at on every listed message that has no read time yet and
// returns how many changed.
func (s *ThreadStore) markRead(conversationID string, ids []string, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	if !ok {
		return 0
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	n := 0
	for _, m := range t.msgs {
		if _, ok := want[m.ID]; !ok || m.ReadAt != nil {
			continue
		}
		ts := at
		m.ReadAt = &ts
		m.DeliveryState = DeliveryRead
		n++
	}
	return n
}

func (s *ThreadStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string]*thread)
}
