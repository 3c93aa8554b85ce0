package convsync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// The backend has shipped several shapes for the same entities. Each adapter
// below maps exactly one external shape onto a canonical entity; nothing past
// this file looks at raw field names.

var (
	nameKeys     = []string{"displayName", "name", "storeName", "shopName", "username", "fullName"}
	avatarKeys   = []string{"avatarUrl", "avatar", "logo", "image", "profileImage"}
	addressKeys  = []string{"address", "storeAddress", "location"}
	textKeys     = []string{"content", "text", "message"}
	senderKeys   = []string{"senderId", "sender", "from"}
	receiverKeys = []string{"receiverId", "receiver", "to"}
	sentAtKeys   = []string{"createdAt", "sentAt", "timestamp"}
)

// ConversationFromRecord normalizes a conversation list entry. The counterpart
// id is taken from partnerId, the nested user object, or id, in that order.
func ConversationFromRecord(r Record, ownerID string) (*Conversation, error) {
	nested, _ := r["user"].(map[string]any)
	if nested == nil {
		nested, _ = r["partner"].(map[string]any)
	}

	id := firstString(r, "partnerId", "counterpartId")
	if id == "" && nested != nil {
		id = firstString(nested, "id", "_id", "userId")
	}
	if id == "" {
		id = firstString(r, "id", "_id", "userId")
	}
	if id == "" {
		return nil, fmt.Errorf("conversation record without id")
	}

	c := &Conversation{
		ID:                 id,
		OwnerID:            ownerID,
		DisplayName:        firstString(r, nameKeys...),
		AvatarURL:          firstString(r, avatarKeys...),
		Address:            firstString(r, addressKeys...),
		LastMessagePreview: firstString(r, "lastMessage", "lastMessagePreview", "preview"),
		LastMessageAt:      firstTime(r, "lastMessageAt", "updatedAt", "lastMessageTime"),
		UnreadCount:        firstInt(r, "unreadCount", "unread"),
		Presence:           PresenceOffline,
	}
	if lm, ok := r["lastMessage"].(map[string]any); ok {
		c.LastMessagePreview = firstString(lm, textKeys...)
		if c.LastMessageAt.IsZero() {
			c.LastMessageAt = firstTime(lm, sentAtKeys...)
		}
	}
	if nested != nil {
		if c.DisplayName == "" {
			c.DisplayName = firstString(nested, nameKeys...)
		}
		if c.AvatarURL == "" {
			c.AvatarURL = firstString(nested, avatarKeys...)
		}
		if c.Address == "" {
			c.Address = firstString(nested, addressKeys...)
		}
	}
	if online, ok := r["online"].(bool); ok && online {
		c.Presence = PresenceOnline
	}
	return c, nil
}

// MessageFromRecord normalizes a message from a history fetch, a send
// response or a newMessage payload. selfID decides which party is the
// conversation key.
func MessageFromRecord(r Record, selfID string) (*Message, error) {
	id := firstString(r, "id", "_id", "messageId")
	sender := firstString(r, senderKeys...)
	if sender == "" {
		sender = nestedID(r, "sender")
	}
	receiver := firstString(r, receiverKeys...)
	if receiver == "" {
		receiver = nestedID(r, "receiver")
	}
	if id == "" {
		return nil, fmt.Errorf("message without id")
	}
	if sender == "" || receiver == "" {
		return nil, fmt.Errorf("message %s without sender or receiver", id)
	}

	m := &Message{
		ID:            id,
		SenderID:      sender,
		ReceiverID:    receiver,
		Text:          firstString(r, textKeys...),
		Attachments:   stringList(r, "attachments", "images", "files"),
		SentAt:        firstTime(r, sentAtKeys...),
		DeliveryState: DeliverySent,
	}
	if img := firstString(r, "image", "imageUrl"); img != "" && len(m.Attachments) == 0 {
		m.Attachments = []string{img}
	}
	m.ConversationID = counterpartOf(m, selfID)

	if t := firstTime(r, "readAt"); !t.IsZero() {
		m.ReadAt = &t
		m.DeliveryState = DeliveryRead
	} else if read, ok := r["read"].(bool); ok && read {
		t := m.SentAt
		m.ReadAt = &t
		m.DeliveryState = DeliveryRead
	} else if s := firstString(r, "status", "deliveryState"); s != "" {
		switch DeliveryState(s) {
		case DeliveryDelivered, DeliverySent:
			m.DeliveryState = DeliveryState(s)
		}
	}
	return m, nil
}

// ProfileFromRecord normalizes a store profile lookup.
func ProfileFromRecord(r Record) *StoreProfile {
	return &StoreProfile{
		Name:    firstString(r, "name", "storeName", "shopName"),
		Logo:    firstString(r, "logo", "avatar", "image"),
		Address: firstString(r, addressKeys...),
	}
}

// TypingFromPayload normalizes an inbound typing event.
func TypingFromPayload(raw json.RawMessage) (*TypingPayload, error) {
	r, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	p := &TypingPayload{
		From: firstString(r, "from", "senderId", "userId"),
		To:   firstString(r, "to", "receiverId"),
	}
	if p.From == "" || p.To == "" {
		return nil, fmt.Errorf("typing event without from or to")
	}
	typing, ok := r["typing"].(bool)
	if !ok {
		typing, ok = r["isTyping"].(bool)
	}
	if !ok {
		return nil, fmt.Errorf("typing event without typing flag")
	}
	p.Typing = typing
	return p, nil
}

// PresenceFromPayload normalizes userOnline / userOffline events. The
// presence is implied by the event name.
func PresenceFromPayload(raw json.RawMessage, presence Presence) (*PresencePayload, error) {
	var id string
	// Some emitters send the bare user id instead of an object.
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		r, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		id = firstString(r, "userId", "id")
	}
	if id == "" {
		return nil, fmt.Errorf("presence event without user id")
	}
	return &PresencePayload{UserID: id, Presence: presence}, nil
}

// ReceiptFromPayload normalizes an inbound messageRead event.
func ReceiptFromPayload(raw json.RawMessage) (*ReceiptPayload, error) {
	r, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	p := &ReceiptPayload{
		ReaderID:   firstString(r, "readerId"),
		PartnerID:  firstString(r, "partnerId"),
		MessageIDs: stringList(r, "messageIds", "ids"),
	}
	if p.ReaderID == "" && p.PartnerID == "" {
		return nil, fmt.Errorf("receipt without reader or partner")
	}
	if len(p.MessageIDs) == 0 {
		return nil, fmt.Errorf("receipt without message ids")
	}
	return p, nil
}

// messageRecord is the outbound shape of a confirmed message broadcast.
func messageRecord(m *Message) Record {
	r := Record{
		"id":          m.ID,
		"senderId":    m.SenderID,
		"receiverId":  m.ReceiverID,
		"content":     m.Text,
		"attachments": m.Attachments,
		"createdAt":   m.SentAt.UTC().Format(time.RFC3339Nano),
	}
	if m.ReadAt != nil {
		r["readAt"] = m.ReadAt.UTC().Format(time.RFC3339Nano)
	}
	return r
}

// counterpartOf returns the other party of m from selfID's perspective.
func counterpartOf(m *Message, selfID string) string {
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// ============================================================================
// Helpers
// ============================================================================

func decodeRecord(raw json.RawMessage) (Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("empty payload")
	}
	return r, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// nestedID reads the id of a populated sub-document such as sender: {_id: ...}.
func nestedID(m map[string]any, key string) string {
	if sub, ok := m[key].(map[string]any); ok {
		return firstString(sub, "id", "_id")
	}
	return ""
}

func firstInt(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return int(n)
			}
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

func firstTime(m map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
				if t, err := time.Parse(layout, v); err == nil {
					return t
				}
			}
		case float64:
			// epoch milliseconds
			return time.UnixMilli(int64(v)).UTC()
		}
	}
	return time.Time{}
}

func stringList(m map[string]any, keys ...string) []string {
	for _, k := range keys {
		items, ok := m[k].([]any)
		if !ok {
			continue
		}
		var out []string
		for _, it := range items {
			switch v := it.(type) {
			case string:
				if v != "" {
					out = append(out, v)
				}
			case map[string]any:
				if u := firstString(v, "url", "path", "id"); u != "" {
					out = append(out, u)
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
