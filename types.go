package convsync

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	// ErrNotFound is returned when the backend answers 404.
	ErrNotFound = errors.New("not found")
	// ErrNoActiveConversation is returned by operations that need an open conversation.
	ErrNoActiveConversation = errors.New("no active conversation")
	// ErrNotConnected is returned when the event channel has no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrUnknownMessage is returned when a local id does not name a pending message.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrClosed is returned after the engine has been stopped.
	ErrClosed = errors.New("engine closed")
)

// Result is the generic backend response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Record is a decoded backend object before normalization.
type Record map[string]any

// ============================================================================
// Entities
// ============================================================================

// Presence is a peer's connectivity as last announced over the event channel.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// DeliveryState tracks a message from local composition to peer read.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

// Conversation is the summary of a one-to-one conversation. Its ID mirrors
// the counterparty's user id.
type Conversation struct {
	ID                 string    `json:"id"`
	OwnerID            string    `json:"ownerId"`
	DisplayName        string    `json:"displayName"`
	AvatarURL          string    `json:"avatarUrl,omitempty"`
	Address            string    `json:"address,omitempty"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UnreadCount        int       `json:"unreadCount"`
	Presence           Presence  `json:"presence"`
	IsTyping           bool      `json:"isTyping"`
}

// Message is one entry of a conversation thread. Provisional messages carry a
// local id until the server confirms them.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId"`
	Text           string        `json:"text"`
	Attachments    []string      `json:"attachments,omitempty"`
	SentAt         time.Time     `json:"sentAt"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	DeliveryState  DeliveryState `json:"deliveryState"`
	Provisional    bool          `json:"provisional,omitempty"`
}

func (m *Message) clone() *Message {
	c := *m
	if m.Attachments != nil {
		c.Attachments = append([]string(nil), m.Attachments...)
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return &c
}

// StoreProfile is the denormalized profile used to enrich conversations.
type StoreProfile struct {
	Name    string `json:"name"`
	Logo    string `json:"logo"`
	Address string `json:"address"`
}

// SendRequest is the body of a message send.
type SendRequest struct {
	SenderID    string   `json:"senderId"`
	ReceiverID  string   `json:"receiverId"`
	Text        string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

// ============================================================================
// Event Channel Wire Types
// ============================================================================

// Envelope is the wire format for all channel events in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Outbound event names.
const (
	OutJoinRoom    = "joinRoom"
	OutUserOnline  = "userOnline"
	OutUserOffline = "userOffline"
	OutTyping      = "typing"
	OutSendMessage = "sendMessage"
	OutMarkRead    = "markRead"
)

// Inbound event names.
const (
	InNewMessage  = "newMessage"
	InTyping      = "typing"
	InUserOnline  = "userOnline"
	InUserOffline = "userOffline"
	InMessageRead = "messageRead"
)

// EventType names a typed event delivered to the engine.
type EventType string

const (
	EventMessageCreated  EventType = "message.created"
	EventTypingChanged   EventType = "typing.changed"
	EventPresenceChanged EventType = "presence.changed"
	EventReceiptRead     EventType = "receipt.read"

	EventConnected    EventType = "channel.connected"
	EventDisconnected EventType = "channel.disconnected"
	EventReconnected  EventType = "channel.reconnected"
)

// TypingPayload is carried by typing events.
type TypingPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Typing bool   `json:"typing"`
}

// PresencePayload is carried by presence events.
type PresencePayload struct {
	UserID   string   `json:"userId"`
	Presence Presence `json:"presence"`
}

// ReceiptPayload is carried by read-receipt events.
type ReceiptPayload struct {
	ReaderID   string   `json:"readerId,omitempty"`
	PartnerID  string   `json:"partnerId,omitempty"`
	MessageIDs []string `json:"messageIds"`
}

// Event is a typed channel event. Exactly one payload field is set for
// domain events; lifecycle events carry none.
type Event struct {
	Type     EventType
	Message  *Message
	Typing   *TypingPayload
	Presence *PresencePayload
	Receipt  *ReceiptPayload
}
