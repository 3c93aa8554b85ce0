package convsync

import (
	"encoding/json"
	"testing"
	"time"
)

func TestConversationFromRecord(t *testing.T) {
	tests := []struct {
		name    string
		record  Record
		want    Conversation
		wantErr bool
	}{
		{
			name:   "flat store shape",
			record: Record{"partnerId": "42", "storeName": "Corner Shop", "logo": "l.png", "storeAddress": "1 Main St", "unreadCount": float64(3)},
			want:   Conversation{ID: "42", OwnerID: "me", DisplayName: "Corner Shop", AvatarURL: "l.png", Address: "1 Main St", UnreadCount: 3, Presence: PresenceOffline},
		},
		{
			name: "nested user object",
			record: Record{
				"userId": "me",
				"user":   map[string]any{"_id": "7", "username": "baker", "image": "b.png"},
				"online": true,
			},
			want: Conversation{ID: "7", OwnerID: "me", DisplayName: "baker", AvatarURL: "b.png", Presence: PresenceOnline},
		},
		{
			name: "last message object",
			record: Record{
				"id":          "9",
				"shopName":    "Deli",
				"lastMessage": map[string]any{"text": "see you", "createdAt": "2026-01-02T03:04:05Z"},
			},
			want: Conversation{
				ID: "9", OwnerID: "me", DisplayName: "Deli", LastMessagePreview: "see you",
				LastMessageAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Presence: PresenceOffline,
			},
		},
		{
			name:    "missing id",
			record:  Record{"name": "nobody"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConversationFromRecord(tt.record, "me")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ConversationFromRecord: %v", err)
			}
			if !got.LastMessageAt.Equal(tt.want.LastMessageAt) {
				t.Fatalf("LastMessageAt = %v, want %v", got.LastMessageAt, tt.want.LastMessageAt)
			}
			got.LastMessageAt = tt.want.LastMessageAt
			if *got != tt.want {
				t.Fatalf("got %+v\nwant %+v", *got, tt.want)
			}
		})
	}
}

func TestMessageFromRecord(t *testing.T) {
	t.Run("outbound message keys on receiver", func(t *testing.T) {
		m, err := MessageFromRecord(Record{"_id": "m1", "senderId": "me", "receiverId": "42", "content": "hi", "createdAt": float64(1700000000000)}, "me")
		if err != nil {
			t.Fatalf("MessageFromRecord: %v", err)
		}
		if m.ConversationID != "42" || m.Text != "hi" || m.DeliveryState != DeliverySent {
			t.Fatalf("unexpected message: %+v", m)
		}
		if !m.SentAt.Equal(time.UnixMilli(1700000000000)) {
			t.Fatalf("unexpected sentAt %v", m.SentAt)
		}
	})

	t.Run("populated sender and receiver", func(t *testing.T) {
		m, err := MessageFromRecord(Record{
			"id":       "m2",
			"sender":   map[string]any{"_id": "42", "name": "Shop"},
			"receiver": map[string]any{"_id": "me"},
			"text":     "hello",
			"images":   []any{map[string]any{"url": "a.jpg"}, "b.jpg"},
			"readAt":   "2026-01-02T03:04:05Z",
		}, "me")
		if err != nil {
			t.Fatalf("MessageFromRecord: %v", err)
		}
		if m.SenderID != "42" || m.ConversationID != "42" {
			t.Fatalf("unexpected parties: %+v", m)
		}
		if len(m.Attachments) != 2 || m.Attachments[0] != "a.jpg" {
			t.Fatalf("unexpected attachments: %v", m.Attachments)
		}
		if m.ReadAt == nil || m.DeliveryState != DeliveryRead {
			t.Fatalf("expected read message: %+v", m)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		if _, err := MessageFromRecord(Record{"senderId": "a", "receiverId": "b"}, "me"); err == nil {
			t.Fatal("expected error for missing id")
		}
		if _, err := MessageFromRecord(Record{"id": "m3", "receiverId": "b"}, "me"); err == nil {
			t.Fatal("expected error for missing sender")
		}
	})
}

func TestEventPayloads(t *testing.T) {
	t.Run("typing", func(t *testing.T) {
		p, err := TypingFromPayload(json.RawMessage(`{"from":"42","to":"me","isTyping":true}`))
		if err != nil || !p.Typing || p.From != "42" {
			t.Fatalf("unexpected typing payload %+v, %v", p, err)
		}
		if _, err := TypingFromPayload(json.RawMessage(`{"from":"42","to":"me"}`)); err == nil {
			t.Fatal("expected error without typing flag")
		}
	})

	t.Run("presence", func(t *testing.T) {
		p, err := PresenceFromPayload(json.RawMessage(`"42"`), PresenceOnline)
		if err != nil || p.UserID != "42" || p.Presence != PresenceOnline {
			t.Fatalf("unexpected presence %+v, %v", p, err)
		}
		p, err = PresenceFromPayload(json.RawMessage(`{"userId":"7"}`), PresenceOffline)
		if err != nil || p.UserID != "7" || p.Presence != PresenceOffline {
			t.Fatalf("unexpected presence %+v, %v", p, err)
		}
		if _, err := PresenceFromPayload(json.RawMessage(`{}`), PresenceOnline); err == nil {
			t.Fatal("expected error without user id")
		}
	})

	t.Run("receipt", func(t *testing.T) {
		p, err := ReceiptFromPayload(json.RawMessage(`{"readerId":"42","messageIds":["m1","m2"]}`))
		if err != nil || len(p.MessageIDs) != 2 {
			t.Fatalf("unexpected receipt %+v, %v", p, err)
		}
		if _, err := ReceiptFromPayload(json.RawMessage(`{"messageIds":["m1"]}`)); err == nil {
			t.Fatal("expected error without reader or partner")
		}
		if _, err := ReceiptFromPayload(json.RawMessage(`{"readerId":"42"}`)); err == nil {
			t.Fatal("expected error without ids")
		}
	})
}
