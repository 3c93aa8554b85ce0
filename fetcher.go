package convsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// FetchStatus describes the outcome of the last snapshot fetch. A failed
// fetch yields an empty result, never an error inside the engine.
type FetchStatus struct {
	OK  bool
	Err error
	At  time.Time
}

// Fetcher pulls point-in-time snapshots from the backend and normalizes
// them. Profile lookups are cached for the session, misses included.
type Fetcher struct {
	backend Backend
	logger  *slog.Logger

	mu       sync.Mutex
	profiles map[string]*StoreProfile
}

// NewFetcher creates a fetcher over backend.
func NewFetcher(backend Backend, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		backend:  backend,
		logger:   logger.With("component", "fetcher"),
		profiles: make(map[string]*StoreProfile),
	}
}

// Conversations fetches and normalizes the conversation list of userID.
func (f *Fetcher) Conversations(ctx context.Context, userID string) ([]*Conversation, FetchStatus) {
	records, err := f.backend.Conversations(ctx, userID)
	if err != nil {
		fetchFailures.WithLabelValues("conversations").Inc()
		f.logger.Warn("conversation fetch failed", "user", userID, "error", err)
		return nil, FetchStatus{Err: err, At: time.Now()}
	}

	out := make([]*Conversation, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		c, err := ConversationFromRecord(r, userID)
		if err != nil {
			f.logger.Warn("skipping conversation record", "reason", err)
			continue
		}
		if c.ID == userID || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out, FetchStatus{OK: true, At: time.Now()}
}

// Messages fetches the history between userID and counterpartID. Records
// that do not belong to the pair are dropped.
func (f *Fetcher) Messages(ctx context.Context, userID, counterpartID string) ([]*Message, FetchStatus) {
	records, err := f.backend.Messages(ctx, userID, counterpartID)
	if err != nil {
		fetchFailures.WithLabelValues("messages").Inc()
		f.logger.Warn("message fetch failed", "user", userID, "conversation", counterpartID, "error", err)
		return nil, FetchStatus{Err: err, At: time.Now()}
	}

	out := make([]*Message, 0, len(records))
	for _, r := range records {
		m, err := MessageFromRecord(r, userID)
		if err != nil {
			f.logger.Warn("skipping message record", "conversation", counterpartID, "reason", err)
			continue
		}
		if m.ConversationID != counterpartID || (m.SenderID != userID && m.ReceiverID != userID) {
			continue
		}
		out = append(out, m)
	}
	return out, FetchStatus{OK: true, At: time.Now()}
}

// Profile looks up the store profile of userID. Failures are silent: the
// caller keeps the raw identifier.
func (f *Fetcher) Profile(ctx context.Context, userID string) (*StoreProfile, bool) {
	f.mu.Lock()
	p, cached := f.profiles[userID]
	f.mu.Unlock()
	if cached {
		return p, p != nil
	}

	r, err := f.backend.StoreProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			f.logger.Debug("profile lookup failed", "user", userID, "error", err)
			// transient; try again on the next lookup
			return nil, false
		}
		r = nil
	}
	if r != nil {
		p = ProfileFromRecord(r)
		if p.Name == "" && p.Logo == "" && p.Address == "" {
			p = nil
		}
	}

	f.mu.Lock()
	f.profiles[userID] = p
	f.mu.Unlock()
	return p, p != nil
}

// needsEnrichment reports whether c lacks denormalized profile data.
func needsEnrichment(c *Conversation) bool {
	return c.DisplayName == "" || c.DisplayName == c.ID || c.AvatarURL == ""
}
