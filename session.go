package convsync

import (
	"context"
	"errors"
	"fmt"
)

// Session ties an Engine to an EventChannel for the lifetime of one
// signed-in user.
type Session struct {
	userID  string
	engine  *Engine
	channel *EventChannel
}

// NewSession wires a session for userID. config may be nil.
func NewSession(userID string, backend Backend, transport Transport, config *Config) *Session {
	cfg := config.withDefaults()
	ch := NewEventChannel(transport, cfg)
	return &Session{
		userID:  userID,
		engine:  NewEngine(userID, backend, ch, cfg),
		channel: ch,
	}
}

// Engine returns the session's reconciliation engine.
func (s *Session) Engine() *Engine { return s.engine }

// Channel returns the session's event channel.
func (s *Session) Channel() *EventChannel { return s.channel }

// Start subscribes the engine, joins the event channel and then seeds the
// stores, so nothing pushed after the join is missing from the snapshot. A
// failed conversation fetch is returned but leaves the channel connected;
// the engine serves an empty list until the next Refresh.
func (s *Session) Start(ctx context.Context) error {
	if s.userID == "" {
		return fmt.Errorf("session requires a user id")
	}
	if err := s.engine.launch(); err != nil {
		return err
	}
	if err := s.channel.Connect(ctx, s.userID); err != nil {
		s.engine.Stop()
		return fmt.Errorf("connect channel: %w", err)
	}
	return s.engine.Refresh(ctx)
}

// Close announces offline presence, tears the channel down, stops the
// engine and forgets every conversation.
func (s *Session) Close(ctx context.Context) error {
	err := s.channel.Teardown(ctx)
	s.engine.Stop()
	s.engine.Reset()
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("teardown: %w", err)
	}
	return nil
}
