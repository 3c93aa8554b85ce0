package convsync

import (
	"log/slog"
	"time"
)

// Config tunes a Session. Zero values take the defaults below.
type Config struct {
	// TypingTimeout clears a peer's typing flag when no stop event arrives.
	TypingTimeout time.Duration
	// TypingIdle ends a local typing burst after this much inactivity.
	TypingIdle time.Duration
	// BackfillDelays schedules history refetches after a conversation is
	// opened, to pick up read-state changes the channel missed.
	BackfillDelays []time.Duration
	// DisableBackfill turns the refetch schedule off.
	DisableBackfill bool

	AutoReconnect bool
	// MaxReconnectAttempts bounds consecutive redials; negative retries
	// forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration

	// RequestTimeout bounds each backend call made on the engine's behalf.
	RequestTimeout time.Duration
	// QueueSize is the engine loop's inbox capacity.
	QueueSize int

	Logger *slog.Logger
}

// DefaultConfig returns a config with reconnects enabled.
func DefaultConfig() *Config {
	c := &Config{AutoReconnect: true}
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 2500 * time.Millisecond
	}
	if c.TypingIdle == 0 {
		c.TypingIdle = 1800 * time.Millisecond
	}
	if c.BackfillDelays == nil && !c.DisableBackfill {
		c.BackfillDelays = []time.Duration{1 * time.Second, 3 * time.Second}
	}
	if c.DisableBackfill {
		c.BackfillDelays = nil
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// withDefaults copies c (which may be nil) and fills in defaults.
func (c *Config) withDefaults() *Config {
	var cfg Config
	if c != nil {
		cfg = *c
	} else {
		cfg.AutoReconnect = true
	}
	cfg.defaults()
	return &cfg
}
