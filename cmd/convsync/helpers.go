package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/marketdesk/convsync"
)

// loadSettings loads the config file and applies environment overrides.
// It exits when no identity is configured.
func loadSettings() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyEnv(cfg)
	if err := validateConfig(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'convsync init <token> <user-id>' first.")
		os.Exit(1)
	}
	return cfg
}

// getClient creates a backend client authenticated with the stored token.
func getClient(cfg *Config) *convsync.Client {
	var opts []convsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, convsync.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, convsync.WithLogger(slog.Default()))
	return convsync.NewClient(cfg.Auth.Token, opts...)
}

// wsURL returns the configured channel URL, deriving it from the base URL
// when unset.
func wsURL(cfg *Config) string {
	if cfg.Default.WSURL != "" {
		return cfg.Default.WSURL
	}
	base := cfg.Default.BaseURL
	if base == "" {
		base = convsync.DefaultBaseURL
	}
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// newSession wires a full session for the configured user.
func newSession(cfg *Config) *convsync.Session {
	transport := convsync.NewWSTransport(wsURL(cfg), cfg.Auth.Token)
	conf := convsync.DefaultConfig()
	conf.Logger = slog.Default()
	return convsync.NewSession(cfg.Auth.UserID, getClient(cfg), transport, conf)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
