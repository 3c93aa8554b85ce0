package main

import (
	"strings"
	"testing"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	for key, value := range map[string]string{
		"default.base_url":  "https://chat.example.com",
		"default.ws_url":    "wss://chat.example.com/ws",
		"default.log_level": "debug",
		"auth.token":        "tok-123",
		"auth.user_id":      "u-1",
	} {
		if err := setConfigValue(cfg, key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	if cfg.Default.BaseURL != "https://chat.example.com" || cfg.Default.WSURL != "wss://chat.example.com/ws" {
		t.Fatalf("unexpected endpoints: %+v", cfg.Default)
	}
	if cfg.Auth.Token != "tok-123" || cfg.Auth.UserID != "u-1" {
		t.Fatalf("unexpected auth: %+v", cfg.Auth)
	}

	for _, key := range []string{"base_url", "default.nope", "auth.nope", "other.field"} {
		if err := setConfigValue(cfg, key, "x"); err == nil {
			t.Errorf("expected error for %q", key)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	if err := validateConfig(&Config{}); err != nil {
		t.Fatalf("empty config should be valid: %v", err)
	}

	ok := &Config{Default: ConfigDefault{BaseURL: "http://localhost:8080", LogLevel: "warn"}}
	if err := validateConfig(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := &Config{Default: ConfigDefault{LogLevel: "loud"}}
	err := validateConfig(bad)
	if err == nil || !strings.Contains(err.Error(), "LogLevel") {
		t.Fatalf("expected log level error, got %v", err)
	}

	bad = &Config{Default: ConfigDefault{BaseURL: "not a url"}}
	if err := validateConfig(bad); err == nil {
		t.Fatal("expected url error")
	}
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"explicit", Config{Default: ConfigDefault{WSURL: "wss://x/socket"}}, "wss://x/socket"},
		{"https base", Config{Default: ConfigDefault{BaseURL: "https://chat.example.com/"}}, "wss://chat.example.com/ws"},
		{"http base", Config{Default: ConfigDefault{BaseURL: "http://localhost:8080"}}, "ws://localhost:8080/ws"},
		{"default", Config{}, "ws://localhost:8080/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wsURL(&tt.cfg); got != tt.want {
				t.Errorf("wsURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("short"); got != "****" {
		t.Errorf("maskKey(short) = %q", got)
	}
	if got := maskKey("abcd-0123456789-wxyz"); got != "abcd...wxyz" {
		t.Errorf("maskKey = %q", got)
	}
}

func TestEffectiveSettings(t *testing.T) {
	for _, env := range []string{"CONVSYNC_BASE_URL", "CONVSYNC_WS_URL", "CONVSYNC_LOG_LEVEL", "CONVSYNC_TOKEN", "CONVSYNC_USER_ID"} {
		t.Setenv(env, "")
	}
	t.Setenv("CONVSYNC_LOG_LEVEL", "debug")

	file := &Config{
		Default: ConfigDefault{BaseURL: "https://chat.example.com"},
		Auth:    ConfigAuth{Token: "abcd-0123456789-wxyz", UserID: "u-1"},
	}
	got := make(map[string]setting)
	for _, s := range effectiveSettings(file, "") {
		got[s.Key] = s
	}

	want := map[string]setting{
		"default.base_url":  {"default.base_url", "https://chat.example.com", "file"},
		"default.ws_url":    {"default.ws_url", "wss://chat.example.com/ws", "derived"},
		"default.log_level": {"default.log_level", "debug", "env"},
		"auth.token":        {"auth.token", "abcd...wxyz", "file"},
		"auth.user_id":      {"auth.user_id", "u-1", "file"},
	}
	for key, w := range want {
		if got[key] != w {
			t.Errorf("%s = %+v, want %+v", key, got[key], w)
		}
	}
	if file.Default.LogLevel != "" {
		t.Fatal("effectiveSettings must not modify the file config")
	}

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("CONVSYNC_LOG_LEVEL", "")
		for _, s := range effectiveSettings(&Config{}, "") {
			switch s.Key {
			case "default.base_url", "default.log_level":
				if s.Source != "default" {
					t.Errorf("%s source = %s, want default", s.Key, s.Source)
				}
			case "auth.token", "auth.user_id":
				if s.Source != "unset" || s.Value != "" {
					t.Errorf("%s = %+v, want unset", s.Key, s)
				}
			}
		}
	})

	t.Run("flag wins", func(t *testing.T) {
		for _, s := range effectiveSettings(file, "error") {
			if s.Key == "default.log_level" && (s.Value != "error" || s.Source != "flag") {
				t.Errorf("log level = %+v, want error from flag", s)
			}
		}
	})
}
