package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.convsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint and logging settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url" validate:"omitempty,url"`
	WSURL    string `toml:"ws_url" validate:"omitempty,url"`
	LogLevel string `toml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id" validate:"omitempty,max=128"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.convsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".convsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

var validate = validator.New()

// validateConfig checks field formats after a load or an edit.
func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config value for %s: %q fails %q", fe.Namespace(), fe.Value(), fe.Tag())
		}
		return err
	}
	return nil
}

// applyEnv overrides file settings with CONVSYNC_* environment variables.
func applyEnv(cfg *Config) {
	for env, dst := range map[string]*string{
		"CONVSYNC_BASE_URL":  &cfg.Default.BaseURL,
		"CONVSYNC_WS_URL":    &cfg.Default.WSURL,
		"CONVSYNC_LOG_LEVEL": &cfg.Default.LogLevel,
		"CONVSYNC_TOKEN":     &cfg.Auth.Token,
		"CONVSYNC_USER_ID":   &cfg.Auth.UserID,
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "convsync",
	Short: "Realtime conversation sync CLI",
	Long:  "Command-line client for the marketplace chat backend.\nList conversations, read and send messages, and follow a live session.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(".env")
		level := logLevel
		if level == "" {
			if cfg, err := loadConfig(); err == nil {
				applyEnv(cfg)
				level = cfg.Default.LogLevel
			}
		}
		initLogger(level)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default from CONVSYNC_LOG_LEVEL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
