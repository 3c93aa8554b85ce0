package main

import (
	"fmt"
	"os"

	"github.com/marketdesk/convsync"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit the endpoints and identity convsync uses",
}

// setting is one effective value and where it came from.
type setting struct {
	Key    string
	Value  string
	Source string // file, env, flag, derived, default or unset
}

// effectiveSettings resolves what a session would use: the file values,
// then CONVSYNC_* overrides, then derived defaults. flagLevel is the
// --log-level flag, which wins over both.
func effectiveSettings(file *Config, flagLevel string) []setting {
	env := *file
	applyEnv(&env)

	source := func(fileVal, envVal string) string {
		switch {
		case envVal != fileVal:
			return "env"
		case fileVal != "":
			return "file"
		}
		return "unset"
	}

	base := setting{"default.base_url", env.Default.BaseURL, source(file.Default.BaseURL, env.Default.BaseURL)}
	if base.Value == "" {
		base.Value, base.Source = convsync.DefaultBaseURL, "default"
	}
	ws := setting{"default.ws_url", wsURL(&env), source(file.Default.WSURL, env.Default.WSURL)}
	if env.Default.WSURL == "" {
		ws.Source = "derived"
	}
	level := setting{"default.log_level", env.Default.LogLevel, source(file.Default.LogLevel, env.Default.LogLevel)}
	switch {
	case flagLevel != "":
		level.Value, level.Source = flagLevel, "flag"
	case level.Value == "":
		level.Value, level.Source = "warn", "default"
	}
	token := setting{"auth.token", "", source(file.Auth.Token, env.Auth.Token)}
	if env.Auth.Token != "" {
		token.Value = maskKey(env.Auth.Token)
	}
	user := setting{"auth.user_id", env.Auth.UserID, source(file.Auth.UserID, env.Auth.UserID)}

	return []setting{base, ws, level, token, user}
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective settings after environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No config file. Run 'convsync init <token> <user-id>' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Printf("# %s\n", path)
		for _, s := range effectiveSettings(cfg, logLevel) {
			fmt.Printf("%-18s %-40s (%s)\n", s.Key, valueOrDefault(s.Value, "-"), s.Source)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Long: `Set a value in ~/.convsync/config.toml.

Keys: default.base_url, default.ws_url, default.log_level, auth.token, auth.user_id.
Leave default.ws_url unset to derive it from the base URL.
Example: convsync config set default.ws_url wss://chat.example.com/ws`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := validateConfig(cfg); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "default.base_url" && cfg.Default.WSURL == "" {
			fmt.Printf("Set %s = %s (event channel: %s)\n", key, value, wsURL(cfg))
			return nil
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
