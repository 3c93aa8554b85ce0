package main

import (
	"fmt"

	"github.com/marketdesk/convsync"
	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Backend base URL")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token> <user-id>",
	Short: "Store credentials in ~/.convsync/config.toml",
	Long:  "Initialize convsync by storing the session token and user id in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = args[1]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = convsync.DefaultBaseURL
		}

		if err := validateConfig(cfg); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
