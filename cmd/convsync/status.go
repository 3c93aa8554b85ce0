package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/marketdesk/convsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend reachability",
	Long:  "Display the current configuration and try a live conversation fetch.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyEnv(cfg)
		if err := validateConfig(cfg); err != nil {
			fmt.Printf("Warning: %v\n", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, convsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  WS URL:    %s\n", wsURL(cfg))
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}

		if cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		f := convsync.NewFetcher(getClient(cfg), nil)
		convs, st := f.Conversations(ctx, cfg.Auth.UserID)
		if !st.OK {
			fmt.Printf("  Error fetching conversations: %v\n", st.Err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %s\n", humanize.Comma(int64(len(convs))))
		fmt.Printf("  Unread:        %s\n", humanize.Comma(int64(unread)))
		return nil
	},
}
