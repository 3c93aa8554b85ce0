package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/marketdesk/convsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool
	conversationsJSON   bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// send
	sendAttachments []string
	sendJSON        bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadSettings()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// Engine.Refresh rather than the bare fetcher so names get enriched.
		engine := convsync.NewEngine(cfg.Auth.UserID, getClient(cfg), nopChannel{}, nil)
		defer engine.Stop()
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		// give profile lookups a moment to land
		time.Sleep(500 * time.Millisecond)

		var list []convsync.Conversation
		for _, c := range engine.Conversations() {
			if conversationsUnread && c.UnreadCount == 0 {
				continue
			}
			list = append(list, c)
		}

		if conversationsJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range list {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("%-12s %-24s%s\n", c.ID, c.DisplayName, unread)
			if c.LastMessagePreview != "" {
				fmt.Printf("             %-14s %s\n", humanize.Time(c.LastMessageAt), c.LastMessagePreview)
			}
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <counterpart-id>",
	Short: "Show the message history with a counterpart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadSettings()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		f := convsync.NewFetcher(getClient(cfg), nil)
		msgs, st := f.Messages(ctx, cfg.Auth.UserID, args[0])
		if !st.OK {
			return fmt.Errorf("request failed: %w", st.Err)
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}

		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

func printMessage(m *convsync.Message) {
	fmt.Printf("[%s] %s: %s", m.SentAt.Local().Format(time.DateTime), m.SenderID, m.Text)
	for _, a := range m.Attachments {
		fmt.Printf(" <%s>", a)
	}
	fmt.Printf("  (%s)\n", m.DeliveryState)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <counterpart-id> <message>",
	Short: "Send a message and broadcast it over the live channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadSettings()
		counterpart, text := args[0], args[1]

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		session := newSession(cfg)
		if err := session.Start(ctx); err != nil && session.Channel().State() != convsync.StateConnected {
			return fmt.Errorf("start session: %w", err)
		}
		defer session.Close(context.Background())

		engine := session.Engine()
		if err := engine.Select(ctx, counterpart); err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		m, err := engine.Send(ctx, text, sendAttachments)
		if err != nil {
			if m != nil {
				return fmt.Errorf("send failed (message %s kept pending): %w", m.ID, err)
			}
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			return printJSON(m)
		}
		fmt.Printf("Message sent to %s\n", counterpart)
		fmt.Printf("  Message ID: %s\n", m.ID)
		fmt.Printf("  Content:    %s\n", m.Text)
		return nil
	},
}

// nopChannel stands in for the event channel in one-shot commands.
type nopChannel struct{}

func (nopChannel) Subscribe(convsync.EventHandler) func() { return func() {} }

func (nopChannel) Typing(context.Context, string, string, bool) error { return nil }

func (nopChannel) BroadcastMessage(context.Context, *convsync.Message) error { return nil }

func (nopChannel) MarkRead(context.Context, string, string, []string) error { return nil }

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the last n messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringSliceVar(&sendAttachments, "attach", nil, "Attachment URL (repeatable)")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
}
