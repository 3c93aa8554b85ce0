package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/marketdesk/convsync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchOpen        string
	watchMetricsAddr string
)

func init() {
	watchCmd.Flags().StringVar(&watchOpen, "open", "", "Open a conversation and send each stdin line to it")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print conversation activity",
	Long: `Connect to the event channel and print conversation activity as it arrives.

With --open, the given conversation is selected: its messages are printed and
every line read from stdin is sent to it. A line of the form "/open <id>"
switches to another conversation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadSettings()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			srv := serveMetrics(watchMetricsAddr)
			defer srv.Close()
		}

		session := newSession(cfg)
		engine := session.Engine()
		p := &activityPrinter{engine: engine, printed: make(map[string]bool)}
		p.register()

		if err := session.Start(ctx); err != nil {
			// a failed snapshot still leaves the channel connected
			if session.Channel().State() != convsync.StateConnected {
				return fmt.Errorf("start session: %w", err)
			}
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := session.Close(closeCtx); err != nil {
				slog.Warn("close session", "error", err)
			}
		}()

		fmt.Printf("Connected as %s. %d conversations.\n", cfg.Auth.UserID, len(engine.Conversations()))

		if watchOpen == "" {
			<-ctx.Done()
			return nil
		}
		if err := engine.Select(ctx, watchOpen); err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}
		return readInput(ctx, engine)
	},
}

// readInput sends stdin lines to the active conversation until EOF or
// cancellation.
func readInput(ctx context.Context, engine *convsync.Engine) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if id, found := strings.CutPrefix(line, "/open "); found {
				if err := engine.Select(ctx, strings.TrimSpace(id)); err != nil {
					fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
				}
				continue
			}
			_ = engine.Compose()
			if _, err := engine.Send(ctx, line, nil); err != nil {
				if errors.Is(err, convsync.ErrClosed) {
					return nil
				}
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", "addr", addr, "error", err)
		}
	}()
	return srv
}

// activityPrinter renders engine change notifications. Handlers run one at a
// time, so printed needs no lock.
type activityPrinter struct {
	engine  *convsync.Engine
	printed map[string]bool
	typing  map[string]bool
}

func (p *activityPrinter) register() {
	p.typing = make(map[string]bool)
	p.engine.On(convsync.ChangeThread, func(_ string, payload any) {
		id, _ := payload.(string)
		if id == "" || id != p.engine.Active() {
			return
		}
		for _, m := range p.engine.Thread(id) {
			if m.Provisional || p.printed[m.ID] {
				continue
			}
			p.printed[m.ID] = true
			printMessage(&m)
		}
	})
	p.engine.On(convsync.ChangeConversations, func(_ string, payload any) {
		id, _ := payload.(string)
		c := p.engine.Conversation(id)
		if c == nil {
			return
		}
		// an inbound message clears typing without a typing notification
		p.typing[id] = c.IsTyping
		if id != p.engine.Active() && c.UnreadCount > 0 {
			fmt.Printf("* %s (%d unread): %s\n", c.DisplayName, c.UnreadCount, c.LastMessagePreview)
		}
	})
	p.engine.On(convsync.ChangeTyping, func(_ string, payload any) {
		id, _ := payload.(string)
		c := p.engine.Conversation(id)
		if c == nil || p.typing[id] == c.IsTyping {
			return
		}
		p.typing[id] = c.IsTyping
		if c.IsTyping {
			fmt.Printf("  %s is typing...\n", c.DisplayName)
		}
	})
	p.engine.On(convsync.ChangePresence, func(_ string, payload any) {
		id, _ := payload.(string)
		if id == "" {
			fmt.Println("  (connection lost, everyone shown offline)")
			return
		}
		if c := p.engine.Conversation(id); c != nil {
			fmt.Printf("  %s is %s\n", c.DisplayName, c.Presence)
		}
	})
	p.engine.On(convsync.ChangeSendFailed, func(_ string, payload any) {
		if m, ok := payload.(*convsync.Message); ok {
			fmt.Fprintf(os.Stderr, "  message %s not delivered, still pending\n", m.ID)
		}
	})
	p.engine.On(convsync.ChangeFetchFailed, func(_ string, payload any) {
		fmt.Fprintln(os.Stderr, "  fetch failed, showing cached state")
	})
}
