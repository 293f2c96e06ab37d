package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/livelog-app/livesync"
)

var (
	watchFeed        bool
	watchWebhookAddr string
	watchRefresh     time.Duration
)

func init() {
	watchCmd.Flags().BoolVar(&watchFeed, "feed", true, "Follow the backend's realtime change feed (rest backend only)")
	watchCmd.Flags().StringVar(&watchWebhookAddr, "webhook-addr", "", "Accept signed database webhooks on this address (e.g. :8787)")
	watchCmd.Flags().DurationVar(&watchRefresh, "refresh", 5*time.Minute, "Periodic full refresh interval (0 disables)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the local cache in sync and print updates",
	Long:  "Mount your collections, follow remote changes and print every cache update until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if _, err := a.requireUser(); err != nil {
			return err
		}

		stopMetrics := serveMetrics()
		defer stopMetrics()

		for _, c := range []livesync.Collection{livesync.CollectionMine, livesync.CollectionAll} {
			unsub := a.syncer.Events(c).Subscribe(printUpdate)
			defer unsub()
		}
		unsubWrites := a.syncer.On(livesync.EventWriteRolledBack, printNotice)
		defer unsubWrites()
		unsubFailed := a.syncer.On(livesync.EventWriteFailed, printNotice)
		defer unsubFailed()
		unsubExpired := a.syncer.On(livesync.EventSessionExpired, func(string, any) {
			fmt.Println(livesync.SessionExpiredMessage)
			stop()
		})
		defer unsubExpired()

		if watchFeed && a.cfg.Backend.Kind == backendREST {
			go func() {
				err := a.syncer.RunFeed(ctx, livesync.FeedConfig{
					URL:           a.cfg.Backend.URL,
					APIKey:        a.cfg.Backend.APIKey,
					Token:         a.cfg.Auth.AccessToken,
					AutoReconnect: true,
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("change feed stopped", slog.Any("error", err))
				}
			}()
		}

		if watchWebhookAddr != "" {
			shutdown, err := serveWebhooks(a)
			if err != nil {
				return err
			}
			defer shutdown()
		}

		a.syncer.RefreshAll(ctx)

		var tick <-chan time.Time
		if watchRefresh > 0 {
			t := time.NewTicker(watchRefresh)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-ctx.Done():
				fmt.Println("Stopped.")
				return nil
			case <-tick:
				if err := a.syncer.RefreshAll(ctx); err != nil {
					logger.Warn("periodic refresh failed", slog.Any("error", err))
				}
			}
		}
	},
}

func serveWebhooks(a *app) (func(), error) {
	handler, err := a.syncer.WebhookHandler(a.cfg.Backend.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("webhook receiver: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/webhooks/changes", handler)
	srv := &http.Server{Addr: watchWebhookAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("webhook server failed", slog.Any("error", err))
		}
	}()
	logger.Info("accepting webhooks", slog.String("addr", watchWebhookAddr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

func printUpdate(snap livesync.Snapshot) {
	if snap.Loading {
		return
	}
	line := fmt.Sprintf("[%s] %-6s %d lives (%s)", time.Now().Format("15:04:05"), snap.Collection, len(snap.Items), snap.State)
	if snap.Refreshing {
		line += " refreshing"
	}
	if snap.Error != nil {
		line += ": " + describe(snap.Error)
	}
	fmt.Println(line)
}

func printNotice(_ string, payload any) {
	n, ok := payload.(livesync.WriteNotice)
	if !ok {
		return
	}
	msg := n.Message
	if msg == "" && n.Err != nil {
		msg = describe(n.Err)
	}
	fmt.Printf("[%s] %s %s: %s\n", time.Now().Format("15:04:05"), n.Write.Op, n.Write.State(), msg)
}
