package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/livelog-app/livesync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session and cache state",
	Long:  "Display the current configuration, the signed-in user and the state of each cached collection without waiting on the network.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		cfg := a.cfg

		fmt.Println("Configuration:")
		fmt.Printf("  Backend:     %s\n", cfg.Backend.Kind)
		switch cfg.Backend.Kind {
		case backendREST:
			fmt.Printf("  URL:         %s\n", valueOrDefault(cfg.Backend.URL, "(not set)"))
			if cfg.Backend.APIKey != "" {
				fmt.Printf("  API Key:     %s\n", maskKey(cfg.Backend.APIKey))
			} else {
				fmt.Println("  API Key:     (not set)")
			}
		case backendPostgres:
			fmt.Printf("  DSN:         %s\n", maskKey(cfg.Backend.DSN))
		}
		fmt.Printf("  Cache:       %s\n", cfg.Cache.Driver)

		fmt.Println()
		fmt.Println("Session:")
		user := a.syncer.Session().Current()
		if user == nil {
			fmt.Println("  User:        (not signed in)")
		} else {
			fmt.Printf("  User:        %s (%s)\n", user.Name, user.ID)
		}
		if cfg.Auth.AccessToken != "" {
			fmt.Printf("  Token:       %s\n", tokenStatus(cmd.Context(), cfg.Auth.AccessToken))
		} else {
			fmt.Println("  Token:       none")
		}

		fmt.Println()
		fmt.Println("Collections:")
		for _, c := range livesync.Collections {
			snap := a.syncer.Events(c).Snapshot()
			synced := "never"
			if !snap.SyncedAt.IsZero() {
				synced = snap.SyncedAt.Local().Format(time.RFC3339)
			}
			fmt.Printf("  %-8s %3d items  %-10s synced %s\n", c, len(snap.Items), snap.State, synced)
		}

		fmt.Println()
		healthy := "reachable"
		if !a.syncer.Health().CachedStatus() {
			healthy = "unreachable"
		}
		fmt.Printf("Backend (last known): %s\n", healthy)
		return nil
	},
}

func tokenStatus(ctx context.Context, token string) string {
	auth := &livesync.TokenAuthenticator{Token: token}
	sess, err := auth.Validate(ctx)
	if err != nil {
		if livesync.KindOf(err) == livesync.KindAuthToken {
			return "EXPIRED or malformed"
		}
		return fmt.Sprintf("unknown (%v)", err)
	}
	if sess.ExpiresAt.IsZero() {
		return "present (no expiry set)"
	}
	return fmt.Sprintf("valid (expires %s)", sess.ExpiresAt.Format(time.RFC3339))
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		st := a.syncer.Health().CheckHealth(ctx)
		source := "probe"
		if st.Cached {
			source = "cached"
		}
		if st.Healthy {
			fmt.Printf("Backend reachable (%s, checked %s)\n", source, st.CheckedAt.Local().Format(time.RFC3339))
			return nil
		}
		return fmt.Errorf("backend unreachable (%s, checked %s)", source, st.CheckedAt.Local().Format(time.RFC3339))
	},
}
