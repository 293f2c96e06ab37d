package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/livelog-app/livesync"
)

var (
	eventsCollection string
	eventsJSON       bool
	eventsOffline    bool

	createArtist      string
	createDate        string
	createVenue       string
	createDescription string
	createImageURL    string

	writeWait time.Duration
)

func init() {
	eventsListCmd.Flags().StringVar(&eventsCollection, "collection", string(livesync.CollectionAll), "Collection to list: mine or all")
	eventsListCmd.Flags().BoolVar(&eventsJSON, "json", false, "Print the snapshot as JSON")
	eventsListCmd.Flags().BoolVar(&eventsOffline, "offline", false, "Print the cached list without contacting the backend")
	eventsSearchCmd.Flags().BoolVar(&eventsJSON, "json", false, "Print the results as JSON")

	eventsCreateCmd.Flags().StringVar(&createArtist, "artist", "", "Artist name (required)")
	eventsCreateCmd.Flags().StringVar(&createDate, "date", "", "Date as YYYY-MM-DD (required)")
	eventsCreateCmd.Flags().StringVar(&createVenue, "venue", "", "Venue (required)")
	eventsCreateCmd.Flags().StringVar(&createDescription, "description", "", "Free-form description")
	eventsCreateCmd.Flags().StringVar(&createImageURL, "image-url", "", "Poster image URL")
	_ = eventsCreateCmd.MarkFlagRequired("artist")
	_ = eventsCreateCmd.MarkFlagRequired("date")
	_ = eventsCreateCmd.MarkFlagRequired("venue")

	eventsCmd.PersistentFlags().DurationVar(&writeWait, "wait", 15*time.Second, "How long to wait for the backend to confirm a write")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsSearchCmd)
	eventsCmd.AddCommand(eventsCreateCmd)
	eventsCmd.AddCommand(eventsJoinCmd)
	eventsCmd.AddCommand(eventsDeleteCmd)
	rootCmd.AddCommand(eventsCmd)
}

var eventsCmd = &cobra.Command{
	Use:     "events",
	Aliases: []string{"lives"},
	Short:   "List, search, create, join and delete lives",
}

// ============================================================================
// list / search
// ============================================================================

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lives from the local cache, then refresh them",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := livesync.Collection(eventsCollection)
		if c != livesync.CollectionMine && c != livesync.CollectionAll {
			return fmt.Errorf("unknown collection %q (valid: mine, all)", eventsCollection)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 45*time.Second)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		user, err := a.requireUser()
		if err != nil {
			return err
		}

		h := a.syncer.Events(c)
		if !eventsOffline {
			if err := h.Refresh(ctx); err != nil {
				if msg := livesync.UserMessage(err); msg != "" {
					return fmt.Errorf("%s", msg)
				}
				logger.Warn("refresh failed; showing cached lives", "error", err)
			}
		}
		return printSnapshot(h.Snapshot(), user.ID)
	},
}

var eventsSearchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Search lives by artist or venue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 45*time.Second)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		user, err := a.requireUser()
		if err != nil {
			return err
		}

		h := a.syncer.Events(livesync.CollectionSearch)
		h.SetQuery(args[0])
		if err := h.Refresh(ctx); err != nil {
			return fmt.Errorf("search failed: %s", describe(err))
		}
		return printSnapshot(h.Snapshot(), user.ID)
	},
}

func printSnapshot(snap livesync.Snapshot, viewerID string) error {
	if eventsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap.Items)
	}

	if snap.IsUsingFallback {
		fmt.Println("(showing cached data)")
	}
	if len(snap.Items) == 0 {
		fmt.Println("No lives found.")
		return nil
	}
	for _, ev := range snap.Items {
		mark := " "
		if ev.HasAttendee(viewerID) {
			mark = "*"
		}
		fmt.Printf("%s %s  %-24s %-24s %s\n", mark, ev.Date, truncate(ev.Artist, 24), truncate(ev.Venue, 24), ev.ID)
		names := make([]string, 0, len(ev.Attendees))
		for _, att := range ev.SortedAttendees(viewerID) {
			names = append(names, valueOrDefault(att.Name, att.ID))
		}
		fmt.Printf("    %d going: %s\n", len(names), strings.Join(names, ", "))
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ============================================================================
// create / join / delete
// ============================================================================

var eventsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a live, or join it if someone already created it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), writeWait+30*time.Second)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if _, err := a.requireUser(); err != nil {
			return err
		}

		res := a.syncer.Events(livesync.CollectionAll).Create(ctx, livesync.EventFields{
			Artist:      createArtist,
			Date:        createDate,
			Venue:       createVenue,
			Description: createDescription,
			ImageURL:    createImageURL,
		})
		if err := settleWrite(ctx, res); err != nil {
			return err
		}
		fmt.Printf("Going to %s at %s on %s (%s)\n", res.Event.Artist, res.Event.Venue, res.Event.Date, res.Event.ID)
		return nil
	},
}

var eventsJoinCmd = &cobra.Command{
	Use:   "join <id>",
	Short: "Mark yourself as attending a live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), writeWait+30*time.Second)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if _, err := a.requireUser(); err != nil {
			return err
		}

		res := a.syncer.Events(livesync.CollectionAll).Join(ctx, args[0])
		if err := settleWrite(ctx, res); err != nil {
			return err
		}
		fmt.Printf("Joined %s\n", args[0])
		return nil
	},
}

var eventsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a live you created",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), writeWait+30*time.Second)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if _, err := a.requireUser(); err != nil {
			return err
		}

		res := a.syncer.Events(livesync.CollectionAll).Delete(ctx, args[0])
		if err := settleWrite(ctx, res); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// settleWrite waits for the backend to confirm or roll back an optimistic
// write.
func settleWrite(ctx context.Context, res livesync.Result) error {
	if !res.Success {
		return fmt.Errorf("%s", describe(res.Err))
	}
	if res.Write == nil {
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	state, err := res.Write.Wait(wctx)
	switch {
	case err != nil && state == livesync.WritePending:
		return fmt.Errorf("no confirmation within %s; run 'livesync events list' to check", writeWait)
	case err != nil:
		return fmt.Errorf("%s (%s)", describe(err), state)
	}
	return nil
}
