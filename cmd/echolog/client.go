package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/echolog/echolog/internal/client"
	"github.com/spf13/cobra"
)

const requestTimeout = 90 * time.Second

var (
	primaryURL   string
	writeConcern int
	syncBackup   string
	syncLastKnow int64
)

func init() {
	for _, c := range []*cobra.Command{writeCmd, messagesCmd, syncCmd, healthCmd} {
		c.Flags().StringVar(&primaryURL, "primary", "http://localhost:5000", "primary base URL")
	}
	writeCmd.Flags().IntVarP(&writeConcern, "w", "w", 0, "write concern (acks required, 0 uses the server default)")
	syncCmd.Flags().StringVar(&syncBackup, "backup", "", "backup ID or URL to catch up")
	syncCmd.Flags().Int64Var(&syncLastKnow, "last-known", -1, "last sequence the backup holds (-1 replays everything)")
	syncCmd.MarkFlagRequired("backup")
}

var writeCmd = &cobra.Command{
	Use:   "write <message>",
	Short: "Append a message through the primary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		resp, err := client.New(primaryURL).Write(ctx, args[0], writeConcern)
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}

		fmt.Printf("✅ Written at sequence %d (%d/%d acks)\n", resp.SequenceNumber, resp.Acks, resp.Required)
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List the primary's message history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		resp, err := client.New(primaryURL).Messages(ctx)
		if err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}

		for i, msg := range resp.Messages {
			fmt.Printf("%6d  %s\n", resp.SequenceNumbers[i], msg)
		}
		fmt.Printf("\n%d messages, digest %s\n", len(resp.Messages), shortDigest(resp.Digest))
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay missing messages to a backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		resp, err := client.New(primaryURL).Sync(ctx, syncBackup, syncLastKnow)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Printf("Catch-up started for %s: %d messages queued\n", syncBackup, resp.Dispatched)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show backup health as seen by the primary",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		records, err := client.New(primaryURL).Health(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch health: %w", err)
		}

		ids := make([]string, 0, len(records))
		for id := range records {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			rec := records[id]
			fmt.Printf("%s (%s): %s\n", id, rec.URL, rec.Status)
			fmt.Printf("  Last applied: %d (lag %d)\n", rec.LastApplied, rec.Lag)
			if rec.Consistent != nil {
				if *rec.Consistent {
					fmt.Printf("  ✅ Digest matches primary\n")
				} else {
					fmt.Printf("  ❌ Digest DIVERGES from primary\n")
				}
			}
			if rec.Error != "" {
				fmt.Printf("  Error: %s\n", rec.Error)
			}
		}
		return nil
	},
}

func shortDigest(d string) string {
	if len(d) > 16 {
		return d[:16]
	}
	return d
}
