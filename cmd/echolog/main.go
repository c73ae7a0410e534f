package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/echolog/echolog/internal/config"
	"github.com/echolog/echolog/internal/storage"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "echolog",
	Short: "Echolog - replicated append-only message log",
	Long:  `A primary-backup message log with tunable write concern and ordered delivery`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "echolog.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(healthCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("echolog v0.1.0")
		fmt.Println("Primary-backup replicated message log")
	},
}

const sampleConfig = `node:
  id: primary-1
  role: primary
  listen_addr: 0.0.0.0:5000

backups:
  - id: secondary1
    url: http://secondary1:5001
  - id: secondary2
    url: http://secondary2:5002

replication:
  max_attempts: 9
  backoff_factor: 2
  backoff_unit: 1s
  attempt_timeout: 5s
  quorum_timeout: 30s
  skip_unreachable: false

health:
  interval: 10s
  probe_timeout: 2s
  auto_catch_up: true

storage:
  journal_path: ""

alerts:
  enabled: false
  slack_webhook: ${SLACK_WEBHOOK_URL}

log:
  level: info
  format: text

metrics:
  enabled: true
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgFile); err == nil {
			return fmt.Errorf("config file already exists: %s", cfgFile)
		}

		if err := os.WriteFile(cfgFile, []byte(sampleConfig), 0644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Printf("Wrote sample config: %s\n", cfgFile)
		fmt.Println("Edit node.role and backups, then run: echolog start")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display the local journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Printf("Node ID: %s\n", cfg.Node.ID)
		fmt.Printf("Role: %s\n", cfg.Node.Role)

		if cfg.Storage.JournalPath == "" {
			fmt.Println("No journal configured (storage.journal_path is empty)")
			return nil
		}

		journal, err := storage.Open(cfg.Storage.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer journal.Close()

		fmt.Printf("Journal: %s\n", cfg.Storage.JournalPath)
		if started, err := journal.GetMetadata("started_at"); err == nil {
			fmt.Printf("Last started: %s\n", started)
		}

		latest, err := journal.Latest()
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Println("  No entries yet")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}

		entries, err := journal.Entries()
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}
		fmt.Printf("  Entries: %d\n", len(entries))
		fmt.Printf("  Latest sequence: %d\n", latest.Sequence)
		fmt.Printf("  Latest message: %q\n", latest.Payload)

		return nil
	},
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
