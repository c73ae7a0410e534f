package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/echolog/echolog/internal/alert"
	"github.com/echolog/echolog/internal/api"
	"github.com/echolog/echolog/internal/backup"
	"github.com/echolog/echolog/internal/client"
	"github.com/echolog/echolog/internal/config"
	"github.com/echolog/echolog/internal/health"
	"github.com/echolog/echolog/internal/metrics"
	"github.com/echolog/echolog/internal/primary"
	"github.com/echolog/echolog/internal/replication"
	"github.com/echolog/echolog/internal/storage"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 5 * time.Second
	startupSyncTries  = 5
	readHeaderTimeout = 10 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an echolog node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger := newLogger(cfg.Log)
		slog.SetDefault(logger)

		fmt.Printf("Starting echolog node: %s (%s)\n", cfg.Node.ID, cfg.Node.Role)
		fmt.Printf("Listening on: %s\n", cfg.Node.ListenAddr)

		journal, err := openJournal(cfg)
		if err != nil {
			return err
		}
		if journal != nil {
			defer journal.Close()
		}

		var registry *metrics.Registry
		if cfg.Metrics.Enabled {
			registry = metrics.NewRegistry()
		}
		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook, cfg.Node.ID)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Node.Role == config.RoleBackup {
			err = runBackup(ctx, cfg, journal, registry, alerts, logger)
		} else {
			err = runPrimary(ctx, cfg, journal, registry, alerts, logger)
		}
		if err != nil {
			return err
		}

		fmt.Println("Echolog node stopped")
		return nil
	},
}

func openJournal(cfg *config.Config) (*storage.Journal, error) {
	if cfg.Storage.JournalPath == "" {
		return nil, nil
	}

	journal, err := storage.Open(cfg.Storage.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}

	meta := map[string]string{
		"node_id":    cfg.Node.ID,
		"role":       cfg.Node.Role,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		if err := journal.SetMetadata(k, v); err != nil {
			journal.Close()
			return nil, fmt.Errorf("failed to write journal metadata: %w", err)
		}
	}

	fmt.Printf("Journal: %s\n", cfg.Storage.JournalPath)
	return journal, nil
}

func runPrimary(ctx context.Context, cfg *config.Config, journal *storage.Journal, registry *metrics.Registry, alerts *alert.Manager, logger *slog.Logger) error {
	history := primary.NewHistory(logger.With("component", "history"))
	if journal != nil {
		history.SetJournal(journal)
	}

	backups := cfg.BackupList()
	for _, b := range backups {
		fmt.Printf("Replicating to backup: %s (%s)\n", b.ID, b.URL)
	}

	dispatcher := replication.NewDispatcher(cfg.Replication.Dispatcher(), replication.NewHTTPTransport(nil), backups, logger.With("component", "dispatcher"))
	dispatcher.SetAlertManager(alerts)

	synchronizer := primary.NewSynchronizer(history, dispatcher, logger.With("component", "sync"))

	monitor := health.NewMonitor(cfg.Health.Monitor(), backups, health.NewHTTPProber(nil), logger.With("component", "health"))
	monitor.SetReference(history)
	monitor.SetCatchUp(synchronizer)
	monitor.SetAlertManager(alerts)
	dispatcher.SetStatusSource(monitor)
	dispatcher.SetCatchUp(synchronizer)

	coordinator := primary.NewCoordinator(history, dispatcher, cfg.Replication.QuorumTimeoutDuration(), logger.With("component", "coordinator"))

	server := api.NewPrimaryServer(coordinator, history, synchronizer, monitor, logger.With("component", "api"))

	if registry != nil {
		dispatcher.SetMetrics(registry)
		synchronizer.SetMetrics(registry)
		monitor.SetMetrics(registry)
		coordinator.SetMetrics(registry)
		server.SetMetrics(registry)
	}

	httpServer := &http.Server{
		Addr:              cfg.Node.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(httpServer)
	})

	g.Go(func() error {
		if err := monitor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("health monitor: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\nShutting down...")
		monitor.Stop()
		return shutdown(httpServer)
	})

	fmt.Println("Primary is running. Press Ctrl+C to stop.")
	err := g.Wait()

	dispatcher.Close()
	synchronizer.Wait()
	dispatcher.Wait()

	return err
}

func runBackup(ctx context.Context, cfg *config.Config, journal *storage.Journal, registry *metrics.Registry, alerts *alert.Manager, logger *slog.Logger) error {
	gate := backup.NewGate(logger.With("component", "gate"))
	gate.SetApplyDelay(cfg.Node.ApplyDelayDuration())
	if journal != nil {
		gate.SetJournal(journal)
	}

	if d := cfg.Node.ApplyDelayDuration(); d > 0 {
		fmt.Printf("Artificial apply delay: %v\n", d)
	}

	server := api.NewBackupServer(cfg.Node.ID, gate, logger.With("component", "api"))
	if registry != nil {
		gate.SetMetrics(registry)
		server.SetMetrics(registry)
	}

	httpServer := &http.Server{
		Addr:              cfg.Node.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(httpServer)
	})

	if cfg.Node.PrimaryURL != "" {
		g.Go(func() error {
			requestStartupSync(gctx, cfg, gate, alerts, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\nShutting down...")
		return shutdown(httpServer)
	})

	fmt.Println("Backup is running. Press Ctrl+C to stop.")
	return g.Wait()
}

// requestStartupSync asks the primary to replay whatever this backup missed
// while it was down. Failures are retried a few times and then alerted on;
// the backup keeps serving either way.
func requestStartupSync(ctx context.Context, cfg *config.Config, gate *backup.Gate, alerts *alert.Manager, logger *slog.Logger) {
	c := client.New(cfg.Node.PrimaryURL)
	backoff := cfg.Replication.Dispatcher()

	var lastErr error
	for attempt := 1; attempt <= startupSyncTries; attempt++ {
		resp, err := c.Sync(ctx, cfg.Node.AdvertiseURL, gate.LastApplied())
		if err == nil {
			logger.Info("Startup sync requested",
				"primary", cfg.Node.PrimaryURL,
				"last_applied", gate.LastApplied(),
				"dispatched", resp.Dispatched)
			return
		}
		lastErr = err

		if client.IsStatus(err, http.StatusNotFound) {
			logger.Error("Primary does not know this backup, skipping startup sync",
				"advertise_url", cfg.Node.AdvertiseURL)
			break
		}
		if client.IsStatus(err, http.StatusConflict) {
			logger.Info("Catch-up already running on primary")
			return
		}

		logger.Warn("Startup sync failed", "attempt", attempt, "error", err)
		if attempt == startupSyncTries {
			break
		}

		select {
		case <-time.After(backoff.Backoff(attempt)):
		case <-ctx.Done():
			return
		}
	}

	msg := fmt.Sprintf("Backup %s could not request catch-up from %s: %v", cfg.Node.ID, cfg.Node.PrimaryURL, lastErr)
	if err := alerts.SendSystemAlert("Startup Sync Failed", msg, "warning"); err != nil {
		logger.Error("Failed to send alert", "error", err)
	}
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func shutdown(s *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
