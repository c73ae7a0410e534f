// Package replication delivers entries from the primary to its backups with
// bounded retries and exponential backoff.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/echolog/echolog/internal/backup"
	"github.com/echolog/echolog/internal/quorum"
	"github.com/echolog/echolog/internal/storage"
)

type Config struct {
	MaxAttempts    int
	BackoffFactor  float64
	BackoffUnit    time.Duration
	AttemptTimeout time.Duration

	// SkipUnreachable makes Deliver give up immediately on a backup the
	// StatusSource reports as unreachable.
	SkipUnreachable bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    9,
		BackoffFactor:  2,
		BackoffUnit:    time.Second,
		AttemptTimeout: 5 * time.Second,
	}
}

// maxBackoff caps a single wait so large attempt counts cannot overflow.
const maxBackoff = 10 * time.Minute

// Backoff returns the wait after the given failed attempt (1-based):
// BackoffUnit * BackoffFactor^attempt, capped at maxBackoff.
func (c Config) Backoff(attempt int) time.Duration {
	if c.BackoffUnit <= 0 {
		return 0
	}
	wait := float64(c.BackoffUnit) * math.Pow(c.BackoffFactor, float64(attempt))
	if math.IsNaN(wait) || wait > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(wait)
}

type StatusSource interface {
	IsUnreachable(backupID string) bool
}

type Alerter interface {
	SendDeliveryFailedAlert(backupID string, sequence uint64, attempts int, lastErr string) error
}

// CatchUp replays the suffix of history a backup is missing.
// *primary.Synchronizer satisfies it.
type CatchUp interface {
	SyncAsync(ctx context.Context, backup string, lastKnown int64) (int, error)
}

type Metrics interface {
	RecordDeliveryAttempt(backup, outcome string)
	RecordDeliveryExhausted(backup string)
}

// Dispatcher runs one delivery loop per (entry, backup) pair. Deliveries it
// starts outlive the write that triggered them; only Close stops them.
type Dispatcher struct {
	cfg       Config
	transport Transport
	backups   []Backup
	byID      map[string]Backup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	status  StatusSource
	catchUp CatchUp
	alerter Alerter
	metrics Metrics
	logger  *slog.Logger
}

func NewDispatcher(cfg Config, transport Transport, backups []Backup, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}

	byID := make(map[string]Backup, len(backups))
	for _, b := range backups {
		byID[b.ID] = b
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:       cfg,
		transport: transport,
		backups:   append([]Backup(nil), backups...),
		byID:      byID,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

func (d *Dispatcher) SetStatusSource(s StatusSource) {
	d.status = s
}

// SetCatchUp lets Deliver repair a gap on a backup that keeps rejecting an
// entry as out of order.
func (d *Dispatcher) SetCatchUp(c CatchUp) {
	d.catchUp = c
}

func (d *Dispatcher) SetAlertManager(a Alerter) {
	d.alerter = a
}

func (d *Dispatcher) SetMetrics(m Metrics) {
	d.metrics = m
}

func (d *Dispatcher) Backups() []Backup {
	return append([]Backup(nil), d.backups...)
}

// Lookup finds a backup by ID or by URL.
func (d *Dispatcher) Lookup(idOrURL string) (Backup, bool) {
	if b, ok := d.byID[idOrURL]; ok {
		return b, true
	}
	want := strings.TrimRight(idOrURL, "/")
	for _, b := range d.backups {
		if strings.TrimRight(b.URL, "/") == want {
			return b, true
		}
	}
	return Backup{}, false
}

// Fanout starts one background delivery per backup and adds each backup that
// acknowledges to acks. It returns immediately.
func (d *Dispatcher) Fanout(entry storage.Entry, acks *quorum.AckSet) {
	for _, b := range d.backups {
		d.wg.Add(1)
		go func(b Backup) {
			defer d.wg.Done()
			if d.Deliver(d.ctx, b.ID, entry) {
				acks.Add(b.ID)
			}
		}(b)
	}
}

// Deliver attempts to hand entry to one backup, retrying failed attempts up
// to MaxAttempts times with exponential backoff. It reports whether the
// backup acknowledged. A backup answering that the entry is invalid is not
// retried.
func (d *Dispatcher) Deliver(ctx context.Context, backupID string, entry storage.Entry) bool {
	b, ok := d.byID[backupID]
	if !ok {
		d.logger.Error("Delivery to unknown backup", "backup", backupID, "sequence", entry.Sequence)
		return false
	}

	if d.cfg.SkipUnreachable && d.status != nil && d.status.IsUnreachable(backupID) {
		d.logger.Warn("Skipping delivery to unreachable backup", "backup", backupID, "sequence", entry.Sequence)
		d.recordAttempt(backupID, "skipped")
		return false
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		lastErr = d.attempt(ctx, b, entry)
		if lastErr == nil {
			d.recordAttempt(backupID, "ack")
			d.logger.Debug("Backup acknowledged entry",
				"backup", backupID, "sequence", entry.Sequence, "attempt", attempt)
			return true
		}

		if errors.Is(lastErr, backup.ErrInvalidEntry) {
			d.recordAttempt(backupID, "invalid")
			d.logger.Error("Backup rejected entry as invalid",
				"backup", backupID, "sequence", entry.Sequence, "error", lastErr)
			return false
		}

		if backup.IsOrderingError(lastErr) {
			d.recordAttempt(backupID, "out_of_order")
			// The first rejection is usually a concurrent fan-out racing ahead;
			// a gap that survives a backoff means the backup missed entries.
			if attempt > 1 {
				d.requestCatchUp(ctx, backupID, lastErr)
			}
		} else {
			d.recordAttempt(backupID, "error")
		}

		if attempt == d.cfg.MaxAttempts {
			break
		}

		wait := d.cfg.Backoff(attempt)
		d.logger.Warn("Replication attempt failed, retrying",
			"backup", backupID,
			"sequence", entry.Sequence,
			"attempt", attempt,
			"backoff", wait,
			"error", lastErr)

		if !d.sleep(ctx, wait) {
			d.logger.Info("Delivery cancelled", "backup", backupID, "sequence", entry.Sequence)
			return false
		}
	}

	d.logger.Error("Failed to replicate entry",
		"backup", backupID,
		"sequence", entry.Sequence,
		"attempts", d.cfg.MaxAttempts,
		"error", lastErr)

	if d.metrics != nil {
		d.metrics.RecordDeliveryExhausted(backupID)
	}
	if d.alerter != nil {
		if err := d.alerter.SendDeliveryFailedAlert(backupID, entry.Sequence, d.cfg.MaxAttempts, fmt.Sprint(lastErr)); err != nil {
			d.logger.Error("Failed to send delivery alert", "backup", backupID, "error", err)
		}
	}
	return false
}

func (d *Dispatcher) requestCatchUp(ctx context.Context, backupID string, err error) {
	if d.catchUp == nil {
		return
	}

	lastKnown := int64(-1)
	if oe := backup.AsOrderingError(err); oe != nil {
		lastKnown = int64(oe.Expected) - 1
	}

	n, serr := d.catchUp.SyncAsync(ctx, backupID, lastKnown)
	if serr != nil {
		d.logger.Debug("Catch-up not started", "backup", backupID, "error", serr)
		return
	}
	d.logger.Info("Started catch-up for backup with a gap",
		"backup", backupID,
		"last_known", lastKnown,
		"entries", n)
}

func (d *Dispatcher) attempt(ctx context.Context, b Backup, entry storage.Entry) error {
	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if d.cfg.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	return d.transport.Replicate(attemptCtx, b, entry)
}

// sleep waits d or until ctx or the dispatcher is shut down, reporting
// whether the full wait elapsed.
func (d *Dispatcher) sleep(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-d.ctx.Done():
		return false
	}
}

func (d *Dispatcher) recordAttempt(backupID, outcome string) {
	if d.metrics != nil {
		d.metrics.RecordDeliveryAttempt(backupID, outcome)
	}
}

// Close stops retry loops at their next wait. In-flight attempts are cancelled.
func (d *Dispatcher) Close() {
	d.cancel()
}

// Wait blocks until every delivery started by Fanout has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
