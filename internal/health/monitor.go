// Package health keeps an informational status table for the primary's
// backups. Nothing here takes part in quorum decisions.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/echolog/echolog/internal/replication"
)

type Status string

const (
	StatusHealthy     Status = "Healthy"
	StatusSuspected   Status = "Suspected"
	StatusUnreachable Status = "Unreachable"
)

// AllStatuses lists every status in severity order.
var AllStatuses = []Status{StatusHealthy, StatusSuspected, StatusUnreachable}

type Record struct {
	BackupID    string    `json:"backup_id"`
	URL         string    `json:"url"`
	Status      Status    `json:"status"`
	CheckedAt   time.Time `json:"checked_at"`
	LastApplied int64     `json:"last_applied"`
	Lag         int64     `json:"lag"`
	Consistent  *bool     `json:"consistent,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Classify maps a probe outcome to a status.
func Classify(result ProbeResult, err error) Status {
	switch {
	case err != nil:
		return StatusUnreachable
	case result.StatusCode == http.StatusOK:
		return StatusHealthy
	default:
		return StatusSuspected
	}
}

// Reference is the primary's view of the log a backup should hold.
// *primary.History satisfies it.
type Reference interface {
	DigestAt(seq int64) (string, bool)
	LastSequence() int64
}

type CatchUp interface {
	SyncAsync(ctx context.Context, backup string, lastKnown int64) (int, error)
}

type Alerter interface {
	SendBackupUnreachableAlert(backupID, url, reason string) error
	SendDivergenceAlert(backupID string, lastApplied int64, expectedDigest, actualDigest string) error
}

type Metrics interface {
	SetBackupStatus(backup string, status string, all []string)
	SetBackupLag(backup string, lag int64)
}

type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	AutoCatchUp  bool
}

func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Second,
		ProbeTimeout: 2 * time.Second,
	}
}

type Monitor struct {
	cfg     Config
	backups []replication.Backup
	prober  Prober

	mu       sync.RWMutex
	records  map[string]Record
	diverged map[string]bool

	reference Reference
	catchUp   CatchUp
	alerter   Alerter
	metrics   Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

func NewMonitor(cfg Config, backups []replication.Backup, prober Prober, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	records := make(map[string]Record, len(backups))
	for _, b := range backups {
		records[b.ID] = Record{
			BackupID:    b.ID,
			URL:         b.URL,
			Status:      StatusSuspected,
			LastApplied: -1,
		}
	}

	return &Monitor{
		cfg:      cfg,
		backups:  append([]replication.Backup(nil), backups...),
		prober:   prober,
		records:  records,
		diverged: make(map[string]bool),
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

// SetReference enables the log consistency check.
func (m *Monitor) SetReference(r Reference) {
	m.reference = r
}

func (m *Monitor) SetCatchUp(c CatchUp) {
	m.catchUp = c
}

func (m *Monitor) SetAlertManager(a Alerter) {
	m.alerter = a
}

func (m *Monitor) SetMetrics(metrics Metrics) {
	m.metrics = metrics
}

// Run probes every backup immediately and then once per interval until ctx
// is done or Stop is called.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.Interval <= 0 {
		return fmt.Errorf("invalid interval: %v", m.cfg.Interval)
	}

	m.logger.Info("Health monitor started", "interval", m.cfg.Interval, "backups", len(m.backups))

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.CheckAll(ctx)

	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-m.stopCh:
			m.logger.Info("Health monitor stopped")
			return nil
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped due to context cancellation")
			return ctx.Err()
		}
	}
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// CheckAll probes every backup concurrently and waits for the results.
func (m *Monitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range m.backups {
		wg.Add(1)
		go func(b replication.Backup) {
			defer wg.Done()
			m.check(ctx, b)
		}(b)
	}
	wg.Wait()
}

func (m *Monitor) check(ctx context.Context, b replication.Backup) {
	probeCtx := ctx
	if m.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
	}

	result, err := m.prober.Probe(probeCtx, b)
	status := Classify(result, err)

	rec := Record{
		BackupID:    b.ID,
		URL:         b.URL,
		Status:      status,
		CheckedAt:   time.Now(),
		LastApplied: -1,
	}
	if err != nil {
		rec.Error = err.Error()
	} else if status == StatusSuspected {
		rec.Error = fmt.Sprintf("health endpoint returned %d", result.StatusCode)
	}

	var divergent bool
	if status == StatusHealthy && result.HasState {
		rec.LastApplied = result.LastApplied
		divergent = m.compare(&rec, result)
	}

	m.mu.Lock()
	previous := m.records[b.ID]
	m.records[b.ID] = rec
	wasDiverged := m.diverged[b.ID]
	m.diverged[b.ID] = divergent
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetBackupStatus(b.ID, string(status), statusLabels())
		m.metrics.SetBackupLag(b.ID, rec.Lag)
	}

	if previous.Status != status {
		m.logger.Info("Backup status changed",
			"backup", b.ID,
			"from", previous.Status,
			"to", status)
	}

	if status == StatusUnreachable && previous.Status != StatusUnreachable {
		m.logger.Warn("Backup unreachable", "backup", b.ID, "error", err)
		if m.alerter != nil {
			if aerr := m.alerter.SendBackupUnreachableAlert(b.ID, b.URL, rec.Error); aerr != nil {
				m.logger.Error("Failed to send unreachable alert", "backup", b.ID, "error", aerr)
			}
		}
	}

	if divergent && !wasDiverged {
		expected, _ := m.reference.DigestAt(rec.LastApplied)
		m.logger.Error("Backup log diverged from history",
			"backup", b.ID,
			"last_applied", rec.LastApplied,
			"expected_digest", expected,
			"actual_digest", result.Digest)
		if m.alerter != nil {
			if aerr := m.alerter.SendDivergenceAlert(b.ID, rec.LastApplied, expected, result.Digest); aerr != nil {
				m.logger.Error("Failed to send divergence alert", "backup", b.ID, "error", aerr)
			}
		}
	}

	if m.cfg.AutoCatchUp && m.catchUp != nil && status == StatusHealthy && rec.Lag > 0 && !divergent {
		n, serr := m.catchUp.SyncAsync(ctx, b.ID, rec.LastApplied)
		if serr != nil {
			m.logger.Debug("Catch-up not started", "backup", b.ID, "error", serr)
		} else {
			m.logger.Info("Started catch-up for lagging backup", "backup", b.ID, "entries", n)
		}
	}
}

// compare fills in Lag and Consistent and reports whether the backup's
// log diverges from the reference prefix of the same length.
func (m *Monitor) compare(rec *Record, result ProbeResult) bool {
	if m.reference == nil {
		return false
	}

	last := m.reference.LastSequence()
	if result.LastApplied < last {
		rec.Lag = last - result.LastApplied
	}

	expected, ok := m.reference.DigestAt(result.LastApplied)
	consistent := ok && expected == result.Digest
	rec.Consistent = &consistent
	return !consistent
}

func statusLabels() []string {
	labels := make([]string, len(AllStatuses))
	for i, s := range AllStatuses {
		labels[i] = string(s)
	}
	return labels
}

// Snapshot returns a copy of every record keyed by backup ID.
func (m *Monitor) Snapshot() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Record, len(m.records))
	for id, rec := range m.records {
		out[id] = rec
	}
	return out
}

func (m *Monitor) Statuses() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.records))
	for id, rec := range m.records {
		out[id] = rec.Status
	}
	return out
}

func (m *Monitor) Status(backupID string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[backupID].Status
}

func (m *Monitor) IsUnreachable(backupID string) bool {
	return m.Status(backupID) == StatusUnreachable
}
