package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/echolog/echolog/internal/health"
	"github.com/echolog/echolog/internal/replication"
	"github.com/spf13/viper"
)

const (
	RolePrimary = "primary"
	RoleBackup  = "backup"
)

type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Backups     []BackupConfig    `mapstructure:"backups"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Health      HealthConfig      `mapstructure:"health"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type NodeConfig struct {
	ID           string `mapstructure:"id"`
	Role         string `mapstructure:"role"`
	ListenAddr   string `mapstructure:"listen_addr"`
	AdvertiseURL string `mapstructure:"advertise_url"`
	PrimaryURL   string `mapstructure:"primary_url"`
	ApplyDelay   string `mapstructure:"apply_delay"`
}

type BackupConfig struct {
	ID  string `mapstructure:"id"`
	URL string `mapstructure:"url"`
}

type ReplicationConfig struct {
	MaxAttempts     int     `mapstructure:"max_attempts"`
	BackoffFactor   float64 `mapstructure:"backoff_factor"`
	BackoffUnit     string  `mapstructure:"backoff_unit"`
	AttemptTimeout  string  `mapstructure:"attempt_timeout"`
	QuorumTimeout   string  `mapstructure:"quorum_timeout"`
	SkipUnreachable bool    `mapstructure:"skip_unreachable"`
}

type HealthConfig struct {
	Interval     string `mapstructure:"interval"`
	ProbeTimeout string `mapstructure:"probe_timeout"`
	AutoCatchUp  bool   `mapstructure:"auto_catch_up"`
}

type StorageConfig struct {
	JournalPath string `mapstructure:"journal_path"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("metrics.enabled", true)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// Backups started by older deployment scripts set ARTIFICIAL_DELAY in seconds.
	if err := v.BindEnv("node.apply_delay", "NODE_APPLY_DELAY", "ARTIFICIAL_DELAY"); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks required fields and fills in defaults.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.ListenAddr == "" {
		return fmt.Errorf("node.listen_addr is required")
	}

	if c.Node.Role == "" {
		c.Node.Role = RolePrimary
	}
	switch c.Node.Role {
	case RolePrimary:
		seen := make(map[string]bool, len(c.Backups))
		for i, b := range c.Backups {
			if b.ID == "" || b.URL == "" {
				return fmt.Errorf("backups[%d]: id and url are required", i)
			}
			if seen[b.ID] {
				return fmt.Errorf("backups[%d]: duplicate id %s", i, b.ID)
			}
			seen[b.ID] = true
		}
	case RoleBackup:
		if c.Node.PrimaryURL != "" && c.Node.AdvertiseURL == "" {
			return fmt.Errorf("node.advertise_url is required when node.primary_url is set")
		}
	default:
		return fmt.Errorf("invalid node.role: %s (valid options: primary, backup)", c.Node.Role)
	}

	if _, err := parseDelay(c.Node.ApplyDelay); err != nil {
		return fmt.Errorf("node.apply_delay: %w", err)
	}

	if c.Replication.MaxAttempts == 0 {
		c.Replication.MaxAttempts = 9
	}
	if c.Replication.MaxAttempts < 1 {
		return fmt.Errorf("replication.max_attempts must be at least 1")
	}
	if c.Replication.BackoffFactor == 0 {
		c.Replication.BackoffFactor = 2
	}
	if c.Replication.BackoffFactor < 1 {
		return fmt.Errorf("replication.backoff_factor must be at least 1")
	}

	durations := []struct {
		name  string
		value *string
		def   string
	}{
		{"replication.backoff_unit", &c.Replication.BackoffUnit, "1s"},
		{"replication.attempt_timeout", &c.Replication.AttemptTimeout, "5s"},
		{"replication.quorum_timeout", &c.Replication.QuorumTimeout, "30s"},
		{"health.interval", &c.Health.Interval, "10s"},
		{"health.probe_timeout", &c.Health.ProbeTimeout, "2s"},
	}
	for _, d := range durations {
		if *d.value == "" {
			*d.value = d.def
		}
		parsed, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log.level: %s (valid options: debug, info, warn, error)", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format: %s (valid options: text, json)", c.Log.Format)
	}

	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		return fmt.Errorf("alerts.slack_webhook is required when alerts are enabled")
	}

	return nil
}

// parseDelay accepts a Go duration or a bare number of seconds.
func parseDelay(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative delay: %d", secs)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative delay: %s", s)
	}
	return d, nil
}

// ApplyDelayDuration returns the parsed artificial apply delay. Call after Validate.
func (n NodeConfig) ApplyDelayDuration() time.Duration {
	d, _ := parseDelay(n.ApplyDelay)
	return d
}

func durationOrZero(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Dispatcher returns the dispatcher settings. Call after Validate.
func (r ReplicationConfig) Dispatcher() replication.Config {
	return replication.Config{
		MaxAttempts:     r.MaxAttempts,
		BackoffFactor:   r.BackoffFactor,
		BackoffUnit:     durationOrZero(r.BackoffUnit),
		AttemptTimeout:  durationOrZero(r.AttemptTimeout),
		SkipUnreachable: r.SkipUnreachable,
	}
}

func (r ReplicationConfig) QuorumTimeoutDuration() time.Duration {
	return durationOrZero(r.QuorumTimeout)
}

// Monitor returns the health monitor settings. Call after Validate.
func (h HealthConfig) Monitor() health.Config {
	return health.Config{
		Interval:     durationOrZero(h.Interval),
		ProbeTimeout: durationOrZero(h.ProbeTimeout),
		AutoCatchUp:  h.AutoCatchUp,
	}
}

func (c *Config) BackupList() []replication.Backup {
	backups := make([]replication.Backup, len(c.Backups))
	for i, b := range c.Backups {
		backups[i] = replication.Backup{ID: b.ID, URL: b.URL}
	}
	return backups
}
