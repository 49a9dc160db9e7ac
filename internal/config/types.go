package config

import (
	"fmt"
	"strings"
	"time"

	"herald/internal/scheduler"
	"herald/internal/storage"
	"herald/pkg/logx"
)

// Config is the on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "15m").
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`
	// PollTimeout is the long-poll timeout (e.g. "10s").
	PollTimeout  string  `yaml:"poll_timeout,omitempty"`
	OwnerUserIDs []int64 `yaml:"owner_user_ids"`
	// LogChatID optionally mirrors operational log lines into a chat.
	LogChatID int64 `yaml:"log_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `yaml:"level"`
	Console  bool            `yaml:"console"`
	File     LoggingFile     `yaml:"file,omitempty"`
	Telegram LoggingTelegram `yaml:"telegram,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `yaml:"enabled"`
	MinLevel   string `yaml:"min_level,omitempty"`
	RatePerSec int    `yaml:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Workers     int    `yaml:"workers,omitempty"`
	FireTimeout string `yaml:"fire_timeout,omitempty"`
	// SweepSpec is a cron spec for the periodic safety sweep.
	SweepSpec      string `yaml:"sweep_spec,omitempty"`
	AuditRetention string `yaml:"audit_retention,omitempty"`
	// MaxActive caps scheduled announcements per scope (0 = default 10).
	MaxActive int `yaml:"max_active,omitempty"`
}

type DeliveryConfig struct {
	RatePerSec int `yaml:"rate_per_sec,omitempty"`
}

const DefaultMaxActive = 10

// Validate checks the fields the process cannot start (or safely reload)
// without. Duration strings are parsed here so a bad reload is rejected
// before anything is applied.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required")
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		return fmt.Errorf("telegram.owner_user_ids: at least one owner required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required")
	}
	if c.Scheduler.MaxActive < 0 {
		return fmt.Errorf("scheduler.max_active: must be >= 0")
	}
	if c.Delivery.RatePerSec < 0 {
		return fmt.Errorf("delivery.rate_per_sec: must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.fire_timeout", c.Scheduler.FireTimeout},
		{"scheduler.audit_retention", c.Scheduler.AuditRetention},
	} {
		if _, err := duration(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// duration parses an optional duration-string field. Empty means unset and
// yields zero; the typed accessors below substitute their own defaults.
func duration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", path)
	}
	return d, nil
}

// MaxActivePerScope returns the effective per-scope cap.
func (c *Config) MaxActivePerScope() int {
	if c.Scheduler.MaxActive <= 0 {
		return DefaultMaxActive
	}
	return c.Scheduler.MaxActive
}

// PollTimeoutOrDefault returns the long-poll timeout, defaulting to 10s.
func (c *Config) PollTimeoutOrDefault() time.Duration {
	d, err := duration("telegram.poll_timeout", c.Telegram.PollTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// LogxConfig maps the logging section onto the logging package's config.
func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    c.Logging.Telegram.Enabled,
			MinLevel:   c.Logging.Telegram.MinLevel,
			RatePerSec: c.Logging.Telegram.RatePerSec,
		},
	}
}

// StorageConfigTyped maps the storage section onto the store's config.
// Validate has already rejected bad duration strings.
func (c *Config) StorageConfigTyped() storage.Config {
	busy, _ := duration("storage.busy_timeout", c.Storage.BusyTimeout)
	return storage.Config{
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}
}

// SchedulerConfigTyped maps the scheduler section onto the scheduler's
// config. Zero fields fall through to the scheduler's own defaults.
func (c *Config) SchedulerConfigTyped() scheduler.Config {
	fire, _ := duration("scheduler.fire_timeout", c.Scheduler.FireTimeout)
	retention, _ := duration("scheduler.audit_retention", c.Scheduler.AuditRetention)
	if strings.TrimSpace(c.Scheduler.AuditRetention) == "" {
		retention = 30 * 24 * time.Hour
	}
	return scheduler.Config{
		Workers:        c.Scheduler.Workers,
		FireTimeout:    fire,
		SweepSpec:      c.Scheduler.SweepSpec,
		AuditRetention: retention,
	}
}
