package scheduler

import (
	"context"
	"time"

	"herald/internal/announce"
	"herald/internal/storage"
)

// Store is the slice of the record store the scheduler needs.
type Store interface {
	GetAnnouncement(ctx context.Context, id string) (announce.Announcement, error)
	ListAnnouncementsByStatus(ctx context.Context, status announce.Status, scopeID string) ([]announce.Announcement, error)
	UpdateAnnouncementStatus(ctx context.Context, id string, from, to announce.Status) (bool, error)
	UpdateAnnouncementTime(ctx context.Context, id string, next time.Time) (bool, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)
}

// Dispatcher performs a single delivery attempt for a due announcement.
type Dispatcher interface {
	Resolve(ctx context.Context, destinationID string) error
	Send(ctx context.Context, a announce.Announcement) error
}

// Clock abstracts wall-clock time and delayed execution so tests can drive
// timers without real waits. The production clock is the time package; the
// registry's cancel-before-fire guarantee rests on time.Timer.Stop.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Config controls the scheduler service.
type Config struct {
	Workers     int           // fire pipeline workers (default 2)
	FireTimeout time.Duration // per-occurrence pipeline timeout (default 30s)

	// SweepSpec is a cron spec for the periodic safety sweep that re-arms
	// due records with no live timer and prunes old audit rows.
	SweepSpec      string        // default "@every 15m"
	AuditRetention time.Duration // default 30 days; 0 keeps audit forever

	// Bounded retry for store writes inside the fire pipeline.
	PersistRetryMax  int           // additional attempts after the first (default 3)
	PersistRetryBase time.Duration // first retry delay (default 50ms, doubled per retry)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = 30 * time.Second
	}
	if c.SweepSpec == "" {
		c.SweepSpec = "@every 15m"
	}
	if c.AuditRetention < 0 {
		c.AuditRetention = 0
	}
	if c.PersistRetryMax <= 0 {
		c.PersistRetryMax = 3
	}
	if c.PersistRetryBase <= 0 {
		c.PersistRetryBase = 50 * time.Millisecond
	}
	return c
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithClock replaces the wall clock, letting tests fire timers virtually.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}
