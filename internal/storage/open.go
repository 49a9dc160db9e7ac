package storage

import (
	"context"
	"time"

	"herald/internal/announce"
	"herald/pkg/logx"
)

// Store is the persistence API consumed by the scheduler and the command
// layer. The store is the single source of truth for announcement state;
// in-memory timers are a cache of intent rebuilt from it on every start.
type Store interface {
	CreateAnnouncement(ctx context.Context, a announce.Announcement) error
	GetAnnouncement(ctx context.Context, id string) (announce.Announcement, error)
	ListAnnouncementsByStatus(ctx context.Context, status announce.Status, scopeID string) ([]announce.Announcement, error)

	// UpdateAnnouncementStatus moves id from one status to another and
	// reports whether the row actually moved. A false result with nil error
	// means the record was no longer in the expected from-status (e.g. a
	// concurrent cancel won); that is not a failure.
	UpdateAnnouncementStatus(ctx context.Context, id string, from, to announce.Status) (bool, error)

	// UpdateAnnouncementTime advances the scheduled time of a still-scheduled
	// record. Same moved/no-op contract as UpdateAnnouncementStatus.
	UpdateAnnouncementTime(ctx context.Context, id string, next time.Time) (bool, error)

	// CountActive counts scheduled announcements in a scope.
	CountActive(ctx context.Context, scopeID string) (int, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Open initializes the SQLite-backed store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
