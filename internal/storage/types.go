package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested announcement does not exist.
var ErrNotFound = errors.New("announcement not found")

// Config configures the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// AuditEntry records one delivery attempt or scheduler decision for an
// announcement. Keep it compact and schema-stable.
type AuditEntry struct {
	At             time.Time
	AnnouncementID string
	DestinationID  string
	Action         string // "deliver", "reconcile", "persist"
	OK             bool
	Reason         string
	TookMS         int64
}
