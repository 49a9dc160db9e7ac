package announce

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an announcement.
// StatusScheduled is the only non-terminal state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further timer may be armed for this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

const (
	// DefaultTitle is used when the creator does not supply one.
	DefaultTitle = "Announcement"

	// MaxRepeatHours caps the repeat interval (30 days).
	MaxRepeatHours = 720
)

// Announcement is the sole persisted entity: one scheduled message, one-shot
// or recurring. Content and identity fields are immutable after creation;
// only ScheduledAt and Status move, and only through the scheduler or an
// explicit cancel.
type Announcement struct {
	ID            string
	OwnerID       string
	DestinationID string
	ScopeID       string
	Content       string
	Title         string
	ScheduledAt   time.Time // UTC
	RepeatHours   int       // 0 = one-shot
	Rich          bool      // render as rich (HTML) content on delivery
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Recurring reports whether the announcement repeats.
func (a Announcement) Recurring() bool { return a.RepeatHours > 0 }

// ValidationError describes a rejected creation parameter. It is returned
// before anything is persisted; a record that fails validation never reaches
// the scheduler.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// New validates the creation parameters and returns a fresh scheduled
// announcement. The scheduled time must be strictly in the future relative
// to now; the repeat interval must lie in [0, MaxRepeatHours].
func New(ownerID, destinationID, scopeID, title, content string, at time.Time, repeatHours int, rich bool, now time.Time) (Announcement, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Announcement{}, &ValidationError{Field: "owner", Reason: "required"}
	}
	if strings.TrimSpace(destinationID) == "" {
		return Announcement{}, &ValidationError{Field: "destination", Reason: "required"}
	}
	if strings.TrimSpace(scopeID) == "" {
		return Announcement{}, &ValidationError{Field: "scope", Reason: "required"}
	}
	if strings.TrimSpace(content) == "" {
		return Announcement{}, &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if at.IsZero() {
		return Announcement{}, &ValidationError{Field: "scheduled_at", Reason: "required"}
	}
	if !at.After(now) {
		return Announcement{}, &ValidationError{Field: "scheduled_at", Reason: "must be in the future"}
	}
	if repeatHours < 0 || repeatHours > MaxRepeatHours {
		return Announcement{}, &ValidationError{Field: "repeat_hours", Reason: fmt.Sprintf("must be in [0, %d]", MaxRepeatHours)}
	}
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}

	now = now.UTC()
	return Announcement{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		DestinationID: destinationID,
		ScopeID:       scopeID,
		Content:       content,
		Title:         title,
		ScheduledAt:   at.UTC(),
		RepeatHours:   repeatHours,
		Rich:          rich,
		Status:        StatusScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
