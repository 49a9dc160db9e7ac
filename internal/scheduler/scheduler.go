package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"herald/internal/announce"
	"herald/internal/delivery"
	"herald/internal/storage"
	"herald/pkg/logx"
)

// ErrNotSchedulable reports an attempt to arm a record that is not in the
// scheduled state.
var ErrNotSchedulable = errors.New("announcement is not schedulable")

// Schedule arms a timer for rec. The record must already be persisted and in
// the scheduled state; the store stays authoritative and the timer is only a
// wake-up.
//
// A due or past time is handled by policy rather than rejected: a one-shot
// fires immediately, a recurring record is fast-forwarded to its next
// strictly-future occurrence so missed occurrences are skipped, not replayed.
func (s *Service) Schedule(ctx context.Context, rec announce.Announcement) error {
	if rec.Status != announce.StatusScheduled {
		return fmt.Errorf("%w: %s is %s", ErrNotSchedulable, rec.ID, rec.Status)
	}

	now := s.clock.Now()
	at := rec.ScheduledAt

	if !at.After(now) {
		if !rec.Recurring() {
			s.arm(rec.ID, 0)
			return nil
		}
		next := announce.FastForward(at, rec.RepeatHours, now)
		moved, err := s.store.UpdateAnnouncementTime(ctx, rec.ID, next)
		if err != nil {
			return fmt.Errorf("fast-forwarding %s: %w", rec.ID, err)
		}
		if !moved {
			// Cancelled or completed concurrently; nothing to arm.
			return nil
		}
		s.log.Info("skipped missed occurrences",
			logx.String("id", rec.ID),
			logx.Time("from", at), logx.Time("to", next))
		at = next
	}

	s.arm(rec.ID, at.Sub(now))
	return nil
}

func (s *Service) arm(id string, delay time.Duration) {
	s.reg.Arm(id, delay, func() { s.enqueue(id) })
}

// Cancel stops any live timer for id and moves the record from scheduled to
// cancelled. Cancelling an already-terminal record is a no-op; an unknown id
// returns storage.ErrNotFound.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.reg.Cancel(id)
	moved, err := s.store.UpdateAnnouncementStatus(ctx, id, announce.StatusScheduled, announce.StatusCancelled)
	if err != nil {
		return err
	}
	if !moved {
		s.log.Debug("cancel on non-scheduled record ignored", logx.String("id", id))
	}
	return nil
}

// Reconcile rebuilds the timer set from persisted state. It clears any
// leftover timers first, then walks every scheduled record: destinations
// that no longer resolve are marked failed, everything else is armed under
// the due-time policy. One bad record never aborts the pass.
func (s *Service) Reconcile(ctx context.Context) error {
	s.reg.Clear()

	recs, err := s.store.ListAnnouncementsByStatus(ctx, announce.StatusScheduled, "")
	if err != nil {
		return fmt.Errorf("listing scheduled announcements: %w", err)
	}

	armed, failed := 0, 0
	for _, rec := range recs {
		if s.reconcileOne(ctx, rec) {
			armed++
		} else {
			failed++
		}
	}
	s.log.Info("reconciliation complete",
		logx.Int("scheduled", len(recs)), logx.Int("armed", armed), logx.Int("failed", failed))
	return nil
}

func (s *Service) reconcileOne(ctx context.Context, rec announce.Announcement) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			s.log.Error("panic reconciling announcement",
				logx.String("id", rec.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	if err := s.disp.Resolve(ctx, rec.DestinationID); err != nil {
		reason := delivery.ReasonOf(err)
		s.log.Warn("destination unresolvable; marking failed",
			logx.String("id", rec.ID), logx.String("dest", rec.DestinationID),
			logx.String("reason", string(reason)), logx.Err(err))
		if _, perr := s.store.UpdateAnnouncementStatus(ctx, rec.ID, announce.StatusScheduled, announce.StatusFailed); perr != nil {
			s.log.Error("persisting failed status", logx.String("id", rec.ID), logx.Err(perr))
		}
		s.audit(ctx, rec, "reconcile", false, string(reason), 0)
		return false
	}

	if err := s.Schedule(ctx, rec); err != nil {
		s.log.Error("arming announcement", logx.String("id", rec.ID), logx.Err(err))
		return false
	}
	return true
}

// fire runs one due occurrence: re-read the record, deliver once, persist
// the outcome, and only then re-arm a recurring series. The persisted time
// moving first is what makes a crash between delivery and re-arm safe: the
// next reconciliation sees the already-advanced time and never re-sends.
func (s *Service) fire(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, s.config().FireTimeout)
	defer cancel()

	rec, err := s.store.GetAnnouncement(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("due announcement no longer exists", logx.String("id", id))
			return
		}
		// Transient read failure; the record stays scheduled and the sweep
		// retries it.
		s.log.Error("reading due announcement", logx.String("id", id), logx.Err(err))
		return
	}
	if rec.Status != announce.StatusScheduled {
		s.log.Debug("due announcement already settled",
			logx.String("id", id), logx.String("status", string(rec.Status)))
		return
	}

	start := s.clock.Now()
	sendErr := s.disp.Send(ctx, rec)
	took := s.clock.Now().Sub(start)

	if sendErr != nil {
		reason := delivery.ReasonOf(sendErr)
		s.log.Warn("delivery failed",
			logx.String("id", id), logx.String("dest", rec.DestinationID),
			logx.String("reason", string(reason)), logx.Err(sendErr))
		s.persistStatusRetry(ctx, rec.ID, announce.StatusScheduled, announce.StatusFailed)
		s.audit(ctx, rec, "deliver", false, string(reason), took)
		return
	}
	s.audit(ctx, rec, "deliver", true, "", took)

	if !rec.Recurring() {
		s.persistStatusRetry(ctx, rec.ID, announce.StatusScheduled, announce.StatusCompleted)
		return
	}

	next, _ := announce.NextOccurrence(rec.ScheduledAt, rec.RepeatHours)
	moved, err := s.persistTimeRetry(ctx, rec.ID, next)
	if err != nil {
		// Leave the series unarmed rather than risk a duplicate send; the
		// audit row marks where the cadence stopped.
		s.log.Error("persisting next occurrence failed; series left unarmed",
			logx.String("id", id), logx.Time("next", next), logx.Err(err))
		s.audit(ctx, rec, "persist", false, "store write failed", 0)
		return
	}
	if !moved {
		s.log.Debug("series settled mid-flight; not re-arming", logx.String("id", id))
		return
	}

	rec.ScheduledAt = next
	if err := s.Schedule(ctx, rec); err != nil {
		s.log.Error("re-arming series", logx.String("id", id), logx.Err(err))
	}
}

func (s *Service) persistStatusRetry(ctx context.Context, id string, from, to announce.Status) {
	err := s.retryWrite(ctx, func() error {
		_, err := s.store.UpdateAnnouncementStatus(ctx, id, from, to)
		return err
	})
	if err != nil {
		s.log.Error("persisting status transition failed",
			logx.String("id", id), logx.String("to", string(to)), logx.Err(err))
	}
}

func (s *Service) persistTimeRetry(ctx context.Context, id string, next time.Time) (bool, error) {
	var moved bool
	err := s.retryWrite(ctx, func() error {
		var err error
		moved, err = s.store.UpdateAnnouncementTime(ctx, id, next)
		return err
	})
	return moved, err
}

// retryWrite runs fn with bounded exponential backoff plus jitter. Not-found
// is never retried; it means the record is gone, not that the store is busy.
// Backoff uses real timers on purpose: the delays exist to outlast transient
// store contention, which a virtual clock cannot model.
func (s *Service) retryWrite(ctx context.Context, fn func() error) error {
	cfg := s.config()
	var err error
	delay := cfg.PersistRetryBase
	for attempt := 0; attempt <= cfg.PersistRetryMax; attempt++ {
		if attempt > 0 {
			wait := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
			delay *= 2
		}
		if err = fn(); err == nil || errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return err
}

func (s *Service) audit(ctx context.Context, rec announce.Announcement, action string, ok bool, reason string, took time.Duration) {
	e := storage.AuditEntry{
		At:             s.clock.Now(),
		AnnouncementID: rec.ID,
		DestinationID:  rec.DestinationID,
		Action:         action,
		OK:             ok,
		Reason:         reason,
		TookMS:         took.Milliseconds(),
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("id", rec.ID), logx.Err(err))
	}
}
