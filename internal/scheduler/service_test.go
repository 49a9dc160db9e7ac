package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"herald/internal/announce"
	"herald/internal/delivery"
	"herald/internal/storage"
	"herald/pkg/logx"
)

// memStore is an in-memory Store for scheduler tests.
type memStore struct {
	mu    sync.Mutex
	recs  map[string]announce.Announcement
	audit []storage.AuditEntry

	failTimeWrites int // next N UpdateAnnouncementTime calls fail
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]announce.Announcement{}}
}

func (m *memStore) put(a announce.Announcement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[a.ID] = a
}

func (m *memStore) get(id string) announce.Announcement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[id]
}

func (m *memStore) GetAnnouncement(_ context.Context, id string) (announce.Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.recs[id]
	if !ok {
		return announce.Announcement{}, storage.ErrNotFound
	}
	return a, nil
}

func (m *memStore) ListAnnouncementsByStatus(_ context.Context, status announce.Status, scopeID string) ([]announce.Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []announce.Announcement
	for _, a := range m.recs {
		if a.Status != status {
			continue
		}
		if scopeID != "" && a.ScopeID != scopeID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateAnnouncementStatus(_ context.Context, id string, from, to announce.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.recs[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if a.Status != from {
		return false, nil
	}
	a.Status = to
	m.recs[id] = a
	return true, nil
}

func (m *memStore) UpdateAnnouncementTime(_ context.Context, id string, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTimeWrites > 0 {
		m.failTimeWrites--
		return false, errors.New("store busy")
	}
	a, ok := m.recs[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if a.Status != announce.StatusScheduled {
		return false, nil
	}
	a.ScheduledAt = next
	m.recs[id] = a
	return true, nil
}

func (m *memStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *memStore) PruneAudit(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	var pruned int64
	for _, e := range m.audit {
		if e.At.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return pruned, nil
}

func (m *memStore) auditEntries() []storage.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.AuditEntry(nil), m.audit...)
}

// fakeDisp records sends and lets tests inject per-destination failures.
// When sendStarted/sendRelease are set (before the service starts), Send
// announces itself and then blocks, so tests can hold a delivery in flight.
type fakeDisp struct {
	mu         sync.Mutex
	sent       []string // announcement ids in send order
	sendErr    map[string]error
	resolveErr map[string]error

	sendStarted chan string
	sendRelease chan struct{}
}

func newFakeDisp() *fakeDisp {
	return &fakeDisp{sendErr: map[string]error{}, resolveErr: map[string]error{}}
}

func (d *fakeDisp) Resolve(_ context.Context, destinationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolveErr[destinationID]
}

func (d *fakeDisp) Send(_ context.Context, a announce.Announcement) error {
	d.mu.Lock()
	started := d.sendStarted
	release := d.sendRelease
	err := d.sendErr[a.DestinationID]
	d.mu.Unlock()

	if started != nil {
		started <- a.ID
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.sent = append(d.sent, a.ID)
	d.mu.Unlock()
	return nil
}

func (d *fakeDisp) sends() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func testAnnouncement(id string, at time.Time, repeatHours int) announce.Announcement {
	now := at.Add(-time.Hour)
	return announce.Announcement{
		ID:            id,
		OwnerID:       "100",
		DestinationID: "-100200",
		ScopeID:       "-100200",
		Content:       "release window opens",
		Title:         announce.DefaultTitle,
		ScheduledAt:   at.UTC(),
		RepeatHours:   repeatHours,
		Status:        announce.StatusScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newTestService(t *testing.T, store *memStore, disp *fakeDisp, clock *fakeClock) *Service {
	t.Helper()
	svc := New(Config{
		Workers:          2,
		FireTimeout:      5 * time.Second,
		PersistRetryMax:  2,
		PersistRetryBase: time.Millisecond,
	}, store, disp, logx.Nop(), WithClock(clock))
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

// waitFor polls cond until it holds or the deadline passes. Fires are handed
// to the worker pool, so observable effects trail Advance slightly.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOneShotLifecycle(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	svc := newTestService(t, store, disp, clock)

	rec := testAnnouncement("one", base.Add(time.Hour), 0)
	store.put(rec)
	if err := svc.Schedule(context.Background(), rec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !svc.reg.Armed("one") {
		t.Fatal("expected armed timer")
	}

	clock.Advance(time.Hour)
	waitFor(t, "delivery", func() bool { return len(disp.sends()) == 1 })
	waitFor(t, "completed status", func() bool {
		return store.get("one").Status == announce.StatusCompleted
	})
	if svc.reg.Len() != 0 {
		t.Fatal("one-shot must leave no timer behind")
	}

	entries := store.auditEntries()
	if len(entries) != 1 || entries[0].Action != "deliver" || !entries[0].OK {
		t.Fatalf("audit = %+v, want one successful deliver entry", entries)
	}
}

func TestRecurringAdvances(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	svc := newTestService(t, store, disp, clock)

	rec := testAnnouncement("daily", base.Add(time.Hour), 24)
	store.put(rec)
	if err := svc.Schedule(context.Background(), rec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	clock.Advance(time.Hour)
	waitFor(t, "delivery", func() bool { return len(disp.sends()) == 1 })
	waitFor(t, "re-arm", func() bool { return svc.reg.Armed("daily") })

	got := store.get("daily")
	wantNext := base.Add(time.Hour).Add(24 * time.Hour)
	if !got.ScheduledAt.Equal(wantNext) {
		t.Fatalf("ScheduledAt = %v, want %v", got.ScheduledAt, wantNext)
	}
	if got.Status != announce.StatusScheduled {
		t.Fatalf("Status = %s, want scheduled", got.Status)
	}
	if n := svc.reg.Len(); n != 1 {
		t.Fatalf("timers = %d, want exactly 1", n)
	}
}

func TestReconcileAfterRestartNoDuplicate(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	svc := newTestService(t, store, disp, clock)

	rec := testAnnouncement("one", base.Add(time.Hour), 0)
	store.put(rec)
	if err := svc.Schedule(context.Background(), rec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	clock.Advance(time.Hour)
	waitFor(t, "completed status", func() bool {
		return store.get("one").Status == announce.StatusCompleted
	})

	// Restart against the same store.
	clock2 := newFakeClock(clock.Now())
	svc2 := newTestService(t, store, disp, clock2)
	if err := svc2.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if n := svc2.reg.Len(); n != 0 {
		t.Fatalf("timers after restart = %d, want 0", n)
	}
	clock2.Advance(48 * time.Hour)
	time.Sleep(50 * time.Millisecond)
	if n := len(disp.sends()); n != 1 {
		t.Fatalf("sends = %d, want 1 (no duplicate after restart)", n)
	}
}

func TestReconcileMarksUnresolvableFailed(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	svc := newTestService(t, store, disp, clock)

	good1 := testAnnouncement("good1", base.Add(time.Hour), 0)
	good2 := testAnnouncement("good2", base.Add(2*time.Hour), 0)
	bad := testAnnouncement("bad", base.Add(time.Hour), 0)
	bad.DestinationID = "-999"
	for _, a := range []announce.Announcement{good1, good2, bad} {
		store.put(a)
	}
	disp.resolveErr["-999"] = &delivery.Error{Reason: delivery.ReasonForbidden, Err: errors.New("kicked")}

	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if got := store.get("bad").Status; got != announce.StatusFailed {
		t.Fatalf("bad status = %s, want failed", got)
	}
	for _, id := range []string{"good1", "good2"} {
		if !svc.reg.Armed(id) {
			t.Fatalf("%s not armed after reconcile", id)
		}
	}
	entries := store.auditEntries()
	if len(entries) != 1 || entries[0].Action != "reconcile" || entries[0].OK {
		t.Fatalf("audit = %+v, want one failed reconcile entry", entries)
	}
	if entries[0].Reason != string(delivery.ReasonForbidden) {
		t.Fatalf("audit reason = %q, want forbidden", entries[0].Reason)
	}
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	svc := newTestService(t, store, disp, clock)

	rec := testAnnouncement("one", base.Add(time.Hour), 0)
	store.put(rec)
	if err := svc.Schedule(context.Background(), rec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if err := svc.Cancel(context.Background(), "one"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := svc.Cancel(context.Background(), "one"); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if !errors.Is(svc.Cancel(context.Background(), "ghost"), storage.ErrNotFound) {
		t.Fatal("Cancel of unknown id should return not-found")
	}

	if got := store.get("one").Status; got != announce.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
	clock.Advance(24 * time.Hour)
	time.Sleep(50 * time.Millisecond)
	if len(disp.sends()) != 0 {
		t.Fatal("cancelled announcement must not be delivered")
	}
}

func TestPastOneShotFiresImmediately(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	svc := newTestService(t, store, disp, clock)

	rec := testAnnouncement("late", base.Add(-3*time.Hour), 0)
	store.put(rec)
	if err := svc.Schedule(context.Background(), rec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	clock.Advance(0)
	waitFor(t, "immediate delivery", func() bool { return len(disp.sends()) == 1 })
	waitFor(t, "completed status", func() bool {
		return store.get("late").Status == announce.StatusCompleted
	})
}

func TestPastRecurringFastForwards(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	svc := newTestService(t, store, disp, clock)

	// 30h behind a 24h cadence: two steps forward, landing 18h ahead.
	rec := testAnnouncement("daily", base.Add(-30*time.Hour), 24)
	store.put(rec)
	if err := svc.Schedule(context.Background(), rec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	wantNext := base.Add(18 * time.Hour)
	if got := store.get("daily").ScheduledAt; !got.Equal(wantNext) {
		t.Fatalf("ScheduledAt = %v, want %v", got, wantNext)
	}
	if !svc.reg.Armed("daily") {
		t.Fatal("expected armed timer at the fast-forwarded time")
	}

	// Missed occurrences are skipped, not replayed.
	time.Sleep(20 * time.Millisecond)
	if len(disp.sends()) != 0 {
		t.Fatalf("sends = %d before the next occurrence, want 0", len(disp.sends()))
	}

	clock.Advance(18 * time.Hour)
	waitFor(t, "next occurrence delivery", func() bool { return len(disp.sends()) == 1 })
}

func TestDeliveryFailureIsTerminal(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	svc := newTestService(t, store, disp, clock)

	rec := testAnnouncement("daily", base.Add(time.Hour), 24)
	store.put(rec)
	disp.sendErr[rec.DestinationID] = &delivery.Error{Reason: delivery.ReasonRejected, Err: errors.New("message too long")}
	if err := svc.Schedule(context.Background(), rec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	clock.Advance(time.Hour)
	waitFor(t, "failed status", func() bool {
		return store.get("daily").Status == announce.StatusFailed
	})
	if svc.reg.Armed("daily") {
		t.Fatal("failed series must not re-arm")
	}
	entries := store.auditEntries()
	if len(entries) != 1 || entries[0].OK || entries[0].Reason != string(delivery.ReasonRejected) {
		t.Fatalf("audit = %+v, want one failed deliver entry with reason rejected", entries)
	}
}

func TestPersistFailureLeavesSeriesUnarmed(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	svc := newTestService(t, store, disp, clock)

	rec := testAnnouncement("daily", base.Add(time.Hour), 24)
	store.put(rec)
	if err := svc.Schedule(context.Background(), rec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// Every attempt (first try plus retries) fails.
	store.mu.Lock()
	store.failTimeWrites = 10
	store.mu.Unlock()

	clock.Advance(time.Hour)
	waitFor(t, "delivery", func() bool { return len(disp.sends()) == 1 })
	waitFor(t, "persist audit entry", func() bool {
		for _, e := range store.auditEntries() {
			if e.Action == "persist" && !e.OK {
				return true
			}
		}
		return false
	})

	if svc.reg.Armed("daily") {
		t.Fatal("series must stay unarmed when the next time cannot be persisted")
	}
	if got := store.get("daily").Status; got != announce.StatusScheduled {
		t.Fatalf("status = %s, want scheduled (sweep will retry)", got)
	}
}

func TestScheduleRejectsTerminal(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	svc := newTestService(t, store, disp, clock)

	rec := testAnnouncement("done", base.Add(time.Hour), 0)
	rec.Status = announce.StatusCompleted
	store.put(rec)

	err := svc.Schedule(context.Background(), rec)
	if !errors.Is(err, ErrNotSchedulable) {
		t.Fatalf("err = %v, want ErrNotSchedulable", err)
	}
	if svc.reg.Len() != 0 {
		t.Fatal("terminal record must not arm a timer")
	}
}

func TestSweepRearmsDueRecords(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	svc := newTestService(t, store, disp, clock)

	// Scheduled in the store but with no live timer, as after a dropped
	// queue entry.
	rec := testAnnouncement("orphan", base.Add(-time.Minute), 0)
	store.put(rec)

	svc.sweep(context.Background())
	clock.Advance(0)
	waitFor(t, "delivery of swept record", func() bool { return len(disp.sends()) == 1 })
	waitFor(t, "completed status", func() bool {
		return store.get("orphan").Status == announce.StatusCompleted
	})
}

// A record whose fire is mid-delivery is due, still `scheduled`, and no
// longer in the registry. The sweep must not treat it as orphaned and start
// a second delivery of the same occurrence.
func TestSweepSkipsInFlightFire(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	disp.sendStarted = make(chan string, 2)
	disp.sendRelease = make(chan struct{})
	svc := newTestService(t, store, disp, clock)

	rec := testAnnouncement("dup", base.Add(-time.Minute), 0)
	store.put(rec)
	if err := svc.Schedule(context.Background(), rec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	clock.Advance(0)

	select {
	case id := <-disp.sendStarted:
		if id != "dup" {
			t.Fatalf("unexpected delivery for %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never started")
	}

	svc.sweep(context.Background())
	clock.Advance(0)
	select {
	case <-disp.sendStarted:
		t.Fatal("second delivery started while the first was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(disp.sendRelease)
	waitFor(t, "completed status", func() bool {
		return store.get("dup").Status == announce.StatusCompleted
	})
	if n := len(disp.sends()); n != 1 {
		t.Fatalf("sends = %d, want exactly 1", n)
	}
}

// A graceful stop that lands between delivery and persistence must let the
// fire pipeline finish its store writes; otherwise the next start re-reads
// the record as `scheduled` and delivers the same occurrence again.
func TestStopWaitsForInFlightPersistence(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	disp.sendStarted = make(chan string, 1)
	disp.sendRelease = make(chan struct{})
	svc := newTestService(t, store, disp, clock)

	rec := testAnnouncement("one", base.Add(time.Hour), 0)
	store.put(rec)
	if err := svc.Schedule(context.Background(), rec); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	clock.Advance(time.Hour)

	select {
	case <-disp.sendStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(stopCtx)
	}()

	// Stop is now draining the workers; release the held delivery.
	time.Sleep(50 * time.Millisecond)
	close(disp.sendRelease)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	if got := store.get("one").Status; got != announce.StatusCompleted {
		t.Fatalf("status after graceful stop = %s, want completed", got)
	}
}

func TestSnapshotCountsMatch(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	store := newMemStore()
	disp := newFakeDisp()
	svc := newTestService(t, store, disp, clock)

	for i := 0; i < 3; i++ {
		rec := testAnnouncement(fmt.Sprintf("rec%d", i), base.Add(time.Duration(i+1)*time.Hour), 0)
		store.put(rec)
		if err := svc.Schedule(context.Background(), rec); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	snap, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Scheduled != 3 || len(snap.Armed) != 3 {
		t.Fatalf("snapshot = %d scheduled / %d armed, want 3/3", snap.Scheduled, len(snap.Armed))
	}
	if snap.Armed[0].ID != "rec0" || snap.Armed[2].ID != "rec2" {
		t.Fatalf("armed order = %v, want soonest first", snap.Armed)
	}
}
