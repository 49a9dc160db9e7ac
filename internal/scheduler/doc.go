// Package scheduler owns the delivery timers for announcements.
//
// It turns persisted announcement records into in-memory timers, fires each
// due occurrence exactly once, advances recurring series, and rebuilds every
// timer from the store after a restart. The store is the single source of
// truth; the timer registry is a cache of intent that is cleared and rebuilt
// on every start and never persisted.
//
// Firing is decoupled from the timer callback: callbacks enqueue the
// announcement id and a small worker pool runs the delivery pipeline, so a
// slow send never delays other timers. Per-id serialization holds because at
// most one timer is armed per id, an id stays marked in-flight from enqueue
// until its fire pipeline finishes (so the safety sweep cannot arm a second
// occurrence mid-delivery), and a recurring record is only re-armed after
// its store update has committed.
package scheduler
