package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Registry maps announcement ids to live delayed-execution handles and
// enforces at most one live timer per id. Handles never leave the package.
//
// Every armed timer carries a version; a callback only runs if it still owns
// the current version, so a timer that was cancelled or replaced while its
// callback was already in flight becomes a no-op instead of a duplicate fire.
type Registry struct {
	clock Clock

	mu      sync.Mutex
	nextVer uint64
	timers  map[string]*handle
}

type handle struct {
	ver   uint64
	at    time.Time
	timer Timer
}

func newRegistry(clock Clock) *Registry {
	return &Registry{clock: clock, timers: map[string]*handle{}}
}

// Arm schedules fn to run after delay, replacing (and cancelling) any prior
// timer for the same id.
func (r *Registry) Arm(id string, delay time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.timers[id]; ok {
		_ = prev.timer.Stop()
	}
	r.nextVer++
	ver := r.nextVer
	h := &handle{ver: ver, at: r.clock.Now().Add(delay)}
	r.timers[id] = h
	h.timer = r.clock.AfterFunc(delay, func() {
		if r.claim(id, ver) {
			fn()
		}
	})
}

// claim removes the registry entry if the firing callback still owns it.
func (r *Registry) claim(id string, ver uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.timers[id]
	if !ok || h.ver != ver {
		return false
	}
	delete(r.timers, id)
	return true
}

// Cancel stops and removes the timer for id, reporting whether one existed.
// Safe to call for ids with no armed timer.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.timers[id]
	if !ok {
		return false
	}
	_ = h.timer.Stop()
	delete(r.timers, id)
	return true
}

// Clear cancels all timers and empties the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.timers {
		_ = h.timer.Stop()
	}
	r.timers = map[string]*handle{}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *Registry) Armed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[id]
	return ok
}

// ArmedTimer describes one live timer for diagnostics.
type ArmedTimer struct {
	ID string
	At time.Time
}

// Snapshot lists armed timers ordered by fire time.
func (r *Registry) Snapshot() []ArmedTimer {
	r.mu.Lock()
	out := make([]ArmedTimer, 0, len(r.timers))
	for id, h := range r.timers {
		out = append(out, ArmedTimer{ID: id, At: h.at})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID < out[j].ID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}
