package announce

import "time"

// NextOccurrence returns the occurrence that follows current for the given
// repeat interval. It reports false for a one-shot (hours == 0).
//
// The result is computed in UTC with fixed-length hour arithmetic, so it
// crosses day, month and year boundaries (leap years included) without any
// dependence on the local timezone. Callers must have validated hours into
// [0, MaxRepeatHours] at creation time.
func NextOccurrence(current time.Time, hours int) (time.Time, bool) {
	if hours <= 0 {
		return time.Time{}, false
	}
	return current.UTC().Add(time.Duration(hours) * time.Hour), true
}

// FastForward advances a past occurrence time by whole intervals until it is
// strictly after now. It is used when a recurring announcement is found
// due-or-past at arm time (typically after downtime): missed occurrences are
// skipped rather than replayed in a burst, and the series keeps its original
// cadence anchor.
//
// If at is already in the future, it is returned unchanged.
func FastForward(at time.Time, hours int, now time.Time) time.Time {
	if hours <= 0 || at.After(now) {
		return at
	}
	interval := time.Duration(hours) * time.Hour
	at = at.UTC()
	behind := now.UTC().Sub(at)
	steps := behind/interval + 1
	return at.Add(steps * interval)
}
