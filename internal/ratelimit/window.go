package ratelimit

import (
	"time"
)

// windowEntry records one admitted request inside a sliding window.
type windowEntry struct {
	at       time.Time
	endpoint string
	weight   int
}

// slidingWindow counts weighted requests inside a trailing interval.
// Expired entries are purged lazily on read and write, so an idle window
// costs nothing. Not safe for concurrent use on its own.
type slidingWindow struct {
	size    time.Duration
	entries []windowEntry
}

func newSlidingWindow(size time.Duration) *slidingWindow {
	return &slidingWindow{size: size}
}

// purge drops entries older than the window.
func (w *slidingWindow) purge(now time.Time) {
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// add records an admitted request.
func (w *slidingWindow) add(endpoint string, weight int, now time.Time) {
	w.purge(now)
	w.entries = append(w.entries, windowEntry{at: now, endpoint: endpoint, weight: weight})
}

// remove cancels the most recent entry for endpoint, used to roll back a
// tentative admission when a later gate rejects.
func (w *slidingWindow) remove(endpoint string, weight int) {
	for i := len(w.entries) - 1; i >= 0; i-- {
		e := w.entries[i]
		if e.endpoint == endpoint && e.weight == weight {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return
		}
	}
}

// total reports the weighted request count still inside the window.
func (w *slidingWindow) total(now time.Time) int {
	w.purge(now)
	sum := 0
	for _, e := range w.entries {
		sum += e.weight
	}
	return sum
}

// oldest returns the timestamp of the oldest retained entry and whether one
// exists. Used to compute when capacity frees up.
func (w *slidingWindow) oldest(now time.Time) (time.Time, bool) {
	w.purge(now)
	if len(w.entries) == 0 {
		return time.Time{}, false
	}
	return w.entries[0].at, true
}
