package pdict

import "time"

// freshness is the single staleness predicate applied by every value-read
// path, so membership tests and gets can never disagree about expiry.
// Metadata reads and key enumeration deliberately bypass it.
type freshness struct {
	window  time.Duration
	enabled bool
}

// fresh reports whether an entry updated at the given time is still live.
// The window bound is strict, so a zero window marks everything stale.
func (f freshness) fresh(updated, now time.Time) bool {
	if !f.enabled {
		return true
	}
	return now.Sub(updated) < f.window
}
