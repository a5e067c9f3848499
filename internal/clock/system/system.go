// Package system supplies the wall clock behind cursor bookkeeping. The
// planner stamps cursor updates with it and measures the backfill age window
// against it.
package system

import "time"

// Clock implements crawler.Clock. Readings are UTC so a cursor's
// last_seen_at and updated_at compare equal after a round trip through the
// postgres, sqlite or file stores.
type Clock struct{}

// New returns the process wall clock.
func New() *Clock {
	return &Clock{}
}

// Now reads the wall clock in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
