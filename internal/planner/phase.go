package planner

import (
	"time"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

// Phase is derived from cursor state and never stored.
type Phase string

// Phases.
const (
	PhaseCold     Phase = "cold"
	PhaseHead     Phase = "head"
	PhaseBackfill Phase = "backfill"
	PhaseSteady   Phase = "steady"
)

// Config bounds how deep one invocation pages.
type Config struct {
	// HeadPages caps pages per head sweep.
	HeadPages int
	// BackfillPages is the total history budget; zero disables backfill.
	BackfillPages int
	// MaxBackfillAge stops backfill once an item older than now minus this
	// age has been seen; zero means no time bound.
	MaxBackfillAge time.Duration
}

// Normalize applies defaults.
func (c Config) Normalize() Config {
	if c.HeadPages <= 0 {
		c.HeadPages = 1
	}
	if c.BackfillPages < 0 {
		c.BackfillPages = 0
	}
	if c.MaxBackfillAge < 0 {
		c.MaxBackfillAge = 0
	}
	return c
}

// PhaseOf derives where a target stands. found reports whether a cursor
// record exists. HEAD is transient within a run and never returned.
func PhaseOf(state crawler.CursorState, found bool, cfg Config) Phase {
	if !found {
		return PhaseCold
	}
	if cfg.BackfillPages > 0 && !state.BackfillDone {
		return PhaseBackfill
	}
	return PhaseSteady
}

// backfillOpen reports whether another backfill page is allowed at now.
func backfillOpen(state crawler.CursorState, cfg Config, now time.Time) bool {
	if state.BackfillDone || cfg.BackfillPages <= 0 {
		return false
	}
	if state.BackfillPagesDone >= cfg.BackfillPages {
		return false
	}
	if cfg.MaxBackfillAge > 0 && state.OldestSeenAt != nil {
		return state.OldestSeenAt.After(now.Add(-cfg.MaxBackfillAge))
	}
	return true
}
