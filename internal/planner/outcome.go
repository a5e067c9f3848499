package planner

import (
	"time"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

// Status is the per-target result of one invocation.
type Status string

// Statuses.
const (
	StatusCompleted Status = "completed"
	StatusDeferred  Status = "deferred"
	StatusFailed    Status = "failed"
)

// Outcome reports what one Run did.
type Outcome struct {
	Target     crawler.Target
	Status     Status
	Phase      Phase
	FinalPhase Phase
	Pages      int
	Fetched    int
	Inserted   int
	Skipped    int
	Gone       []string
	RetryAfter time.Duration
	Err        error
}

// Fatal reports whether the failure means no target can make progress.
func (o Outcome) Fatal() bool {
	return o.Status == StatusFailed && crawler.Classify(o.Err) == crawler.ClassConfigFatal
}
