package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Platform tags a source network.
type Platform string

// Supported platforms.
const (
	PlatformForum Platform = "forum"
	PlatformFeed  Platform = "feed"
)

// ParsePlatform accepts the canonical tags plus the historical source names.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forum", "4chan", "chan":
		return PlatformForum, nil
	case "feed", "bsky", "bluesky":
		return PlatformFeed, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// Target identifies one board or actor under continuous crawl.
type Target struct {
	Platform   Platform `json:"platform" mapstructure:"platform"`
	Identifier string   `json:"identifier" mapstructure:"identifier"`
}

// ID is the stable key used by the cursor store and the task payload.
func (t Target) ID() string {
	return string(t.Platform) + ":" + t.Identifier
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return t.ID()
}

// ParseTargetID reverses Target.ID.
func ParseTargetID(id string) (Target, error) {
	platform, identifier, ok := strings.Cut(id, ":")
	if !ok || identifier == "" {
		return Target{}, fmt.Errorf("malformed target id %q", id)
	}
	p, err := ParsePlatform(platform)
	if err != nil {
		return Target{}, err
	}
	return Target{Platform: p, Identifier: identifier}, nil
}

// CursorState is the resumable per-target crawl state.
type CursorState struct {
	TargetID          string     `json:"target_id"`
	LastPosition      Position   `json:"last_position"`
	LastSeenAt        time.Time  `json:"last_seen_at"`
	BackfillPagesDone int        `json:"backfill_pages_done"`
	BackfillStartedAt *time.Time `json:"backfill_started_at,omitempty"`
	BackfillDone      bool       `json:"backfill_done"`
	OldestSeenAt      *time.Time `json:"oldest_seen_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Engagement holds feed interaction counters captured at first fetch.
type Engagement struct {
	Likes   *int64 `json:"likes,omitempty"`
	Reposts *int64 `json:"reposts,omitempty"`
	Replies *int64 `json:"replies,omitempty"`
	Quotes  *int64 `json:"quotes,omitempty"`
}

// IsZero reports whether no counter is set.
func (e Engagement) IsZero() bool {
	return e.Likes == nil && e.Reposts == nil && e.Replies == nil && e.Quotes == nil
}

// CanonicalPost is the unified, append-only post record.
type CanonicalPost struct {
	ID           string          `json:"id"`
	Source       Platform        `json:"source"`
	TargetID     string          `json:"target_id"`
	NativeID     string          `json:"native_id"`
	ParentThread *string         `json:"parent_thread,omitempty"`
	Author       string          `json:"author"`
	CreatedAt    time.Time       `json:"created_at"`
	Text         string          `json:"text"`
	Body         json.RawMessage `json:"body"`
	HasMedia     bool            `json:"has_media"`
	Engagement   *Engagement     `json:"engagement,omitempty"`
}

// RawItem is one undecoded platform item plus the sub-resource it came from.
type RawItem struct {
	// Container is the sub-resource (thread number for the forum) or empty.
	Container string
	Data      json.RawMessage
}

// FetchMode tells an adapter which direction the planner is paging in.
type FetchMode string

// Fetch modes.
const (
	FetchHead     FetchMode = "head"
	FetchBackfill FetchMode = "backfill"
)

// FetchRequest is the input to Adapter.Fetch.
type FetchRequest struct {
	Target   Target
	Position Position
	Mode     FetchMode
	// SweepStart is set on the first page of a sweep within one invocation.
	SweepStart bool
}

// FetchPage is one adapter response. A zero Next means "no resumption token";
// Exhausted means the adapter has no further pages in the requested mode.
type FetchPage struct {
	Items     []RawItem
	Next      Position
	Exhausted bool
	// Gone lists sub-resources that disappeared (archived threads).
	Gone []string
}

// NormalizeStats counts normalizer results for one page.
type NormalizeStats struct {
	Normalized int
	Skipped    int
}
