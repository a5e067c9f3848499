package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

// Source returns author feed pages.
type Source interface {
	AuthorFeed(ctx context.Context, actor, cursor string) (AuthorFeed, error)
}

// cursor is the adapter's private position payload.
//
// Head sweeps start at the newest post and stop at the watermark W, the sort
// time of the newest item seen by the last completed sweep. When a sweep
// spans several pages, H holds the API cursor to continue from and P the
// watermark to commit once the sweep reaches W. Until a watermark exists the
// sweep is seeding: every item is kept and C follows the last head page, so
// backfill walks older pages from where the head sweep stopped.
type cursor struct {
	C string `json:"c,omitempty"`
	W string `json:"w,omitempty"`
	H string `json:"h,omitempty"`
	P string `json:"p,omitempty"`
}

// Adapter pages through an actor's author feed.
type Adapter struct {
	source Source
}

// NewAdapter builds an Adapter.
func NewAdapter(source Source) *Adapter {
	return &Adapter{source: source}
}

// Platform implements crawler.Adapter.
func (a *Adapter) Platform() crawler.Platform {
	return crawler.PlatformFeed
}

// Fetch implements crawler.Adapter.
func (a *Adapter) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchPage, error) {
	if req.Target.Platform != crawler.PlatformFeed {
		return crawler.FetchPage{}, &crawler.PermanentError{Err: fmt.Errorf("feed adapter cannot fetch %s", req.Target)}
	}
	state, err := decodeCursor(req.Position)
	if err != nil {
		return crawler.FetchPage{}, err
	}
	if req.Mode == crawler.FetchBackfill {
		return a.backfill(ctx, req.Target.Identifier, state)
	}
	return a.head(ctx, req.Target.Identifier, state, req.SweepStart)
}

func (a *Adapter) head(ctx context.Context, actor string, state cursor, start bool) (crawler.FetchPage, error) {
	if start && state.W == "" && state.H != "" {
		// The seeding sweep ran out of head pages; its newest item becomes the
		// watermark and the rest of history is left to backfill.
		state.W, state.H, state.P = state.P, "", ""
	}
	resp, err := a.source.AuthorFeed(ctx, actor, state.H)
	if err != nil {
		return crawler.FetchPage{}, err
	}
	watermark := parseStamp(state.W)
	pending := parseStamp(state.P)
	seeding := state.W == ""

	var page crawler.FetchPage
	caughtUp := resp.Cursor == "" || len(resp.Feed) == 0
	for _, raw := range resp.Feed {
		ts, ok := sortTime(raw)
		if ok && ts.After(pending) {
			pending = ts
		}
		if !seeding && ok && !ts.After(watermark) {
			caughtUp = true
			continue
		}
		page.Items = append(page.Items, crawler.RawItem{Data: raw})
	}

	if seeding {
		state.C = resp.Cursor
	}
	if caughtUp {
		if !pending.IsZero() && pending.After(watermark) {
			state.W = formatStamp(pending)
		}
		state.H, state.P = "", ""
		page.Exhausted = true
	} else {
		state.H = resp.Cursor
		state.P = formatStamp(pending)
	}
	page.Next, err = encodeCursor(state)
	if err != nil {
		return crawler.FetchPage{}, err
	}
	return page, nil
}

func (a *Adapter) backfill(ctx context.Context, actor string, state cursor) (crawler.FetchPage, error) {
	if state.C == "" {
		next, err := encodeCursor(state)
		if err != nil {
			return crawler.FetchPage{}, err
		}
		return crawler.FetchPage{Next: next, Exhausted: true}, nil
	}
	resp, err := a.source.AuthorFeed(ctx, actor, state.C)
	if err != nil {
		return crawler.FetchPage{}, err
	}
	page := crawler.FetchPage{Items: make([]crawler.RawItem, 0, len(resp.Feed))}
	for _, raw := range resp.Feed {
		page.Items = append(page.Items, crawler.RawItem{Data: raw})
	}
	state.C = resp.Cursor
	page.Exhausted = resp.Cursor == ""
	page.Next, err = encodeCursor(state)
	if err != nil {
		return crawler.FetchPage{}, err
	}
	return page, nil
}

// sortTime is the time the item entered the author's feed: the repost time
// for reposts, otherwise the post's index time.
func sortTime(raw json.RawMessage) (time.Time, bool) {
	var v struct {
		Post *struct {
			IndexedAt string `json:"indexedAt"`
			Record    struct {
				CreatedAt string `json:"createdAt"`
			} `json:"record"`
		} `json:"post"`
		Reason *struct {
			IndexedAt string `json:"indexedAt"`
		} `json:"reason"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return time.Time{}, false
	}
	candidates := []string{}
	if v.Reason != nil {
		candidates = append(candidates, v.Reason.IndexedAt)
	}
	if v.Post != nil {
		candidates = append(candidates, v.Post.IndexedAt, v.Post.Record.CreatedAt)
	}
	for _, c := range candidates {
		if ts := parseStamp(c); !ts.IsZero() {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseStamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

func formatStamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func decodeCursor(pos crawler.Position) (cursor, error) {
	var state cursor
	if pos.IsZero() {
		return state, nil
	}
	if pos.Platform != crawler.PlatformFeed {
		return cursor{}, &crawler.PermanentError{Err: fmt.Errorf("position tagged %q, want feed", pos.Platform)}
	}
	if err := json.Unmarshal([]byte(pos.Payload), &state); err != nil {
		return cursor{}, &crawler.PermanentError{Err: fmt.Errorf("decode feed position: %w", err)}
	}
	return state, nil
}

func encodeCursor(state cursor) (crawler.Position, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return crawler.Position{}, fmt.Errorf("encode feed position: %w", err)
	}
	return crawler.NewPosition(crawler.PlatformFeed, string(data)), nil
}
