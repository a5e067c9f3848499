package forum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

// DefaultThreadsPerPage matches one catalog page.
const DefaultThreadsPerPage = 15

// cursor is the adapter's private position payload: the last post number
// seen per thread plus how far the current catalog sweep has progressed.
type cursor struct {
	Offset  int              `json:"offset,omitempty"`
	Threads map[string]int64 `json:"threads"`
}

// Source fetches thread snapshots from a board catalog.
type Source interface {
	Catalog(ctx context.Context, board string) ([]CatalogThread, error)
	Thread(ctx context.Context, board string, no int64) ([]json.RawMessage, error)
}

// Adapter pages through a board by sweeping its catalog in thread-number
// order, ThreadsPerPage threads at a time.
type Adapter struct {
	source         Source
	throttle       crawler.Throttle
	threadsPerPage int
}

// NewAdapter builds an Adapter. throttle paces individual thread requests
// and may be nil.
func NewAdapter(source Source, throttle crawler.Throttle, threadsPerPage int) *Adapter {
	if threadsPerPage <= 0 {
		threadsPerPage = DefaultThreadsPerPage
	}
	return &Adapter{source: source, throttle: throttle, threadsPerPage: threadsPerPage}
}

// Platform implements crawler.Adapter.
func (a *Adapter) Platform() crawler.Platform {
	return crawler.PlatformForum
}

// Fetch implements crawler.Adapter. The board has no history beyond the live
// catalog, so backfill requests are immediately exhausted.
func (a *Adapter) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchPage, error) {
	if req.Target.Platform != crawler.PlatformForum {
		return crawler.FetchPage{}, &crawler.PermanentError{Err: fmt.Errorf("forum adapter cannot fetch %s", req.Target)}
	}
	if req.Mode == crawler.FetchBackfill {
		return crawler.FetchPage{Next: req.Position, Exhausted: true}, nil
	}
	state, err := decodeCursor(req.Position)
	if err != nil {
		return crawler.FetchPage{}, err
	}

	board := req.Target.Identifier
	catalog, err := a.source.Catalog(ctx, board)
	if err != nil {
		return crawler.FetchPage{}, err
	}
	threads := make([]int64, 0, len(catalog))
	for _, t := range catalog {
		if t.No > 0 {
			threads = append(threads, t.No)
		}
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i] < threads[j] })

	if state.Offset > len(threads) {
		state.Offset = 0
	}
	end := min(state.Offset+a.threadsPerPage, len(threads))

	var page crawler.FetchPage
	for _, no := range threads[state.Offset:end] {
		key := strconv.FormatInt(no, 10)
		items, lastSeen, err := a.fetchThread(ctx, board, no, state.Threads[key])
		if errors.Is(err, crawler.ErrThreadGone) {
			page.Gone = append(page.Gone, key)
			delete(state.Threads, key)
			continue
		}
		if err != nil {
			return crawler.FetchPage{}, err
		}
		state.Threads[key] = lastSeen
		page.Items = append(page.Items, items...)
	}

	state.Offset = end
	if end >= len(threads) {
		state.Offset = 0
		page.Exhausted = true
		prune(state.Threads, threads)
	}
	next, err := encodeCursor(state)
	if err != nil {
		return crawler.FetchPage{}, err
	}
	page.Next = next
	return page, nil
}

func (a *Adapter) fetchThread(ctx context.Context, board string, no, lastSeen int64) ([]crawler.RawItem, int64, error) {
	if a.throttle != nil {
		if err := a.throttle.Wait(ctx, "forum:"+board); err != nil {
			return nil, lastSeen, fmt.Errorf("wait for thread slot: %w", err)
		}
	}
	posts, err := a.source.Thread(ctx, board, no)
	if err != nil {
		return nil, lastSeen, err
	}
	container := strconv.FormatInt(no, 10)
	newest := lastSeen
	var items []crawler.RawItem
	for _, raw := range posts {
		var head struct {
			No int64 `json:"no"`
		}
		if err := json.Unmarshal(raw, &head); err != nil || head.No <= lastSeen {
			continue
		}
		items = append(items, crawler.RawItem{Container: container, Data: raw})
		newest = max(newest, head.No)
	}
	return items, newest, nil
}

func prune(seen map[string]int64, live []int64) {
	keep := make(map[string]struct{}, len(live))
	for _, no := range live {
		keep[strconv.FormatInt(no, 10)] = struct{}{}
	}
	for key := range seen {
		if _, ok := keep[key]; !ok {
			delete(seen, key)
		}
	}
}

func decodeCursor(pos crawler.Position) (cursor, error) {
	state := cursor{Threads: map[string]int64{}}
	if pos.IsZero() {
		return state, nil
	}
	if pos.Platform != crawler.PlatformForum {
		return cursor{}, &crawler.PermanentError{Err: fmt.Errorf("position tagged %q, want forum", pos.Platform)}
	}
	if err := json.Unmarshal([]byte(pos.Payload), &state); err != nil {
		return cursor{}, &crawler.PermanentError{Err: fmt.Errorf("decode forum position: %w", err)}
	}
	if state.Threads == nil {
		state.Threads = map[string]int64{}
	}
	return state, nil
}

func encodeCursor(state cursor) (crawler.Position, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return crawler.Position{}, fmt.Errorf("encode forum position: %w", err)
	}
	return crawler.NewPosition(crawler.PlatformForum, string(data)), nil
}
