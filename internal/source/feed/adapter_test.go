package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

// scriptedSource serves pages keyed by cursor.
type scriptedSource struct {
	pages   map[string]AuthorFeed
	cursors []string
}

func (s *scriptedSource) AuthorFeed(_ context.Context, _ string, cursor string) (AuthorFeed, error) {
	s.cursors = append(s.cursors, cursor)
	page, ok := s.pages[cursor]
	if !ok {
		return AuthorFeed{}, &crawler.PermanentError{Err: fmt.Errorf("unexpected cursor %q", cursor)}
	}
	return page, nil
}

func item(minute int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"post":{"uri":"at://x/%d","indexedAt":"2024-05-01T10:%02d:00Z","record":{"text":"p%d"}}}`,
		minute, minute, minute))
}

func feedPage(cursor string, minutes ...int) AuthorFeed {
	out := AuthorFeed{Cursor: cursor}
	for _, m := range minutes {
		out.Feed = append(out.Feed, item(m))
	}
	return out
}

var alice = crawler.Target{Platform: crawler.PlatformFeed, Identifier: "alice.bsky.social"}

// fetch requests the first page of a sweep.
func fetch(t *testing.T, a *Adapter, pos crawler.Position, mode crawler.FetchMode) crawler.FetchPage {
	t.Helper()
	return fetchPage(t, a, pos, mode, true)
}

// fetchNext requests a follow-up page within the same sweep.
func fetchNext(t *testing.T, a *Adapter, pos crawler.Position, mode crawler.FetchMode) crawler.FetchPage {
	t.Helper()
	return fetchPage(t, a, pos, mode, false)
}

func fetchPage(t *testing.T, a *Adapter, pos crawler.Position, mode crawler.FetchMode, start bool) crawler.FetchPage {
	t.Helper()
	page, err := a.Fetch(context.Background(), crawler.FetchRequest{
		Target:     alice,
		Position:   pos,
		Mode:       mode,
		SweepStart: start,
	})
	require.NoError(t, err)
	return page
}

func decode(t *testing.T, pos crawler.Position) cursor {
	t.Helper()
	state, err := decodeCursor(pos)
	require.NoError(t, err)
	return state
}

func TestFeedAdapterSeedingSweepPagesThroughHead(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{pages: map[string]AuthorFeed{
		"":   feedPage("c1", 50, 40),
		"c1": feedPage("c2", 30, 20),
		"c2": feedPage("", 10),
	}}
	a := NewAdapter(src)

	h1 := fetch(t, a, crawler.Position{}, crawler.FetchHead)
	require.False(t, h1.Exhausted)
	require.Len(t, h1.Items, 2)
	require.Equal(t, cursor{C: "c1", H: "c1", P: "2024-05-01T10:50:00Z"}, decode(t, h1.Next))

	h2 := fetchNext(t, a, h1.Next, crawler.FetchHead)
	require.False(t, h2.Exhausted)
	require.Len(t, h2.Items, 2)
	require.Equal(t, cursor{C: "c2", H: "c2", P: "2024-05-01T10:50:00Z"}, decode(t, h2.Next))

	// Head budget spent; backfill resumes after the last head page.
	b1 := fetch(t, a, h2.Next, crawler.FetchBackfill)
	require.True(t, b1.Exhausted)
	require.Len(t, b1.Items, 1)

	// The next sweep commits the seeding watermark and starts from the top.
	again := fetch(t, a, b1.Next, crawler.FetchHead)
	require.True(t, again.Exhausted)
	require.Empty(t, again.Items)
	require.Equal(t, cursor{W: "2024-05-01T10:50:00Z"}, decode(t, again.Next))
	require.Equal(t, []string{"", "c1", "c2", ""}, src.cursors)
}

func TestFeedAdapterSeedingSweepEndsWithHistory(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{pages: map[string]AuthorFeed{
		"":   feedPage("c1", 50, 40),
		"c1": feedPage("", 30),
	}}
	a := NewAdapter(src)

	h1 := fetch(t, a, crawler.Position{}, crawler.FetchHead)
	h2 := fetchNext(t, a, h1.Next, crawler.FetchHead)
	require.True(t, h2.Exhausted)
	require.Len(t, h2.Items, 1)
	require.Equal(t, cursor{W: "2024-05-01T10:50:00Z"}, decode(t, h2.Next))

	back := fetch(t, a, h2.Next, crawler.FetchBackfill)
	require.True(t, back.Exhausted)
	require.Empty(t, back.Items)
	require.Equal(t, []string{"", "c1"}, src.cursors)
}

func TestFeedAdapterHeadFiltersSeenItems(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{pages: map[string]AuthorFeed{"": feedPage("c1", 55, 50, 40)}}
	a := NewAdapter(src)
	start, err := encodeCursor(cursor{C: "old", W: "2024-05-01T10:50:00Z"})
	require.NoError(t, err)

	page := fetch(t, a, start, crawler.FetchHead)
	require.True(t, page.Exhausted)
	require.Len(t, page.Items, 1)
	state, err := decodeCursor(page.Next)
	require.NoError(t, err)
	require.Equal(t, cursor{C: "old", W: "2024-05-01T10:55:00Z"}, state)

	src.pages[""] = feedPage("c1", 55, 50)
	again := fetch(t, a, page.Next, crawler.FetchHead)
	require.Empty(t, again.Items)
	require.True(t, again.Next.Equal(page.Next))
}

func TestFeedAdapterHeadContinuesAcrossGap(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{pages: map[string]AuthorFeed{
		"":   feedPage("h1", 59, 58),
		"h1": feedPage("h2", 57, 45),
	}}
	a := NewAdapter(src)
	start, err := encodeCursor(cursor{C: "old", W: "2024-05-01T10:50:00Z"})
	require.NoError(t, err)

	first := fetch(t, a, start, crawler.FetchHead)
	require.False(t, first.Exhausted)
	require.Len(t, first.Items, 2)
	mid, err := decodeCursor(first.Next)
	require.NoError(t, err)
	require.Equal(t, cursor{C: "old", W: "2024-05-01T10:50:00Z", H: "h1", P: "2024-05-01T10:59:00Z"}, mid)

	second := fetch(t, a, first.Next, crawler.FetchHead)
	require.True(t, second.Exhausted)
	require.Len(t, second.Items, 1)
	done, err := decodeCursor(second.Next)
	require.NoError(t, err)
	require.Equal(t, cursor{C: "old", W: "2024-05-01T10:59:00Z"}, done)
}

func TestFeedAdapterShortHistoryHasNoBackfill(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{pages: map[string]AuthorFeed{"": feedPage("", 10)}}
	a := NewAdapter(src)

	page := fetch(t, a, crawler.Position{}, crawler.FetchHead)
	back := fetch(t, a, page.Next, crawler.FetchBackfill)
	require.True(t, back.Exhausted)
	require.Equal(t, []string{""}, src.cursors)
}

func TestFeedAdapterPropagatesErrors(t *testing.T) {
	t.Parallel()

	a := NewAdapter(&scriptedSource{pages: map[string]AuthorFeed{}})
	_, err := a.Fetch(context.Background(), crawler.FetchRequest{Target: alice, Mode: crawler.FetchHead})
	require.Equal(t, crawler.ClassPermanent, crawler.Classify(err))

	_, err = a.Fetch(context.Background(), crawler.FetchRequest{
		Target:   alice,
		Position: crawler.NewPosition(crawler.PlatformForum, "{}"),
		Mode:     crawler.FetchHead,
	})
	require.Equal(t, crawler.ClassPermanent, crawler.Classify(err))
}

func TestSortTimePrefersRepostTime(t *testing.T) {
	t.Parallel()

	ts, ok := sortTime(json.RawMessage(`{"post":{"indexedAt":"2024-05-01T10:00:00Z"},"reason":{"indexedAt":"2024-05-02T10:00:00Z"}}`))
	require.True(t, ok)
	require.Equal(t, 2, ts.Day())

	_, ok = sortTime(json.RawMessage(`{"post":{}}`))
	require.False(t, ok)
}
