package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-ingest/internal/crawler"
	"github.com/JakeFAU/social-ingest/internal/hash/sha256"
	"github.com/JakeFAU/social-ingest/internal/normalize"
	"github.com/JakeFAU/social-ingest/internal/planner"
	"github.com/JakeFAU/social-ingest/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestColdTargetHeadSweepHonorsHeadPages(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{pages: map[string]AuthorFeed{
		"":   feedPage("c1", 50, 40),
		"c1": feedPage("c2", 30, 20),
		"c2": feedPage("", 10),
	}}
	posts := memory.NewPostStore()
	cursors := memory.NewCursorStore()
	p := planner.New(
		planner.Config{HeadPages: 2},
		[]crawler.Adapter{NewAdapter(src)},
		normalize.New(sha256.New()),
		posts,
		cursors,
		nil,
		nil,
		fixedClock{time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
		nil,
	)

	out := p.Run(context.Background(), alice)
	require.NoError(t, out.Err)
	require.Equal(t, 2, out.Pages)
	require.Equal(t, 4, out.Inserted)
	require.Equal(t, []string{"", "c1"}, src.cursors)

	require.Equal(t, 4, posts.Count())

	// The next cycle finds nothing new above the seeded watermark.
	again := p.Run(context.Background(), alice)
	require.NoError(t, again.Err)
	require.Zero(t, again.Inserted)
	require.Equal(t, []string{"", "c1", ""}, src.cursors)
}
