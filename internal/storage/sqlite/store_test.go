package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func post(native string, created time.Time) crawler.CanonicalPost {
	return crawler.CanonicalPost{
		ID:        "id-" + native,
		Source:    crawler.PlatformForum,
		TargetID:  "forum:g",
		NativeID:  native,
		CreatedAt: created,
		Text:      "text " + native,
		Body:      json.RawMessage(`{"no":1}`),
	}
}

func TestPersistIsIdempotent(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)

	inserted, err := store.Persist(ctx, []crawler.CanonicalPost{post("g/1/1", created), post("g/1/2", created)})
	require.NoError(t, err)
	require.Equal(t, 2, inserted)

	inserted, err = store.Persist(ctx, []crawler.CanonicalPost{post("g/1/2", created), post("g/1/3", created)})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	count, err := store.CountPosts(ctx, "forum:g")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	count, err = store.CountPosts(ctx, "feed:alice")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestPersistDedupsOnNativeIdentity(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := context.Background()
	created := time.Unix(1700000000, 0).UTC()

	first := post("g/1/1", created)
	second := first
	second.ID = "different-id"

	_, err := store.Persist(ctx, []crawler.CanonicalPost{first})
	require.NoError(t, err)
	inserted, err := store.Persist(ctx, []crawler.CanonicalPost{second})
	require.NoError(t, err)
	require.Zero(t, inserted)
}

func TestPersistStoresEngagement(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	likes := int64(3)
	p := post("at://x/1", time.Unix(1700000000, 0))
	p.Source = crawler.PlatformFeed
	p.Engagement = &crawler.Engagement{Likes: &likes}

	inserted, err := store.Persist(context.Background(), []crawler.CanonicalPost{p})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	var stored int64
	require.NoError(t, store.db.QueryRow(`SELECT like_count FROM canonical_posts`).Scan(&stored))
	require.Equal(t, likes, stored)
}

func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := context.Background()

	_, found, err := store.Load(ctx, "feed:alice")
	require.NoError(t, err)
	require.False(t, found)

	started := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	state := crawler.CursorState{
		TargetID:          "feed:alice",
		LastPosition:      crawler.NewPosition(crawler.PlatformFeed, `{"c":"abc"}`),
		LastSeenAt:        started.Add(time.Hour),
		BackfillPagesDone: 4,
		BackfillStartedAt: &started,
		UpdatedAt:         started.Add(2 * time.Hour),
	}
	require.NoError(t, store.Save(ctx, state))

	loaded, found, err := store.Load(ctx, "feed:alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, state, loaded)

	state.BackfillDone = true
	state.BackfillPagesDone = 5
	require.NoError(t, store.Save(ctx, state))
	loaded, _, err = store.Load(ctx, "feed:alice")
	require.NoError(t, err)
	require.True(t, loaded.BackfillDone)
	require.Equal(t, 5, loaded.BackfillPagesDone)
}

func TestCursorListAndDelete(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	for _, id := range []string{"forum:g", "feed:alice"} {
		require.NoError(t, store.Save(ctx, crawler.CursorState{TargetID: id, UpdatedAt: now}))
	}
	states, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.Equal(t, "feed:alice", states[0].TargetID)
	require.True(t, states[0].LastSeenAt.IsZero())
	require.Nil(t, states[0].OldestSeenAt)

	require.NoError(t, store.Delete(ctx, "feed:alice"))
	states, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, "forum:g", states[0].TargetID)
}

func TestSaveRequiresTarget(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	require.Error(t, store.Save(context.Background(), crawler.CursorState{}))
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), "")
	require.Error(t, err)
}

func TestPingAfterClose(t *testing.T) {
	t.Parallel()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "ping.db"))
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())
	require.Error(t, store.Ping(context.Background()))
}
