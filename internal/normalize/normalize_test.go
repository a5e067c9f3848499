package normalize

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-ingest/internal/crawler"
	"github.com/JakeFAU/social-ingest/internal/hash/sha256"
)

var (
	board = crawler.Target{Platform: crawler.PlatformForum, Identifier: "g"}
	actor = crawler.Target{Platform: crawler.PlatformFeed, Identifier: "alice.bsky.social"}
)

func TestForumPostMapsFields(t *testing.T) {
	t.Parallel()

	n := New(sha256.New())
	item := crawler.RawItem{
		Container: "100",
		Data:      json.RawMessage(`{"no":105,"resto":100,"time":1700000000,"name":"Anonymous","com":"hello<br>&gt;world","tim":1700000000123,"ext":".png"}`),
	}
	post, err := n.Normalize(board, item)
	require.NoError(t, err)

	require.Equal(t, crawler.PlatformForum, post.Source)
	require.Equal(t, "g/100/105", post.NativeID)
	require.Equal(t, "forum:g", post.TargetID)
	require.NotNil(t, post.ParentThread)
	require.Equal(t, "100", *post.ParentThread)
	require.Equal(t, "hello\n>world", post.Text)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), post.CreatedAt)
	require.True(t, post.HasMedia)
	require.Nil(t, post.Engagement)
	require.Len(t, post.ID, 64)
}

func TestForumPostSkipsUnusableItems(t *testing.T) {
	t.Parallel()

	n := New(sha256.New())
	cases := map[string]string{
		"no timestamp": `{"no":1,"com":"x"}`,
		"no number":    `{"time":1700000000,"com":"x"}`,
		"no body":      `{"no":1,"time":1700000000}`,
		"not json":     `{`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := n.Normalize(board, crawler.RawItem{Data: json.RawMessage(data)})
			require.ErrorIs(t, err, crawler.ErrSkipItem)
		})
	}
}

func TestFeedPostExternalEmbed(t *testing.T) {
	t.Parallel()

	n := New(sha256.New())
	data := `{"post":{"uri":"at://did:plc:1/app.bsky.feed.post/3k","author":{"did":"did:plc:1","handle":"alice.bsky.social"},
		"record":{"text":"read this","createdAt":"2024-05-01T10:00:00.000Z"},
		"embed":{"$type":"app.bsky.embed.external#view","external":{"title":"Headline","description":"Summary"}},
		"likeCount":3,"repostCount":1,"replyCount":0}}`
	post, err := n.Normalize(actor, crawler.RawItem{Data: json.RawMessage(data)})
	require.NoError(t, err)

	require.Equal(t, "at://did:plc:1/app.bsky.feed.post/3k", post.NativeID)
	require.Equal(t, "alice.bsky.social", post.Author)
	require.Equal(t, "read this\nHeadline\nSummary", post.Text)
	require.False(t, post.HasMedia)
	require.NotNil(t, post.Engagement)
	require.EqualValues(t, 3, *post.Engagement.Likes)
	require.EqualValues(t, 0, *post.Engagement.Replies)
	require.Nil(t, post.Engagement.Quotes)
}

func TestFeedPostMissingDescriptionUsesTextAlone(t *testing.T) {
	t.Parallel()

	n := New(sha256.New())
	data := `{"post":{"uri":"at://x/1","author":{"handle":"a"},"record":{"text":"only text","createdAt":"2024-05-01T10:00:00Z"},
		"embed":{"$type":"app.bsky.embed.images#view","images":[{"thumb":"t"}]}}}`
	post, err := n.Normalize(actor, crawler.RawItem{Data: json.RawMessage(data)})
	require.NoError(t, err)
	require.Equal(t, "only text", post.Text)
	require.True(t, post.HasMedia)
	require.Nil(t, post.Engagement)
}

func TestFeedPostExternalCardWithoutDescription(t *testing.T) {
	t.Parallel()

	n := New(sha256.New())
	cases := map[string]struct {
		data string
		want string
	}{
		"title only": {
			data: `{"post":{"uri":"at://x/3","author":{"handle":"a"},"record":{"text":"read this","createdAt":"2024-05-01T10:00:00Z"},
				"embed":{"$type":"app.bsky.embed.external#view","external":{"title":"Headline","description":""}}}}`,
			want: "read this\nHeadline",
		},
		"record embed title only": {
			data: `{"post":{"uri":"at://x/4","author":{"handle":"a"},"record":{"text":"","createdAt":"2024-05-01T10:00:00Z",
				"embed":{"$type":"app.bsky.embed.external","external":{"uri":"https://example.com","title":"Headline"}}}}}`,
			want: "Headline",
		},
		"no external object": {
			data: `{"post":{"uri":"at://x/5","author":{"handle":"a"},"record":{"text":"just a link","createdAt":"2024-05-01T10:00:00Z"},
				"embed":{"$type":"app.bsky.embed.external#view"}}}`,
			want: "just a link",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			post, err := n.Normalize(actor, crawler.RawItem{Data: json.RawMessage(tc.data)})
			require.NoError(t, err)
			require.Equal(t, tc.want, post.Text)
			require.False(t, post.HasMedia)
		})
	}
}

func TestFeedPostFallsBackToIndexedAt(t *testing.T) {
	t.Parallel()

	n := New(sha256.New())
	data := `{"post":{"uri":"at://x/2","author":{"did":"did:plc:2"},"record":{"text":"hi"},"indexedAt":"2024-05-02T00:00:00Z"}}`
	post, err := n.Normalize(actor, crawler.RawItem{Data: json.RawMessage(data)})
	require.NoError(t, err)
	require.Equal(t, "did:plc:2", post.Author)
	require.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), post.CreatedAt)
}

func TestBatchCountsSkipsAndKeepsOrder(t *testing.T) {
	t.Parallel()

	n := New(sha256.New())
	items := []crawler.RawItem{
		{Data: json.RawMessage(`{"post":{"uri":"at://x/1","record":{"text":"a","createdAt":"2024-05-01T10:00:00Z"}}}`)},
		{Data: json.RawMessage(`{"post":{"record":{"text":"no uri"}}}`)},
		{Data: json.RawMessage(`{"post":{"uri":"at://x/3","record":{"text":"c","createdAt":"2024-05-01T11:00:00Z"}}}`)},
		{Data: json.RawMessage(`null`)},
	}
	posts, stats := n.Batch(actor, items)
	require.Equal(t, crawler.NormalizeStats{Normalized: 2, Skipped: 2}, stats)
	require.Equal(t, "at://x/1", posts[0].NativeID)
	require.Equal(t, "at://x/3", posts[1].NativeID)
}

func TestPostIDIsStableAcrossRefetch(t *testing.T) {
	t.Parallel()

	n := New(sha256.New())
	item := crawler.RawItem{Container: "7", Data: json.RawMessage(`{"no":7,"time":1700000000,"com":"op"}`)}
	first, err := n.Normalize(board, item)
	require.NoError(t, err)
	second, err := n.Normalize(board, item)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	other, err := n.Normalize(crawler.Target{Platform: crawler.PlatformForum, Identifier: "pol"}, item)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

type failingHasher struct{}

func (failingHasher) Hash([]byte) (string, error) { return "", errors.New("boom") }

func TestNormalizeHasherFailureSkips(t *testing.T) {
	t.Parallel()

	n := New(failingHasher{})
	_, err := n.Normalize(board, crawler.RawItem{Data: json.RawMessage(`{"no":1,"time":1,"com":"x"}`)})
	require.ErrorIs(t, err, crawler.ErrSkipItem)
}

func TestHTMLText(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", HTMLText(""))
	require.Equal(t, ">>123\nquoted & plain", HTMLText(`<a href="#p123" class="quotelink">&gt;&gt;123</a><br><span class="quote">quoted</span> &amp; plain`))
}
