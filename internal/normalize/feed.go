package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

type feedItem struct {
	Post *feedPostView `json:"post"`
}

type feedPostView struct {
	URI    string `json:"uri"`
	CID    string `json:"cid"`
	Author struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	} `json:"author"`
	Record struct {
		Text      string     `json:"text"`
		CreatedAt string     `json:"createdAt"`
		Reply     *struct{}  `json:"reply"`
		Embed     *feedEmbed `json:"embed"`
	} `json:"record"`
	Embed       *feedEmbed `json:"embed"`
	IndexedAt   string     `json:"indexedAt"`
	LikeCount   *int64     `json:"likeCount"`
	RepostCount *int64     `json:"repostCount"`
	ReplyCount  *int64     `json:"replyCount"`
	QuoteCount  *int64     `json:"quoteCount"`
}

// feedEmbed covers both the record embed and its hydrated view.
type feedEmbed struct {
	Type     string `json:"$type"`
	External *struct {
		Title       string          `json:"title"`
		Description string          `json:"description"`
		Thumb       json.RawMessage `json:"thumb"`
	} `json:"external"`
	Images []json.RawMessage `json:"images"`
	Video  json.RawMessage   `json:"video"`
	Media  *feedEmbed        `json:"media"`
}

func (e *feedEmbed) external() (title, description string) {
	if e == nil {
		return "", ""
	}
	if e.External != nil {
		return e.External.Title, e.External.Description
	}
	return e.Media.external()
}

func (e *feedEmbed) hasMedia() bool {
	if e == nil {
		return false
	}
	if len(e.Images) > 0 || len(e.Video) > 0 {
		return true
	}
	if strings.Contains(e.Type, "embed.images") || strings.Contains(e.Type, "embed.video") {
		return true
	}
	return e.Media.hasMedia()
}

func feedPost(target crawler.Target, item crawler.RawItem) (crawler.CanonicalPost, error) {
	var raw feedItem
	if err := json.Unmarshal(item.Data, &raw); err != nil {
		return crawler.CanonicalPost{}, skip("decode feed item")
	}
	p := raw.Post
	if p == nil || p.URI == "" {
		return crawler.CanonicalPost{}, skip("feed item without uri")
	}

	createdAt, ok := parseFeedTime(p.Record.CreatedAt)
	if !ok {
		createdAt, ok = parseFeedTime(p.IndexedAt)
	}
	if !ok {
		return crawler.CanonicalPost{}, skip("feed item without timestamp")
	}

	embed := p.Embed
	if embed == nil {
		embed = p.Record.Embed
	}
	title, description := embed.external()
	text := joinNonEmpty("\n", p.Record.Text, title, description)
	hasMedia := embed.hasMedia() || p.Record.Embed.hasMedia()
	if text == "" && !hasMedia {
		return crawler.CanonicalPost{}, skip("feed item without body")
	}

	author := p.Author.Handle
	if author == "" {
		author = p.Author.DID
	}

	post := crawler.CanonicalPost{
		Source:    crawler.PlatformFeed,
		NativeID:  p.URI,
		Author:    author,
		CreatedAt: createdAt,
		Text:      text,
		Body:      append(json.RawMessage(nil), item.Data...),
		HasMedia:  hasMedia,
	}
	engagement := crawler.Engagement{
		Likes:   p.LikeCount,
		Reposts: p.RepostCount,
		Replies: p.ReplyCount,
		Quotes:  p.QuoteCount,
	}
	if !engagement.IsZero() {
		post.Engagement = &engagement
	}
	return post, nil
}

func parseFeedTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}
