// Package normalize maps raw platform items into canonical posts. Normalizers
// never fail a batch: items without a usable timestamp or body are skipped
// and counted.
package normalize

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

// Normalizer dispatches to the per-platform mapping.
type Normalizer struct {
	hasher crawler.Hasher
}

// New builds a Normalizer that derives post IDs with hasher.
func New(hasher crawler.Hasher) *Normalizer {
	return &Normalizer{hasher: hasher}
}

// Normalize maps one item. It returns an error wrapping crawler.ErrSkipItem
// for unusable items.
func (n *Normalizer) Normalize(target crawler.Target, item crawler.RawItem) (crawler.CanonicalPost, error) {
	var (
		post crawler.CanonicalPost
		err  error
	)
	switch target.Platform {
	case crawler.PlatformForum:
		post, err = forumPost(target, item)
	case crawler.PlatformFeed:
		post, err = feedPost(target, item)
	default:
		return crawler.CanonicalPost{}, fmt.Errorf("normalize %s: %w", target.Platform, crawler.ErrSkipItem)
	}
	if err != nil {
		return crawler.CanonicalPost{}, err
	}
	id, err := n.postID(post.Source, post.NativeID, post.CreatedAt)
	if err != nil {
		return crawler.CanonicalPost{}, fmt.Errorf("derive post id: %w", crawler.ErrSkipItem)
	}
	post.ID = id
	post.TargetID = target.ID()
	return post, nil
}

// Batch normalizes a page in order, dropping skipped items.
func (n *Normalizer) Batch(target crawler.Target, items []crawler.RawItem) ([]crawler.CanonicalPost, crawler.NormalizeStats) {
	posts := make([]crawler.CanonicalPost, 0, len(items))
	var stats crawler.NormalizeStats
	for _, item := range items {
		post, err := n.Normalize(target, item)
		if err != nil {
			stats.Skipped++
			continue
		}
		posts = append(posts, post)
		stats.Normalized++
	}
	return posts, stats
}

// postID derives a content-addressable ID that is stable across re-fetches.
func (n *Normalizer) postID(source crawler.Platform, nativeID string, createdAt time.Time) (string, error) {
	if n.hasher == nil {
		return "", errors.New("no hasher configured")
	}
	key := string(source) + "|" + nativeID + "|" + createdAt.UTC().Format(time.RFC3339Nano)
	sum, err := n.hasher.Hash([]byte(key))
	if err != nil {
		return "", fmt.Errorf("hash post key: %w", err)
	}
	return sum, nil
}

func skip(reason string) error {
	return fmt.Errorf("%s: %w", reason, crawler.ErrSkipItem)
}
