package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

type postKey struct {
	source    crawler.Platform
	nativeID  string
	createdAt int64
}

// PostStore keeps canonical posts unique by ID and by (source, native ID,
// created_at), like the relational constraint.
type PostStore struct {
	mu     sync.RWMutex
	byID   map[string]crawler.CanonicalPost
	byKey  map[postKey]string
	closed bool
}

// NewPostStore creates an empty store.
func NewPostStore() *PostStore {
	return &PostStore{
		byID:  make(map[string]crawler.CanonicalPost),
		byKey: make(map[postKey]string),
	}
}

// Persist inserts unseen posts and returns how many were new.
func (s *PostStore) Persist(_ context.Context, batch []crawler.CanonicalPost) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}
	inserted := 0
	for _, post := range batch {
		key := postKey{source: post.Source, nativeID: post.NativeID, createdAt: post.CreatedAt.UnixNano()}
		if _, ok := s.byID[post.ID]; ok {
			continue
		}
		if _, ok := s.byKey[key]; ok {
			continue
		}
		s.byID[post.ID] = post
		s.byKey[key] = post.ID
		inserted++
	}
	return inserted, nil
}

// Count returns the number of stored posts.
func (s *PostStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Posts returns stored posts ordered by creation time then ID.
func (s *PostStore) Posts() []crawler.CanonicalPost {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.CanonicalPost, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close marks the store closed.
func (s *PostStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
