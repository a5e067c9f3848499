package crawler

import (
	"context"
	"io"
	"time"
)

// Adapter fetches one page of raw items from a platform. Implementations are
// stateless apart from shared HTTP clients and sessions.
type Adapter interface {
	Platform() Platform
	Fetch(ctx context.Context, req FetchRequest) (FetchPage, error)
}

// Normalizer maps raw items into CanonicalPosts. Normalize returns
// ErrSkipItem for unusable items; Batch drops and counts them.
type Normalizer interface {
	Normalize(target Target, item RawItem) (CanonicalPost, error)
	Batch(target Target, items []RawItem) ([]CanonicalPost, NormalizeStats)
}

// PostStore is the dedup/persistence gateway. Persist must be idempotent by
// post ID and report only newly inserted rows.
type PostStore interface {
	Persist(ctx context.Context, batch []CanonicalPost) (int, error)
	Close() error
}

// CursorStore durably maps target IDs to cursor state. Save replaces the
// whole record atomically.
type CursorStore interface {
	Load(ctx context.Context, targetID string) (CursorState, bool, error)
	Save(ctx context.Context, state CursorState) error
	Delete(ctx context.Context, targetID string) error
	List(ctx context.Context) ([]CursorState, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Queue provides at-least-once enqueue/dequeue semantics for crawl tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Throttle enforces a minimum delay between requests for one key.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// Hasher computes digests for content-addressable IDs.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces emission IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a delivered task. Done acknowledges (true) or releases
// (false) the delivery; it is nil for transports without acknowledgement.
type QueueItem struct {
	Task      Task
	Attempt   int
	Submitted int64
	// Metadata carries transport attributes such as trace propagation keys.
	Metadata map[string]string
	Done     func(success bool)
}

// Ack finishes the delivery successfully.
func (q QueueItem) Ack() {
	if q.Done != nil {
		q.Done(true)
	}
}

// Nack releases the delivery for redelivery.
func (q QueueItem) Nack() {
	if q.Done != nil {
		q.Done(false)
	}
}
