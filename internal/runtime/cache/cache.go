package cache

import (
	"context"
	"time"
)

// Entry is an encoded response ready to be replayed byte for byte.
type Entry struct {
	Body         []byte    `json:"body"`
	ContentType  string    `json:"contentType"`
	OriginalSize int       `json:"originalSize"`
	Transformed  bool      `json:"transformed"`
	ETag         string    `json:"etag"`
	StoredAt     time.Time `json:"storedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ResponseCache stores encoded images by signature key. Implementations must
// be safe for concurrent use.
type ResponseCache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

func stamp(entry Entry, ttl time.Duration, now time.Time) Entry {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = now.UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		entry.ExpiresAt = entry.StoredAt.Add(ttl)
	}
	return entry
}
