package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMaxEntries = 1000
	defaultTTL        = 24 * time.Hour
)

type memoryCache struct {
	ttl     time.Duration
	entries *expirable.LRU[string, Entry]
	now     func() time.Time
}

// NewMemory returns an in-process cache bounded by maxEntries (least recently
// used entries are evicted first) and by ttl.
func NewMemory(maxEntries int, ttl time.Duration) ResponseCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &memoryCache{
		ttl:     ttl,
		entries: expirable.NewLRU[string, Entry](maxEntries, nil, ttl),
		now:     time.Now,
	}
}

// Lookup returns the stored entry. Body is shared with the cache and must not
// be modified.
func (c *memoryCache) Lookup(_ context.Context, key string) (Entry, bool, error) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if c.now().After(entry.ExpiresAt) {
		c.entries.Remove(key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, entry Entry) error {
	c.entries.Add(key, stamp(entry, c.ttl, c.now()))
	return nil
}

func (c *memoryCache) Size(context.Context) (int64, error) {
	return int64(c.entries.Len()), nil
}

func (c *memoryCache) Close(context.Context) error {
	c.entries.Purge()
	return nil
}
