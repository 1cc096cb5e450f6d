package cache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/marees-france/mareesd/internal/models"
)

// lruEntry wraps a cached document with its expiry.
type lruEntry struct {
	doc       models.Document
	expiresAt time.Time
}

// CachedDocumentStore layers an in-memory LRU with TTL in front of a
// persistent DocumentStore. Saves write through and refresh the cached
// entry, so within one process a Load after a Save never goes stale.
type CachedDocumentStore struct {
	inner   DocumentStore
	dataset string
	lru     *lru.Cache[string, *lruEntry]
	ttl     time.Duration
	clock   clock

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewCachedDocumentStore(inner DocumentStore, dataset string, size int, ttl time.Duration) (*CachedDocumentStore, error) {
	if size <= 0 {
		size = 8
	}
	cache, err := lru.New[string, *lruEntry](size)
	if err != nil {
		return nil, err
	}
	return &CachedDocumentStore{
		inner:   inner,
		dataset: dataset,
		lru:     cache,
		ttl:     ttl,
		clock:   realClock{},
	}, nil
}

func (c *CachedDocumentStore) Load(ctx context.Context) (models.Document, error) {
	if entry, ok := c.lru.Get(c.dataset); ok {
		if c.clock.Now().Before(entry.expiresAt) {
			c.hits.Add(1)
			return copyDocument(entry.doc), nil
		}
		c.lru.Remove(c.dataset)
	}
	c.misses.Add(1)

	doc, err := c.inner.Load(ctx)
	if err != nil {
		return nil, err
	}
	c.lru.Add(c.dataset, &lruEntry{
		doc:       copyDocument(doc),
		expiresAt: c.clock.Now().Add(c.ttl),
	})
	return doc, nil
}

func (c *CachedDocumentStore) Save(ctx context.Context, doc models.Document) error {
	if err := c.inner.Save(ctx, doc); err != nil {
		return err
	}
	c.lru.Add(c.dataset, &lruEntry{
		doc:       copyDocument(doc),
		expiresAt: c.clock.Now().Add(c.ttl),
	})
	return nil
}

// Stats returns hit and miss counters.
func (c *CachedDocumentStore) Stats() map[string]uint64 {
	return map[string]uint64{
		"hits":   c.hits.Load(),
		"misses": c.misses.Load(),
	}
}

// Clear drops the in-memory layer. The persistent store is untouched.
func (c *CachedDocumentStore) Clear() {
	c.lru.Purge()
}
