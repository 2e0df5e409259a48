package cache

import (
	"context"
	"encoding/json"
	"time"

	"aio-proxy/work/logger"
	"aio-proxy/work/metrics"

	"github.com/maypok86/otter/v2"
)

// Cache is a key-value store for JSON-encodable values with a per-entry lifetime.
//
// Lookups never fail: a backend error, an expired entry and a missing key all read
// as a miss. Writes are best effort and only logged on failure.
type Cache interface {
	// Get decodes the value stored under key into dst and reports whether it was found.
	Get(ctx context.Context, key string, dst any) bool

	// Set stores value under key for ttl. A non-positive ttl uses the backend default.
	Set(ctx context.Context, key string, value any, ttl time.Duration)

	// Delete removes key if present.
	Delete(ctx context.Context, key string)

	// Close releases the backend.
	Close() error
}

// entry is a stored value together with its requested lifetime
type entry struct {
	data []byte
	ttl  time.Duration
}

// MemoryCache is the in-process Cache used when no Redis server is configured.
// Values are stored encoded so callers never share mutable state through the cache.
type MemoryCache struct {
	store      *otter.Cache[string, entry]
	defaultTTL time.Duration
}

// NewMemoryCache creates a bounded in-memory cache.
//
// Parameters:
//   - maxEntries: capacity before least valuable entries are evicted
//   - defaultTTL: lifetime applied when Set is called without one
func NewMemoryCache(maxEntries int, defaultTTL time.Duration) (*MemoryCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}

	store, err := otter.New(&otter.Options[string, entry]{
		MaximumSize: maxEntries,
		ExpiryCalculator: otter.ExpiryWritingFunc(func(e otter.Entry[string, entry]) time.Duration {
			return e.Value.ttl
		}),
	})
	if err != nil {
		return nil, err
	}

	return &MemoryCache{store: store, defaultTTL: defaultTTL}, nil
}

func (c *MemoryCache) Get(_ context.Context, key string, dst any) bool {
	e, ok := c.store.GetIfPresent(key)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return false
	}

	if err := json.Unmarshal(e.data, dst); err != nil {
		logger.Warn("{cache/cache - Get} dropping undecodable entry %s: %v", key, err)
		c.store.Invalidate(key)
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return false
	}

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return true
}

func (c *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		logger.Warn("{cache/cache - Set} cannot encode %s: %v", key, err)
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.store.Set(key, entry{data: data, ttl: ttl})
}

func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.store.Invalidate(key)
}

func (c *MemoryCache) Close() error {
	c.store.InvalidateAll()
	return nil
}
