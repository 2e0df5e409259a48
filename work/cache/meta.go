package cache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// MetaCache keeps raw catalog responses (series episode lists, titles) in memory.
// Entries are costed by their byte length.
type MetaCache struct {
	store *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

// NewMetaCache creates a metadata cache bounded to maxBytes.
func NewMetaCache(maxBytes int64, ttl time.Duration) (*MetaCache, error) {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &MetaCache{store: store, ttl: ttl}, nil
}

// Get returns the stored document for key.
func (m *MetaCache) Get(key string) ([]byte, bool) {
	return m.store.Get(key)
}

// Set stores data under key and waits until it is visible to Get.
func (m *MetaCache) Set(key string, data []byte) {
	m.store.SetWithTTL(key, data, int64(len(data)), m.ttl)
	m.store.Wait()
}

// Close stops the cache's background goroutines.
func (m *MetaCache) Close() {
	m.store.Close()
}
