package cache

import (
	"context"
	"testing"
	"time"

	"aio-proxy/work/config"
	"aio-proxy/work/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords() []types.StreamRecord {
	return []types.StreamRecord{
		{Name: "Torrentio", Title: "Movie 1080p", URL: "https://x/1", Service: "Torrentio", IsCached: true},
		types.NewErrorRecord("Comet", assert.AnError),
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c, err := NewMemoryCache(100, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	var got []types.StreamRecord
	assert.False(t, c.Get(ctx, "raw_streams:movie/tt1", &got))

	c.Set(ctx, "raw_streams:movie/tt1", sampleRecords(), 0)
	require.True(t, c.Get(ctx, "raw_streams:movie/tt1", &got))
	assert.Equal(t, sampleRecords(), got)

	c.Delete(ctx, "raw_streams:movie/tt1")
	assert.False(t, c.Get(ctx, "raw_streams:movie/tt1", &got))
}

func TestMemoryCacheExpires(t *testing.T) {
	c, err := NewMemoryCache(100, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, "k", "v", 50*time.Millisecond)

	var v string
	require.True(t, c.Get(ctx, "k", &v))
	assert.Equal(t, "v", v)

	assert.Eventually(t, func() bool {
		var s string
		return !c.Get(ctx, "k", &s)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMemoryCacheUndecodableIsMiss(t *testing.T) {
	c, err := NewMemoryCache(100, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, "k", "not a list", 0)

	var recs []types.StreamRecord
	assert.False(t, c.Get(ctx, "k", &recs))
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewRedisCache(config.RedisConfig{Addr: mr.Addr()}, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, "raw_streams:movie/tt1", sampleRecords(), 30*time.Second)

	var got []types.StreamRecord
	require.True(t, c.Get(ctx, "raw_streams:movie/tt1", &got))
	assert.Equal(t, sampleRecords(), got)
	assert.Equal(t, 30*time.Second, mr.TTL("raw_streams:movie/tt1"))

	mr.FastForward(31 * time.Second)
	assert.False(t, c.Get(ctx, "raw_streams:movie/tt1", &got))

	c.Set(ctx, "other", 1, 0)
	assert.Equal(t, time.Minute, mr.TTL("other"))
	c.Delete(ctx, "other")
	assert.False(t, mr.Exists("other"))

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 2, stats.Sets)
	assert.NoError(t, c.HealthCheck(ctx))
}

func TestNewFallsBackToMemory(t *testing.T) {
	cfg := &config.Config{
		CacheTTL:        time.Minute,
		CacheMaxEntries: 10,
		Redis:           config.RedisConfig{Addr: "127.0.0.1:1"},
	}
	c, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	_, isMemory := c.(*MemoryCache)
	assert.True(t, isMemory)
}

func TestMetaCache(t *testing.T) {
	m, err := NewMetaCache(1<<20, time.Minute)
	require.NoError(t, err)
	defer m.Close()

	_, ok := m.Get("series/tt1")
	assert.False(t, ok)

	m.Set("series/tt1", []byte(`{"meta":{}}`))
	data, ok := m.Get("series/tt1")
	require.True(t, ok)
	assert.JSONEq(t, `{"meta":{}}`, string(data))
}
