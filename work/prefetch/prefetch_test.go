package prefetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"aio-proxy/work/cache"
	"aio-proxy/work/cinemeta"
	"aio-proxy/work/types"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	gate  chan struct{}
	empty map[int]bool
}

func (f *fakeFetcher) FetchAll(ctx context.Context, id types.MediaID) []types.StreamRecord {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, id.String())
	f.mu.Unlock()

	if f.empty[id.Episode] {
		return []types.StreamRecord{types.NewErrorRecord("A", errors.New("down"))}
	}
	return []types.StreamRecord{{Service: "A", Title: id.String()}}
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeLister struct {
	episodes []int
	err      error
}

func (l fakeLister) SeasonEpisodes(_ context.Context, _ string, _ int) ([]cinemeta.Video, error) {
	if l.err != nil {
		return nil, l.err
	}
	var out []cinemeta.Video
	for _, e := range l.episodes {
		out = append(out, cinemeta.Video{Season: 1, Episode: e})
	}
	return out, nil
}

func newPrefetcher(t *testing.T, f Fetcher, l EpisodeLister, c cache.Cache) *Prefetcher {
	t.Helper()
	pool, err := ants.NewPool(4, ants.WithNonblocking(true))
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	p := New(NewRegistry(), pool, f, l, c, Options{Enabled: true, EpisodeDelay: time.Millisecond, CacheTTL: time.Minute})
	t.Cleanup(p.Stop)
	return p
}

func newCache(t *testing.T) *cache.MemoryCache {
	t.Helper()
	c, err := cache.NewMemoryCache(100, time.Minute)
	require.NoError(t, err)
	return c
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.TryAcquire("tt1:1"))
	assert.False(t, r.TryAcquire("tt1:1"))
	assert.True(t, r.TryAcquire("tt1:2"))
	assert.Equal(t, []string{"tt1:1", "tt1:2"}, r.Active())

	r.Release("tt1:1")
	r.Release("missing")
	assert.True(t, r.TryAcquire("tt1:1"))
}

func TestRegistryConcurrentAcquire(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryAcquire("tt1:1") {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestTriggerCachesSeason(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	// episode 2 is already cached and must not be fetched again
	c.Set(ctx, types.EpisodeID("tt1", 1, 2).CacheKey(), []types.StreamRecord{{Service: "old"}}, 0)

	f := &fakeFetcher{empty: map[int]bool{3: true}}
	p := newPrefetcher(t, f, fakeLister{episodes: []int{1, 2, 3, 4}}, c)

	require.True(t, p.Trigger(types.EpisodeID("tt1", 1, 1)))
	require.Eventually(t, func() bool { return len(p.Registry().Active()) == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"series/tt1:1:1", "series/tt1:1:3", "series/tt1:1:4"}, f.Calls())

	var got []types.StreamRecord
	assert.True(t, c.Get(ctx, types.EpisodeID("tt1", 1, 1).CacheKey(), &got))
	assert.True(t, c.Get(ctx, types.EpisodeID("tt1", 1, 4).CacheKey(), &got))
	assert.False(t, c.Get(ctx, types.EpisodeID("tt1", 1, 3).CacheKey(), &got), "error-only results are not cached")
}

func TestTriggerDeduplicatesSeason(t *testing.T) {
	f := &fakeFetcher{gate: make(chan struct{})}
	p := newPrefetcher(t, f, fakeLister{episodes: []int{1, 2}}, newCache(t))

	assert.True(t, p.Trigger(types.EpisodeID("tt1", 1, 1)))
	assert.False(t, p.Trigger(types.EpisodeID("tt1", 1, 2)), "same season in flight")
	assert.True(t, p.Trigger(types.EpisodeID("tt1", 2, 1)), "another season is independent")
	assert.Equal(t, []string{"tt1:1", "tt1:2"}, p.Registry().Active())

	close(f.gate)
	require.Eventually(t, func() bool { return len(p.Registry().Active()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, p.Trigger(types.EpisodeID("tt1", 1, 2)), "key released after completion")
}

func TestTriggerReleasesOnFailure(t *testing.T) {
	p := newPrefetcher(t, &fakeFetcher{}, fakeLister{err: errors.New("catalog down")}, newCache(t))

	require.True(t, p.Trigger(types.EpisodeID("tt1", 1, 1)))
	require.Eventually(t, func() bool { return len(p.Registry().Active()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestTriggerIgnoresMoviesAndDisabled(t *testing.T) {
	p := newPrefetcher(t, &fakeFetcher{}, fakeLister{}, newCache(t))
	assert.False(t, p.Trigger(types.MediaID{Kind: types.KindMovie, ID: "tt1"}))

	p.opts.Enabled = false
	assert.False(t, p.Trigger(types.EpisodeID("tt1", 1, 1)))
}

func TestTriggerRejectedWhenPoolFull(t *testing.T) {
	pool, err := ants.NewPool(1, ants.WithNonblocking(true))
	require.NoError(t, err)
	defer pool.Release()

	f := &fakeFetcher{gate: make(chan struct{})}
	defer close(f.gate)
	p := New(NewRegistry(), pool, f, fakeLister{episodes: []int{1}}, newCache(t), Options{Enabled: true})
	defer p.Stop()

	require.True(t, p.Trigger(types.EpisodeID("tt1", 1, 1)))
	assert.False(t, p.Trigger(types.EpisodeID("tt2", 1, 1)))
	assert.Equal(t, []string{"tt1:1"}, p.Registry().Active(), "rejected key is released")
}

func TestStopCancelsRunningJob(t *testing.T) {
	f := &fakeFetcher{gate: make(chan struct{})}
	p := newPrefetcher(t, f, fakeLister{episodes: []int{1, 2, 3}}, newCache(t))

	require.True(t, p.Trigger(types.EpisodeID("tt1", 1, 1)))
	p.Stop()

	require.Eventually(t, func() bool { return len(p.Registry().Active()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, len(f.Calls()), 1)
	assert.False(t, p.Trigger(types.EpisodeID("tt1", 1, 1)))
}
