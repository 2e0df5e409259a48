package prefetch

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"aio-proxy/work/cache"
	"aio-proxy/work/cinemeta"
	"aio-proxy/work/logger"
	"aio-proxy/work/metrics"
	"aio-proxy/work/types"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry is the process-wide set of season keys currently being prefetched.
// A key is held from the moment a job is accepted until that job returns.
type Registry struct {
	inflight *xsync.MapOf[string, time.Time] // season key -> start time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{inflight: xsync.NewMapOf[string, time.Time]()}
}

// TryAcquire claims key and reports whether the caller now owns it.
func (r *Registry) TryAcquire(key string) bool {
	_, loaded := r.inflight.LoadOrStore(key, time.Now())
	return !loaded
}

// Release gives key back. Releasing a key that is not held is a no-op.
func (r *Registry) Release(key string) {
	r.inflight.Delete(key)
}

// Active lists the held keys in sorted order.
func (r *Registry) Active() []string {
	keys := make([]string, 0, r.inflight.Size())
	r.inflight.Range(func(key string, _ time.Time) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Fetcher aggregates the raw records for one media id.
type Fetcher interface {
	FetchAll(ctx context.Context, id types.MediaID) []types.StreamRecord
}

// EpisodeLister lists the episodes of one season.
type EpisodeLister interface {
	SeasonEpisodes(ctx context.Context, seriesID string, season int) ([]cinemeta.Video, error)
}

// Options configures a Prefetcher.
type Options struct {
	Enabled      bool
	EpisodeDelay time.Duration // pause between two episodes of the same season
	CacheTTL     time.Duration // lifetime of prefetched results
}

// Prefetcher warms the result cache for every episode of a season after one of
// its episodes has been requested. Jobs run on a bounded worker pool and are never
// awaited by the request that triggered them.
type Prefetcher struct {
	registry *Registry
	pool     *ants.Pool
	fetcher  Fetcher
	episodes EpisodeLister
	cache    cache.Cache
	opts     Options

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// New creates a Prefetcher. pool should be non-blocking so a saturated pool
// rejects new seasons instead of stalling the stream request.
func New(registry *Registry, pool *ants.Pool, fetcher Fetcher, episodes EpisodeLister, c cache.Cache, opts Options) *Prefetcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Prefetcher{
		registry: registry,
		pool:     pool,
		fetcher:  fetcher,
		episodes: episodes,
		cache:    c,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry exposes the in-flight set.
func (p *Prefetcher) Registry() *Registry {
	return p.registry
}

// Trigger schedules a prefetch of id's season and reports whether a job was started.
// Movies, a disabled prefetcher, a season already in flight and a full pool all
// return false.
func (p *Prefetcher) Trigger(id types.MediaID) bool {
	if !p.opts.Enabled || !id.IsSeries() || p.stopped.Load() {
		return false
	}

	key := id.SeasonKey()
	if !p.registry.TryAcquire(key) {
		logger.Debug("{prefetch/prefetch - Trigger} Season %s is already being cached", key)
		metrics.PrefetchRuns.WithLabelValues("skipped").Inc()
		return false
	}

	err := p.pool.Submit(func() {
		defer p.registry.Release(key)
		p.run(id)
	})
	if err != nil {
		p.registry.Release(key)
		logger.Warn("{prefetch/prefetch - Trigger} Cannot schedule season %s: %v", key, err)
		metrics.PrefetchRuns.WithLabelValues("rejected").Inc()
		return false
	}

	metrics.PrefetchRuns.WithLabelValues("started").Inc()
	return true
}

// run fetches and caches every episode of id's season that is not cached yet
func (p *Prefetcher) run(id types.MediaID) {
	start := time.Now()

	episodes, err := p.episodes.SeasonEpisodes(p.ctx, id.ID, id.Season)
	if err != nil {
		logger.Error("{prefetch/prefetch - run} Cannot list season %d of %s: %v", id.Season, id.ID, err)
		metrics.PrefetchRuns.WithLabelValues("failed").Inc()
		return
	}
	logger.Info("{prefetch/prefetch - run} Caching %d episodes of season %d for %s", len(episodes), id.Season, id.ID)

	cached := 0
	fetched := false
	for _, ep := range episodes {
		epID := types.EpisodeID(id.ID, id.Season, ep.Episode)

		var existing []types.StreamRecord
		if p.cache.Get(p.ctx, epID.CacheKey(), &existing) {
			continue
		}

		// pace upstream requests between fetched episodes
		if fetched && p.opts.EpisodeDelay > 0 {
			select {
			case <-time.After(p.opts.EpisodeDelay):
			case <-p.ctx.Done():
			}
		}
		if p.ctx.Err() != nil {
			logger.Debug("{prefetch/prefetch - run} Stopping season %s early", id.SeasonKey())
			return
		}

		records := p.fetcher.FetchAll(p.ctx, epID)
		fetched = true
		if !types.HasStreams(records) {
			logger.Warn("{prefetch/prefetch - run} No streams found for %s", epID)
			continue
		}

		p.cache.Set(p.ctx, epID.CacheKey(), records, p.opts.CacheTTL)
		cached++
		logger.Debug("{prefetch/prefetch - run} Cached %d records for %s", len(records), epID)
	}

	metrics.PrefetchRuns.WithLabelValues("done").Inc()
	logger.Info("{prefetch/prefetch - run} Cached %d/%d episodes of season %s in %s",
		cached, len(episodes), id.SeasonKey(), time.Since(start).Round(time.Millisecond))
}

// Stop cancels running jobs and refuses new ones.
func (p *Prefetcher) Stop() {
	if p.stopped.CompareAndSwap(false, true) {
		p.cancel()
	}
}
