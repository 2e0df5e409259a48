package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"aio-proxy/work/config"
	"aio-proxy/work/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// opTimeout bounds every single Redis round trip
const opTimeout = 2 * time.Second

// RedisCache is a Redis-backed Cache shared between proxy instances.
type RedisCache struct {
	client     *redis.Client
	log        zerolog.Logger
	defaultTTL time.Duration
	stats      struct {
		hits   atomic.Int64
		misses atomic.Int64
		sets   atomic.Int64
	}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
}

// NewRedisCache connects to Redis and verifies the connection with a ping.
func NewRedisCache(cfg config.RedisConfig, defaultTTL time.Duration, log zerolog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to Redis cache")

	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	return &RedisCache{client: client, log: log, defaultTTL: defaultTTL}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string, dst any) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("key", key).Msg("redis get failed")
		}
		c.miss()
		return false
	}

	if err := json.Unmarshal(val, dst); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("json unmarshal failed")
		c.miss()
		return false
	}

	c.stats.hits.Add(1)
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return true
}

func (c *RedisCache) miss() {
	c.stats.misses.Add(1)
	metrics.CacheLookups.WithLabelValues("miss").Inc()
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(value)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("json marshal failed")
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("redis set failed")
		return
	}
	c.stats.sets.Add(1)
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("redis delete failed")
	}
}

// Stats returns the hit/miss counters of this instance.
func (c *RedisCache) Stats() Stats {
	return Stats{
		Hits:   c.stats.hits.Load(),
		Misses: c.stats.misses.Load(),
		Sets:   c.stats.sets.Load(),
	}
}

// HealthCheck pings the server.
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// New picks the backend from configuration: Redis when an address is set, memory otherwise.
// A Redis server that cannot be reached falls back to memory so the add-on keeps serving.
func New(cfg *config.Config, log zerolog.Logger) (Cache, error) {
	if cfg.Redis.Addr != "" {
		rc, err := NewRedisCache(cfg.Redis, cfg.CacheTTL, log)
		if err == nil {
			return rc, nil
		}
		log.Warn().Err(err).Msg("falling back to in-memory cache")
	}
	return NewMemoryCache(cfg.CacheMaxEntries, cfg.CacheTTL)
}
