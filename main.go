package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aio-proxy/work/addon"
	"aio-proxy/work/aggregator"
	"aio-proxy/work/buffer"
	"aio-proxy/work/cache"
	"aio-proxy/work/cinemeta"
	"aio-proxy/work/client"
	"aio-proxy/work/config"
	"aio-proxy/work/database"
	"aio-proxy/work/handlers"
	"aio-proxy/work/history"
	"aio-proxy/work/logger"
	"aio-proxy/work/middleware"
	"aio-proxy/work/prefetch"
	"aio-proxy/work/proxy"
	"aio-proxy/work/services"
	"aio-proxy/work/urlproc"
	"aio-proxy/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {
	cfg := config.LoadConfig()

	logger.SetDefault(logger.New(cfg.LogLevel))
	log := logger.WithComponent("main")

	// api client for add-ons, cinemeta and mediaflow
	apiClient, err := client.NewHeaderSettingClient(client.Options{
		UserAgent: cfg.Proxy.UserAgent,
		Timeout:   cfg.UpstreamTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create api client")
	}

	// streaming client: no overall timeout, bodies last as long as playback, and
	// resume offsets count raw bytes so transparent gzip stays off
	streamClient, err := client.NewHeaderSettingClient(client.Options{
		UserAgent:             cfg.Proxy.UserAgent,
		ResponseHeaderTimeout: cfg.Proxy.ResponseHeaderTimeout,
		DisableCompression:    true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create stream client")
	}

	// background jobs: prefetch rejects work when saturated, history entries are small
	prefetchPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithNonblocking(true))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create prefetch pool")
	}
	defer prefetchPool.Release()

	historyPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithNonblocking(true))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create history pool")
	}
	defer historyPool.Release()

	results, err := cache.New(cfg, logger.WithComponent("cache"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create result cache")
	}
	defer results.Close()
	cacheBackend := "memory"
	redisCache, _ := results.(*cache.RedisCache)
	if redisCache != nil {
		cacheBackend = "redis"
	}

	metaCache, err := cache.NewMetaCache(32<<20, 6*time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create metadata cache")
	}
	defer metaCache.Close()

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open user store")
	}
	defer db.Close()

	urls, err := urlproc.NewProcessor(cfg, apiClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up url processing")
	}

	agg := aggregator.New(services.BuildAll(cfg, apiClient))
	serviceNames := make([]string, 0, len(agg.Services()))
	for _, svc := range agg.Services() {
		serviceNames = append(serviceNames, svc.Name())
	}

	catalog := cinemeta.New(cfg.CinemetaURL, apiClient, metaCache)
	registry := prefetch.NewRegistry()
	prefetcher := prefetch.New(registry, prefetchPool, agg, catalog, results, prefetch.Options{
		Enabled:      cfg.Prefetch.Enabled,
		EpisodeDelay: cfg.Prefetch.EpisodeDelay,
		CacheTTL:     cfg.CacheTTL,
	})
	defer prefetcher.Stop()

	tracker := history.NewTracker(results, catalog, historyPool)

	streamProxy := proxy.New(cfg, streamClient, buffer.NewBufferPool(cfg.Proxy.ChunkSize))

	admin, err := newAdminAPI(cfg.Admin.Username, cfg.Admin.Password)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up admin api")
	}
	admin.db = db
	admin.history = tracker
	admin.registry = registry
	admin.pool = prefetchPool
	admin.services = serviceNames
	admin.cacheBackend = cacheBackend
	admin.redis = redisCache
	admin.workers = cfg.WorkerThreads

	h := &handlers.Handlers{
		Users: db,
		Addon: &addon.Addon{
			Fetcher:    agg,
			Cache:      results,
			URLs:       urls,
			Prefetcher: prefetcher,
			History:    tracker,
			CacheTTL:   cfg.CacheTTL,
		},
		History:   tracker,
		Tokens:    urls,
		Proxy:     streamProxy,
		Services:  serviceNames,
		MediaFlow: cfg.MediaFlow.Enabled,
		AddonURL:  cfg.AddonURL,
		Checks: map[string]func(context.Context) error{
			"database": db.PingContext,
		},
	}
	if redisCache != nil {
		h.Checks["cache"] = redisCache.HealthCheck
	}

	// fixed routes first, the user path pattern matches any first segment
	router := mux.NewRouter()
	router.Use(middleware.Instrument)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	setupAdminRoutes(router, admin)
	h.Register(router, middleware.RateLimitByUser(cfg.RateLimit.Requests, cfg.RateLimit.Window))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("version", Version).
		Str("addon_url", cfg.AddonURL).
		Str("listen", cfg.ListenAddr).
		Strs("services", serviceNames).
		Str("cache", cacheBackend).
		Dur("cache_ttl", cfg.CacheTTL).
		Int("worker_threads", cfg.WorkerThreads).
		Str("proxy_buffer", utils.FormatBytes(cfg.Proxy.BufferSize)).
		Str("proxy_chunk", utils.FormatBytes(int64(cfg.Proxy.ChunkSize))).
		Bool("mediaflow", cfg.MediaFlow.Enabled).
		Bool("prefetch", cfg.Prefetch.Enabled).
		Bool("url_obfuscation", cfg.ObfuscateUrls).
		Msg("starting AIO proxy")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
}
