package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Service kinds understood by the services package.
const (
	KindWatchHub    = "watchhub"
	KindTorBox      = "torbox"
	KindTorrentio   = "torrentio"
	KindComet       = "comet"
	KindMediaFusion = "mediafusion"
	KindEasynews    = "easynews"
	KindDebridio    = "debridio"
	KindPeerflix    = "peerflix"
)

// WatchHubName is the display name every watchhub service is served under.
// Records are recognized as featured by this name.
const WatchHubName = "WatchHub"

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config holds all application configuration values for the add-on aggregator.
type Config struct {
	AddonURL        string          `json:"addonURL"`        // Public base URL of this add-on (used in generated links)
	ListenAddr      string          `json:"listenAddr"`      // Address the HTTP server binds to
	LogLevel        string          `json:"logLevel"`        // DEBUG, INFO, WARN or ERROR
	Debug           bool            `json:"debug"`           // Forces DEBUG logging
	ObfuscateUrls   bool            `json:"obfuscateUrls"`   // Obfuscate URLs in logs
	CacheTTL        time.Duration   `json:"cacheTTL"`        // Lifetime of aggregated raw results
	CacheMaxEntries int             `json:"cacheMaxEntries"` // Capacity of the in-memory result cache
	Redis           RedisConfig     `json:"redis"`           // Optional shared result cache
	DatabasePath    string          `json:"databasePath"`    // SQLite user store
	DebridService   string          `json:"debridService"`   // Default debrid provider for services
	DebridAPIKey    string          `json:"debridAPIKey"`    // Default debrid API key for services
	UpstreamTimeout time.Duration   `json:"upstreamTimeout"` // Per-service request budget
	WorkerThreads   int             `json:"workerThreads"`   // Background worker pool size
	Services        []ServiceConfig `json:"services"`        // Upstream add-ons, in dispatch order
	Proxy           ProxyConfig     `json:"proxy"`           // Streaming proxy tuning
	MediaFlow       MediaFlowConfig `json:"mediaflow"`       // External proxy URL generator
	EncryptionKey   string          `json:"encryptionKey"`   // base64 32-byte key for proxy tokens
	Prefetch        PrefetchConfig  `json:"prefetch"`        // Season prefetch
	RateLimit       RateLimitConfig `json:"rateLimit"`       // Per-user inbound limit
	Admin           AdminConfig     `json:"admin"`           // Admin API credentials
	CinemetaURL     string          `json:"cinemetaURL"`     // Metadata catalog base URL
}

// ServiceConfig describes one upstream Stremio add-on.
type ServiceConfig struct {
	Name          string        `json:"name"`          // Display name, also the service tag on records
	Kind          string        `json:"kind"`          // One of the Kind* constants
	BaseURL       string        `json:"baseURL"`       // Add-on root URL
	Options       string        `json:"options"`       // Pre-built options path segment, overrides the generated one
	DebridService string        `json:"debridService"` // Provider override for this add-on
	DebridAPIKey  string        `json:"debridAPIKey"`  // API key override for this add-on
	Username      string        `json:"username"`      // Easynews account
	Password      string        `json:"password"`      // Easynews account
	Timeout       time.Duration `json:"timeout"`       // Per-request timeout
	RateLimit     int           `json:"rateLimit"`     // Outbound requests per second, 0 disables
	ProxyURL      string        `json:"proxyURL"`      // Optional HTTP proxy for this add-on
	Enabled       bool          `json:"enabled"`       // Disabled services are never dispatched
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ProxyConfig tunes the streaming proxy.
type ProxyConfig struct {
	ChunkSize             int           `json:"chunkSize"`             // Bytes per upstream read
	BufferSize            int64         `json:"bufferSize"`            // Bytes buffered ahead of the client
	MaxRetries            int           `json:"maxRetries"`            // Resume attempts per upstream read failure
	RetryBackoff          time.Duration `json:"retryBackoff"`          // Initial delay between resume attempts
	UserAgent             string        `json:"userAgent"`             // User-Agent sent upstream
	ResponseHeaderTimeout time.Duration `json:"responseHeaderTimeout"` // Deadline for upstream response headers
}

type MediaFlowConfig struct {
	Enabled     bool   `json:"enabled"`
	InternalURL string `json:"internalURL"` // Used for the API call
	ExternalURL string `json:"externalURL"` // Handed to players
	APIKey      string `json:"apiKey"`
}

type PrefetchConfig struct {
	Enabled      bool          `json:"enabled"`
	EpisodeDelay time.Duration `json:"episodeDelay"`
}

type RateLimitConfig struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

type AdminConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "30s") are parsed into time.Duration values.
type ConfigFile struct {
	AddonURL        string              `json:"addonURL"`
	ListenAddr      string              `json:"listenAddr"`
	LogLevel        string              `json:"logLevel"`
	Debug           bool                `json:"debug"`
	ObfuscateUrls   bool                `json:"obfuscateUrls"`
	CacheTTL        string              `json:"cacheTTL"`
	CacheMaxEntries int                 `json:"cacheMaxEntries"`
	Redis           RedisConfig         `json:"redis"`
	DatabasePath    string              `json:"databasePath"`
	DebridService   string              `json:"debridService"`
	DebridAPIKey    string              `json:"debridAPIKey"`
	UpstreamTimeout string              `json:"upstreamTimeout"`
	WorkerThreads   int                 `json:"workerThreads"`
	Services        []ServiceConfigFile `json:"services"`
	Proxy           ProxyConfigFile     `json:"proxy"`
	MediaFlow       MediaFlowConfig     `json:"mediaflow"`
	EncryptionKey   string              `json:"encryptionKey"`
	Prefetch        PrefetchConfigFile  `json:"prefetch"`
	RateLimit       RateLimitConfigFile `json:"rateLimit"`
	Admin           AdminConfig         `json:"admin"`
	CinemetaURL     string              `json:"cinemetaURL"`
}

type ServiceConfigFile struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	BaseURL       string `json:"baseURL"`
	Options       string `json:"options"`
	DebridService string `json:"debridService"`
	DebridAPIKey  string `json:"debridAPIKey"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	Timeout       string `json:"timeout"`
	RateLimit     int    `json:"rateLimit"`
	ProxyURL      string `json:"proxyURL"`
	Enabled       *bool  `json:"enabled"` // absent means enabled
}

type ProxyConfigFile struct {
	ChunkSize             int    `json:"chunkSize"`
	BufferSize            int64  `json:"bufferSize"`
	MaxRetries            int    `json:"maxRetries"`
	RetryBackoff          string `json:"retryBackoff"`
	UserAgent             string `json:"userAgent"`
	ResponseHeaderTimeout string `json:"responseHeaderTimeout"`
}

type PrefetchConfigFile struct {
	Enabled      *bool  `json:"enabled"`
	EpisodeDelay string `json:"episodeDelay"`
}

type RateLimitConfigFile struct {
	Requests int    `json:"requests"`
	Window   string `json:"window"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Reads the file named by CONFIG_PATH (default `/settings/config.json`).
//   - Falls back to default config if the file is missing or invalid.
//   - Applies environment overrides, then validation.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "/settings/config.json"
	}

	config, err := LoadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
		applyEnvOverrides(config)
		validateAndSetDefaults(config)
	}

	configCache = config
	return config
}

// ClearConfigCache drops the cached configuration so the next LoadConfig re-reads it
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// LoadFromFile reads, overrides and validates the configuration at path.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	config, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(config)
	validateAndSetDefaults(config)
	return config, nil
}

// parseDuration treats an empty string as "unset"
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		AddonURL:        cf.AddonURL,
		ListenAddr:      cf.ListenAddr,
		LogLevel:        cf.LogLevel,
		Debug:           cf.Debug,
		ObfuscateUrls:   cf.ObfuscateUrls,
		CacheMaxEntries: cf.CacheMaxEntries,
		Redis:           cf.Redis,
		DatabasePath:    cf.DatabasePath,
		DebridService:   cf.DebridService,
		DebridAPIKey:    cf.DebridAPIKey,
		WorkerThreads:   cf.WorkerThreads,
		MediaFlow:       cf.MediaFlow,
		EncryptionKey:   cf.EncryptionKey,
		Admin:           cf.Admin,
		CinemetaURL:     cf.CinemetaURL,
		Proxy: ProxyConfig{
			ChunkSize:  cf.Proxy.ChunkSize,
			BufferSize: cf.Proxy.BufferSize,
			MaxRetries: cf.Proxy.MaxRetries,
			UserAgent:  cf.Proxy.UserAgent,
		},
		Prefetch:  PrefetchConfig{Enabled: cf.Prefetch.Enabled == nil || *cf.Prefetch.Enabled},
		RateLimit: RateLimitConfig{Requests: cf.RateLimit.Requests},
	}

	var err error
	if config.CacheTTL, err = parseDuration("cacheTTL", cf.CacheTTL); err != nil {
		return nil, err
	}
	if config.UpstreamTimeout, err = parseDuration("upstreamTimeout", cf.UpstreamTimeout); err != nil {
		return nil, err
	}
	if config.Proxy.RetryBackoff, err = parseDuration("proxy.retryBackoff", cf.Proxy.RetryBackoff); err != nil {
		return nil, err
	}
	if config.Proxy.ResponseHeaderTimeout, err = parseDuration("proxy.responseHeaderTimeout", cf.Proxy.ResponseHeaderTimeout); err != nil {
		return nil, err
	}
	if config.Prefetch.EpisodeDelay, err = parseDuration("prefetch.episodeDelay", cf.Prefetch.EpisodeDelay); err != nil {
		return nil, err
	}
	if config.RateLimit.Window, err = parseDuration("rateLimit.window", cf.RateLimit.Window); err != nil {
		return nil, err
	}

	config.Services = make([]ServiceConfig, len(cf.Services))
	for i, svcFile := range cf.Services {
		svc := &config.Services[i]
		svc.Name = svcFile.Name
		svc.Kind = strings.ToLower(svcFile.Kind)
		svc.BaseURL = svcFile.BaseURL
		svc.Options = svcFile.Options
		svc.DebridService = svcFile.DebridService
		svc.DebridAPIKey = svcFile.DebridAPIKey
		svc.Username = svcFile.Username
		svc.Password = svcFile.Password
		svc.RateLimit = svcFile.RateLimit
		svc.ProxyURL = svcFile.ProxyURL
		svc.Enabled = svcFile.Enabled == nil || *svcFile.Enabled

		if svc.Timeout, err = parseDuration("timeout for service "+svc.Name, svcFile.Timeout); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		AddonURL:        "http://localhost:8080",
		ListenAddr:      ":8080",
		LogLevel:        "INFO",
		CacheTTL:        60 * time.Second,
		CacheMaxEntries: 10000,
		DatabasePath:    "/settings/aio.db",
		UpstreamTimeout: 15 * time.Second,
		WorkerThreads:   8,
		Services:        DefaultServices(),
		Prefetch:        PrefetchConfig{Enabled: true, EpisodeDelay: 60 * time.Second},
		RateLimit:       RateLimitConfig{Requests: 30, Window: time.Minute},
		CinemetaURL:     "https://v3-cinemeta.strem.io",
	}
}

// DefaultServices lists the add-ons dispatched when the config names none.
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{
		{Name: WatchHubName, Kind: KindWatchHub, BaseURL: "https://watchhub.stkc.win", Enabled: true},
		{Name: "TorBox", Kind: KindTorBox, BaseURL: "https://stremio.torbox.app", Enabled: true},
		{Name: "Torrentio", Kind: KindTorrentio, BaseURL: "https://torrentio.strem.fun", Enabled: true},
		{Name: "Comet", Kind: KindComet, BaseURL: "https://comet.elfhosted.com", Enabled: true},
		{Name: "MediaFusion", Kind: KindMediaFusion, BaseURL: "https://mediafusion.elfhosted.com", Enabled: true},
		{Name: "Easynews", Kind: KindEasynews, BaseURL: "https://ea627ddf0ee7-easynews.baby-beamup.club", Enabled: true},
		{Name: "Debridio", Kind: KindDebridio, BaseURL: "https://debridio.adobotec.com", Enabled: true},
		{Name: "Peerflix", Kind: KindPeerflix, BaseURL: "https://peerflix-addon.onrender.com", Enabled: true},
	}
}

// applyEnvOverrides lets secrets live outside the config file
func applyEnvOverrides(config *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&config.LogLevel, "LOG_LEVEL")
	setString(&config.AddonURL, "ADDON_URL")
	setString(&config.DebridService, "DEBRID_SERVICE")
	setString(&config.DebridAPIKey, "DEBRID_API_KEY")
	setString(&config.EncryptionKey, "ENCRYPTION_KEY")
	setString(&config.MediaFlow.APIKey, "MEDIAFLOW_API_KEY")
	setString(&config.Redis.Addr, "REDIS_ADDR")
	setString(&config.Redis.Password, "REDIS_PASSWORD")
	setString(&config.Admin.Username, "ADMIN_USERNAME")
	setString(&config.Admin.Password, "ADMIN_PASSWORD")

	for i := range config.Services {
		svc := &config.Services[i]
		switch svc.Kind {
		case KindEasynews:
			setString(&svc.Username, "EASYNEWS_USERNAME")
			setString(&svc.Password, "EASYNEWS_PASSWORD")
		case KindMediaFusion:
			setString(&svc.Options, "MEDIAFUSION_OPTIONS")
		case KindTorrentio:
			setString(&svc.ProxyURL, "ADDON_PROXY")
		}
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.AddonURL == "" {
		config.AddonURL = "http://localhost:8080"
	}
	config.AddonURL = strings.TrimRight(config.AddonURL, "/")
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 60 * time.Second
	}
	if config.CacheMaxEntries <= 0 {
		config.CacheMaxEntries = 10000
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/settings/aio.db"
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = 15 * time.Second
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if len(config.Services) == 0 {
		config.Services = DefaultServices()
		applyEnvOverrides(config)
	}
	if config.CinemetaURL == "" {
		config.CinemetaURL = "https://v3-cinemeta.strem.io"
	}

	// proxy defaults: 4 MiB reads into a 256 MiB read-ahead buffer
	if config.Proxy.ChunkSize <= 0 {
		config.Proxy.ChunkSize = 4 << 20
	}
	if config.Proxy.BufferSize <= 0 {
		config.Proxy.BufferSize = 256 << 20
	}
	if config.Proxy.BufferSize < int64(config.Proxy.ChunkSize) {
		config.Proxy.BufferSize = int64(config.Proxy.ChunkSize)
	}
	if config.Proxy.MaxRetries <= 0 {
		config.Proxy.MaxRetries = 5
	}
	if config.Proxy.RetryBackoff <= 0 {
		config.Proxy.RetryBackoff = 500 * time.Millisecond
	}
	if config.Proxy.UserAgent == "" {
		config.Proxy.UserAgent = defaultUserAgent
	}
	if config.Proxy.ResponseHeaderTimeout <= 0 {
		config.Proxy.ResponseHeaderTimeout = 30 * time.Second
	}

	if config.Prefetch.EpisodeDelay <= 0 {
		config.Prefetch.EpisodeDelay = 60 * time.Second
	}
	if config.RateLimit.Requests <= 0 {
		config.RateLimit.Requests = 30
	}
	if config.RateLimit.Window <= 0 {
		config.RateLimit.Window = time.Minute
	}

	config.MediaFlow.InternalURL = strings.TrimRight(config.MediaFlow.InternalURL, "/")
	config.MediaFlow.ExternalURL = strings.TrimRight(config.MediaFlow.ExternalURL, "/")
	if config.MediaFlow.ExternalURL == "" {
		config.MediaFlow.ExternalURL = config.MediaFlow.InternalURL
	}

	for i := range config.Services {
		svc := &config.Services[i]
		if svc.Name == "" {
			svc.Name = fmt.Sprintf("Service_%d", i+1)
		}
		if svc.Kind == KindWatchHub && svc.Name != WatchHubName {
			log.Printf("Service %q is a watchhub service, serving it as %s", svc.Name, WatchHubName)
			svc.Name = WatchHubName
		}
		svc.BaseURL = strings.TrimRight(svc.BaseURL, "/")
		if svc.DebridService == "" {
			svc.DebridService = config.DebridService
		}
		if svc.DebridAPIKey == "" {
			svc.DebridAPIKey = config.DebridAPIKey
		}
		if svc.Timeout <= 0 {
			svc.Timeout = config.UpstreamTimeout
		}
	}
}

// GetServiceByName returns the service with the given display name, or nil.
func (c *Config) GetServiceByName(name string) *ServiceConfig {
	for i := range c.Services {
		if strings.EqualFold(c.Services[i].Name, name) {
			return &c.Services[i]
		}
	}
	return nil
}

// ServiceNames returns the display names of every enabled service in dispatch order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for _, svc := range c.Services {
		if svc.Enabled {
			names = append(names, svc.Name)
		}
	}
	return names
}
