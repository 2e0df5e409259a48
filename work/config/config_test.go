package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"aio-proxy/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, `{"addonURL":"https://aio.example/"}`))
	require.NoError(t, err)

	assert.Equal(t, "https://aio.example", cfg.AddonURL)
	assert.Equal(t, 60*time.Second, cfg.CacheTTL)
	assert.Equal(t, 4<<20, cfg.Proxy.ChunkSize)
	assert.Equal(t, int64(256<<20), cfg.Proxy.BufferSize)
	assert.Equal(t, 5, cfg.Proxy.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Prefetch.EpisodeDelay)
	assert.True(t, cfg.Prefetch.Enabled)
	assert.Equal(t, 30, cfg.RateLimit.Requests)
	assert.Len(t, cfg.Services, 8)
	assert.Equal(t, "WatchHub", cfg.Services[0].Name)
}

func TestLoadFromFileParsesServices(t *testing.T) {
	t.Setenv("DEBRID_API_KEY", "env-key")

	cfg, err := LoadFromFile(writeConfig(t, `{
		"cacheTTL": "2m",
		"debridService": "realdebrid",
		"services": [
			{"name": "Torrentio", "kind": "Torrentio", "baseURL": "https://torrentio.example/", "timeout": "5s"},
			{"name": "Comet", "kind": "comet", "baseURL": "https://comet.example", "enabled": false, "debridAPIKey": "own"}
		],
		"proxy": {"retryBackoff": "1s", "chunkSize": 1024, "bufferSize": 10}
	}`))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	require.Len(t, cfg.Services, 2)

	torrentio := cfg.GetServiceByName("torrentio")
	require.NotNil(t, torrentio)
	assert.Equal(t, KindTorrentio, torrentio.Kind)
	assert.Equal(t, "https://torrentio.example", torrentio.BaseURL)
	assert.Equal(t, 5*time.Second, torrentio.Timeout)
	assert.Equal(t, "env-key", torrentio.DebridAPIKey)
	assert.Equal(t, "realdebrid", torrentio.DebridService)
	assert.True(t, torrentio.Enabled)

	comet := cfg.GetServiceByName("Comet")
	require.NotNil(t, comet)
	assert.False(t, comet.Enabled)
	assert.Equal(t, "own", comet.DebridAPIKey)
	assert.Equal(t, 15*time.Second, comet.Timeout)

	assert.Equal(t, []string{"Torrentio"}, cfg.ServiceNames())
	assert.Equal(t, time.Second, cfg.Proxy.RetryBackoff)
	assert.Equal(t, int64(1024), cfg.Proxy.BufferSize, "buffer never smaller than one chunk")
}

func TestLoadFromFileRejectsBadDuration(t *testing.T) {
	_, err := LoadFromFile(writeConfig(t, `{"cacheTTL":"soon"}`))
	assert.ErrorContains(t, err, "cacheTTL")
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadConfigCachesAndClears(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, `{"listenAddr":":9000"}`))
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	first := LoadConfig()
	assert.Equal(t, ":9000", first.ListenAddr)
	assert.Same(t, first, LoadConfig())

	ClearConfigCache()
	assert.NotSame(t, first, LoadConfig())
}

func TestEnvOverridesServiceSecrets(t *testing.T) {
	t.Setenv("EASYNEWS_USERNAME", "u")
	t.Setenv("EASYNEWS_PASSWORD", "p")
	t.Setenv("MEDIAFUSION_OPTIONS", "opts")
	t.Setenv("ADDON_PROXY", "http://proxy:3128")

	cfg, err := LoadFromFile(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, "u", cfg.GetServiceByName("Easynews").Username)
	assert.Equal(t, "p", cfg.GetServiceByName("Easynews").Password)
	assert.Equal(t, "opts", cfg.GetServiceByName("MediaFusion").Options)
	assert.Equal(t, "http://proxy:3128", cfg.GetServiceByName("Torrentio").ProxyURL)
}

func TestWatchHubServiceKeepsCanonicalName(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, `{
		"services": [
			{"name": "Featured", "kind": "watchhub", "baseURL": "https://watchhub.example"},
			{"kind": "WatchHub", "baseURL": "https://watchhub2.example"}
		]
	}`))
	require.NoError(t, err)

	require.Len(t, cfg.Services, 2)
	for _, svc := range cfg.Services {
		assert.Equal(t, types.WatchHubService, svc.Name)
	}
	assert.Nil(t, cfg.GetServiceByName("Featured"))
	assert.Equal(t, WatchHubName, types.WatchHubService)
}
