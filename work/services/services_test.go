package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aio-proxy/work/client"
	"aio-proxy/work/config"
	"aio-proxy/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *client.HeaderSettingClient {
	t.Helper()
	hc, err := client.NewHeaderSettingClient(client.Options{UserAgent: "test"})
	require.NoError(t, err)
	return hc
}

func movie() types.MediaID { return types.MediaID{Kind: types.KindMovie, ID: "tt0111161"} }

func TestAddonServiceTagsAndClassifies(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"streams":[
			{"name":"[RD+] Torrentio\n1080p","title":"a","url":"https://x/1"},
			{"name":"[RD download] Torrentio\n720p","title":"b","url":"https://x/2"},
			{"name":"Torrentio\n4k","infoHash":"abc"}
		]}`))
	}))
	defer srv.Close()

	svc := NewAddonService("Torrentio", srv.URL+"/", "opts", newClient(t), WithCacheDetector(BracketMarker("+")))
	recs, err := svc.GetStreams(context.Background(), types.EpisodeID("tt0944947", 1, 2))
	require.NoError(t, err)

	assert.Equal(t, "/opts/stream/series/tt0944947:1:2.json", gotPath)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, "Torrentio", r.Service)
	}
	assert.True(t, recs[0].IsCached)
	assert.False(t, recs[1].IsCached)
	assert.True(t, recs[2].IsCached, "no bracket prefix counts as cached")
}

func TestAddonServiceUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := NewAddonService("Comet", srv.URL, "", newClient(t))
	_, err := svc.GetStreams(context.Background(), movie())

	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, http.StatusBadGateway, upstreamErr.StatusCode)
	assert.Equal(t, "upstream returned 502", err.Error())
}

func TestAddonServiceTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	svc := NewAddonService("Slow", srv.URL, "", newClient(t), WithTimeout(50*time.Millisecond))
	_, err := svc.GetStreams(context.Background(), movie())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWatchHubSwallowsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc, err := Build(config.ServiceConfig{Name: "WatchHub", Kind: config.KindWatchHub, BaseURL: srv.URL}, newClient(t), "ua")
	require.NoError(t, err)

	recs, err := svc.GetStreams(context.Background(), movie())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, srv.URL+"/stream/movie/tt0111161.json", svc.(*AddonService).StreamURL(movie()))
}

func TestCacheDetectors(t *testing.T) {
	comet := BracketMarker("⚡")
	assert.True(t, comet(&types.StreamRecord{Name: "[RD⚡] Comet"}))
	assert.False(t, comet(&types.StreamRecord{Name: "[RD⬇️] Comet"}))
	assert.True(t, comet(&types.StreamRecord{Name: "Comet 1080p"}))
	assert.False(t, comet(&types.StreamRecord{Name: "[unterminated"}))

	mf := NameMarker("⚡")
	assert.True(t, mf(&types.StreamRecord{Name: "MediaFusion ⚡ RD"}))
	assert.False(t, mf(&types.StreamRecord{Name: "MediaFusion P2P"}))
	assert.True(t, mf(&types.StreamRecord{Name: "MediaFusion", IsCached: true}))

	assert.True(t, Always(&types.StreamRecord{}))
	assert.False(t, Declared(&types.StreamRecord{}))
}

func TestBuildOptions(t *testing.T) {
	hc := newClient(t)
	base := config.ServiceConfig{BaseURL: "https://addon.example", DebridService: "realdebrid", DebridAPIKey: "KEY"}

	build := func(kind string) *AddonService {
		cfg := base
		cfg.Name, cfg.Kind = kind, kind
		svc, err := Build(cfg, hc, "ua")
		require.NoError(t, err)
		return svc.(*AddonService)
	}

	assert.Equal(t, "debridoptions=nocatalog|realdebrid=KEY", build(config.KindTorrentio).options)
	assert.Equal(t, "language=en,es|debridoptions=nocatalog,nodownloadlinks|realdebrid=KEY|sort=quality-desc", build(config.KindPeerflix).options)
	assert.Equal(t, "KEY", build(config.KindTorBox).options)

	raw, err := base64.StdEncoding.DecodeString(build(config.KindComet).options)
	require.NoError(t, err)
	var comet map[string]any
	require.NoError(t, json.Unmarshal(raw, &comet))
	assert.Equal(t, "realdebrid", comet["debridService"])
	assert.Equal(t, "KEY", comet["debridApiKey"])

	raw, err = base64.StdEncoding.DecodeString(build(config.KindDebridio).options)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"provider":"realdebrid"`)
}

func TestBuildRequiresCredentials(t *testing.T) {
	hc := newClient(t)
	for _, kind := range []string{config.KindTorBox, config.KindMediaFusion, config.KindEasynews} {
		_, err := Build(config.ServiceConfig{Name: kind, Kind: kind}, hc, "ua")
		assert.ErrorIs(t, err, ErrMissingCredentials, kind)
	}

	svc, err := Build(config.ServiceConfig{Name: "Easynews", Kind: config.KindEasynews, Username: "u", Password: "p"}, hc, "ua")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(svc.(*AddonService).options, "%7B"))

	_, err = Build(config.ServiceConfig{Name: "x", Kind: "bogus"}, hc, "ua")
	assert.Error(t, err)
}

func TestBuildAllSkipsDisabledAndBroken(t *testing.T) {
	cfg := &config.Config{Services: []config.ServiceConfig{
		{Name: "WatchHub", Kind: config.KindWatchHub, Enabled: true},
		{Name: "TorBox", Kind: config.KindTorBox, Enabled: true},
		{Name: "Peerflix", Kind: config.KindPeerflix, Enabled: false},
		{Name: "Torrentio", Kind: config.KindTorrentio, Enabled: true},
	}}

	svcs := BuildAll(cfg, newClient(t))

	require.Len(t, svcs, 2)
	assert.Equal(t, "WatchHub", svcs[0].Name())
	assert.Equal(t, "Torrentio", svcs[1].Name())
}
