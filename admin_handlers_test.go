package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aio-proxy/work/cache"
	"aio-proxy/work/database"
	"aio-proxy/work/history"
	"aio-proxy/work/prefetch"
	"aio-proxy/work/types"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdminRouter(t *testing.T) (*mux.Router, *adminAPI) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := cache.NewMemoryCache(100, time.Minute)
	require.NoError(t, err)

	a, err := newAdminAPI("admin", "hunter2")
	require.NoError(t, err)
	a.db = db
	a.history = history.NewTracker(c, nil, nil)
	a.registry = prefetch.NewRegistry()
	a.services = []string{"Torrentio", "Comet"}
	a.cacheBackend = "memory"

	r := mux.NewRouter()
	setupAdminRoutes(r, a)
	return r, a
}

func adminDo(r http.Handler, method, path, body string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth {
		req.SetBasicAuth("admin", "hunter2")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAdminRequiresBasicAuth(t *testing.T) {
	r, _ := newAdminRouter(t)

	rec := adminDo(r, http.MethodGet, "/admin/users", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminDisabledWithoutPassword(t *testing.T) {
	a, err := newAdminAPI("admin", "")
	require.NoError(t, err)
	r := mux.NewRouter()
	setupAdminRoutes(r, a)

	assert.Equal(t, http.StatusServiceUnavailable, adminDo(r, http.MethodGet, "/admin/services", "", true).Code)
}

func TestAdminUserLifecycle(t *testing.T) {
	r, a := newAdminRouter(t)

	rec := adminDo(r, http.MethodPost, "/admin/users", `{"username":"alice","password":"pw","cached_only":true}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"path":"user=alice|password=`)

	assert.Equal(t, http.StatusConflict, adminDo(r, http.MethodPost, "/admin/users", `{"username":"alice","password":"pw"}`, true).Code)
	assert.Equal(t, http.StatusBadRequest, adminDo(r, http.MethodPost, "/admin/users", `{"username":"bob","password":"pw","enabled_services":["Nope"]}`, true).Code)

	a.history.Record(context.Background(), "alice", types.MediaID{Kind: types.KindMovie, ID: "tt1"})

	rec = adminDo(r, http.MethodGet, "/admin/users", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var users []UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 1)
	assert.True(t, users[0].Preferences.ProxyStreams, "proxying defaults to on")
	assert.True(t, users[0].Preferences.CachedOnly)
	assert.Equal(t, 1, users[0].HistoryCount)
	assert.NotNil(t, users[0].LastActive)

	rec = adminDo(r, http.MethodPost, "/admin/users/alice/toggle/proxy", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success","proxy":false}`, rec.Body.String())
	assert.Equal(t, http.StatusBadRequest, adminDo(r, http.MethodPost, "/admin/users/alice/toggle/bogus", "", true).Code)

	rec = adminDo(r, http.MethodPost, "/admin/users/alice/services", `{"services":["Comet","Comet"]}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = adminDo(r, http.MethodGet, "/admin/users/alice/services", "", true)
	assert.JSONEq(t, `{"enabled_services":["Comet"],"available_services":["Torrentio","Comet"]}`, rec.Body.String())
	assert.Equal(t, http.StatusBadRequest, adminDo(r, http.MethodPost, "/admin/users/alice/services", `{"services":["X"]}`, true).Code)

	rec = adminDo(r, http.MethodGet, "/admin/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Users)
	assert.Equal(t, 2, stats.Services)

	assert.Equal(t, http.StatusOK, adminDo(r, http.MethodDelete, "/admin/users/alice", "", true).Code)
	assert.Equal(t, http.StatusNotFound, adminDo(r, http.MethodDelete, "/admin/users/alice", "", true).Code)

	rec = adminDo(r, http.MethodGet, "/admin/logs", "", true)
	assert.Contains(t, rec.Body.String(), "User deleted: alice")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "5m", formatDuration(5*time.Minute))
	assert.Equal(t, "2h 30m", formatDuration(150*time.Minute))
	assert.Equal(t, "1d 3h", formatDuration(27*time.Hour))
}
