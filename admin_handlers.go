package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"aio-proxy/work/cache"
	"aio-proxy/work/database"
	"aio-proxy/work/history"
	"aio-proxy/work/logger"
	"aio-proxy/work/middleware"
	"aio-proxy/work/prefetch"
	"aio-proxy/work/types"
	"aio-proxy/work/utils"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
)

// StatsResponse is the admin overview of the running add-on.
type StatsResponse struct {
	Users           int          `json:"users"`
	Services        int          `json:"services"`
	Uptime          string       `json:"uptime"`
	MemoryUsage     string       `json:"memoryUsage"`
	DatabaseSize    string       `json:"databaseSize"`
	CacheBackend    string       `json:"cacheBackend"`
	CacheStats      *cache.Stats `json:"cacheStats,omitempty"`
	WorkerThreads   int          `json:"workerThreads"`
	WorkersRunning  int          `json:"workersRunning"`
	PrefetchSeasons []string     `json:"prefetchSeasons"`
}

// UserResponse is one user row of the admin user list.
type UserResponse struct {
	Username     string                `json:"username"`
	Preferences  types.UserPreferences `json:"preferences"`
	HistoryCount int                   `json:"historyCount"`
	LastActive   *time.Time            `json:"lastActive,omitempty"`
}

// LogEntry is one admin event shown by the admin API.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

var (
	adminStartTime = time.Now()

	// logEntries keeps the last 1000 admin events
	logMu      sync.Mutex
	logEntries = make([]LogEntry, 0, 1000)
)

// adminAPI serves user management behind HTTP basic auth.
type adminAPI struct {
	db           *database.DB
	history      *history.Tracker
	registry     *prefetch.Registry
	pool         *ants.Pool
	services     []string
	cacheBackend string
	redis        *cache.RedisCache
	workers      int

	username     string
	passwordHash []byte
}

// newAdminAPI hashes the configured admin password once so every request is a
// bcrypt comparison. An empty password disables the API.
func newAdminAPI(username, password string) (*adminAPI, error) {
	a := &adminAPI{username: username}
	if password == "" {
		return a, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash admin password: %w", err)
	}
	a.passwordHash = hash
	return a, nil
}

// setupAdminRoutes mounts the admin JSON API under /admin.
func setupAdminRoutes(router *mux.Router, a *adminAPI) {
	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.CORS, a.basicAuth)

	admin.Handle("/users", middleware.Gzip(http.HandlerFunc(a.handleListUsers))).Methods(http.MethodGet, http.MethodOptions)
	admin.HandleFunc("/users", a.handleAddUser).Methods(http.MethodPost)
	admin.HandleFunc("/users/{username}", a.handleDeleteUser).Methods(http.MethodDelete, http.MethodOptions)
	admin.HandleFunc("/users/{username}/toggle/{preference}", a.handleToggle).Methods(http.MethodPost, http.MethodOptions)
	admin.HandleFunc("/users/{username}/services", a.handleGetUserServices).Methods(http.MethodGet, http.MethodOptions)
	admin.HandleFunc("/users/{username}/services", a.handleUpdateServices).Methods(http.MethodPost)
	admin.HandleFunc("/services", a.handleAvailableServices).Methods(http.MethodGet, http.MethodOptions)
	admin.Handle("/stats", middleware.Gzip(http.HandlerFunc(a.handleGetStats))).Methods(http.MethodGet, http.MethodOptions)
	admin.Handle("/logs", middleware.Gzip(http.HandlerFunc(handleGetLogs))).Methods(http.MethodGet, http.MethodOptions)
	admin.HandleFunc("/logs", handleClearLogs).Methods(http.MethodDelete)

	addLogEntry("info", "Admin interface initialized")
}

func (a *adminAPI) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.passwordHash == nil {
			writeAdminJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "Admin API disabled"})
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) != 1 ||
			bcrypt.CompareHashAndPassword(a.passwordHash, []byte(pass)) != nil {
			addLogEntry("warn", fmt.Sprintf("Rejected admin request: %s %s", r.Method, r.URL.Path))
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			writeAdminJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid credentials"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *adminAPI) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.db.ListUsers(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}

	resp := make([]UserResponse, 0, len(users))
	for _, u := range users {
		row := UserResponse{Username: u.Username, Preferences: u.Preferences}
		if entries := a.history.List(r.Context(), u.Username); len(entries) > 0 {
			row.HistoryCount = len(entries)
			row.LastActive = &entries[0].Timestamp
		}
		resp = append(resp, row)
	}
	writeAdminJSON(w, http.StatusOK, resp)
}

func (a *adminAPI) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		types.UserPreferences
	}
	req.ProxyStreams = true
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeAdminJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid JSON"})
		return
	}
	if unknown := lo.Without(req.EnabledServices, a.services...); len(unknown) > 0 {
		writeAdminJSON(w, http.StatusBadRequest, map[string]any{"detail": "Unknown services", "services": unknown})
		return
	}

	user, err := a.db.CreateUser(r.Context(), req.Username, req.Password, req.UserPreferences)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	addLogEntry("info", "User added: "+user.Username)
	writeAdminJSON(w, http.StatusCreated, map[string]string{
		"status":   "success",
		"username": user.Username,
		"path":     user.Path(),
	})
}

func (a *adminAPI) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if err := a.db.DeleteUser(r.Context(), username); err != nil {
		writeAdminError(w, err)
		return
	}
	addLogEntry("info", "User deleted: "+username)
	writeAdminJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (a *adminAPI) handleToggle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	value, err := a.db.TogglePreference(r.Context(), vars["username"], vars["preference"])
	if err != nil {
		writeAdminError(w, err)
		return
	}
	addLogEntry("info", fmt.Sprintf("%s for %s set to %v", vars["preference"], vars["username"], value))
	writeAdminJSON(w, http.StatusOK, map[string]any{"status": "success", vars["preference"]: value})
}

func (a *adminAPI) handleAvailableServices(w http.ResponseWriter, r *http.Request) {
	writeAdminJSON(w, http.StatusOK, map[string][]string{"services": a.services})
}

func (a *adminAPI) handleGetUserServices(w http.ResponseWriter, r *http.Request) {
	user, err := a.db.GetUser(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string][]string{
		"enabled_services":   user.Preferences.EnabledServices,
		"available_services": a.services,
	})
}

func (a *adminAPI) handleUpdateServices(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	var req struct {
		Services []string `json:"services"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeAdminJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid JSON"})
		return
	}
	if unknown := lo.Without(req.Services, a.services...); len(unknown) > 0 {
		writeAdminJSON(w, http.StatusBadRequest, map[string]any{"detail": "Unknown services", "services": unknown})
		return
	}

	services := lo.Uniq(req.Services)
	if err := a.db.SetEnabledServices(r.Context(), username, services); err != nil {
		writeAdminError(w, err)
		return
	}
	addLogEntry("info", fmt.Sprintf("Services for %s updated: %v", username, services))
	writeAdminJSON(w, http.StatusOK, map[string]any{"status": "success", "enabled_services": services})
}

func (a *adminAPI) handleGetStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbStats, err := a.db.Stats(ctx)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := StatsResponse{
		Users:           dbStats["users_count"].(int),
		Services:        len(a.services),
		Uptime:          formatDuration(time.Since(adminStartTime)),
		MemoryUsage:     utils.FormatBytes(int64(m.Alloc)),
		DatabaseSize:    utils.FormatBytes(int64(dbStats["database_size_bytes"].(int))),
		CacheBackend:    a.cacheBackend,
		WorkerThreads:   a.workers,
		PrefetchSeasons: a.registry.Active(),
	}
	if a.pool != nil {
		stats.WorkersRunning = a.pool.Running()
	}
	if a.redis != nil {
		cs := a.redis.Stats()
		stats.CacheStats = &cs
	}
	writeAdminJSON(w, http.StatusOK, stats)
}

// handleGetLogs returns the admin event buffer
func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	entries := append([]LogEntry(nil), logEntries...)
	logMu.Unlock()
	writeAdminJSON(w, http.StatusOK, entries)
}

// handleClearLogs clears the admin event buffer and records the clearing
func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logMu.Lock()
	logEntries = logEntries[:0]
	logMu.Unlock()
	addLogEntry("info", "Log entries cleared via admin interface")
	writeAdminJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// addLogEntry appends an admin event and mirrors it to the process log
func addLogEntry(level, message string) {
	entry := LogEntry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     level,
		Message:   message,
	}

	logMu.Lock()
	logEntries = append(logEntries, entry)
	if len(logEntries) > 1000 {
		logEntries = logEntries[len(logEntries)-1000:]
	}
	logMu.Unlock()

	switch level {
	case "error":
		logger.Error("{admin} %s", message)
	case "warn":
		logger.Warn("{admin} %s", message)
	default:
		logger.Info("{admin} %s", message)
	}
}

// formatDuration converts time.Duration to human-readable format
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

func writeAdminError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, database.ErrInvalidCredentialsFormat), errors.Is(err, database.ErrUnknownPreference):
		status = http.StatusBadRequest
	case errors.Is(err, database.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, database.ErrUserExists):
		status = http.StatusConflict
	}

	detail := err.Error()
	if status == http.StatusInternalServerError {
		addLogEntry("error", detail)
		detail = "Internal server error"
	}
	writeAdminJSON(w, status, map[string]string{"detail": detail})
}

func writeAdminJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{admin} encode failed: %v", err)
	}
}
