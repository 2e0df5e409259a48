// Package handlers exposes the Stremio add-on endpoints of one user path:
// manifest, stream list, proxied media, history and settings.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"aio-proxy/work/addon"
	"aio-proxy/work/database"
	"aio-proxy/work/history"
	"aio-proxy/work/logger"
	"aio-proxy/work/middleware"
	"aio-proxy/work/types"
	"aio-proxy/work/urlproc"

	"github.com/gorilla/mux"
	"github.com/samber/lo"
)

// UserStore authenticates user paths and persists preferences.
type UserStore interface {
	Authenticate(ctx context.Context, userPath string) (*types.User, error)
	Login(ctx context.Context, username, password string) (*types.User, error)
	UpdatePreferences(ctx context.Context, username string, prefs types.UserPreferences) error
}

// StreamSource produces the display-ready stream list.
type StreamSource interface {
	Streams(ctx context.Context, user *types.User, rawID string) ([]types.StreamRecord, error)
}

// HistoryLister returns a user's request history.
type HistoryLister interface {
	List(ctx context.Context, username string) []history.Entry
}

// TokenDecrypter turns a proxy token back into the remote URL.
type TokenDecrypter interface {
	Decrypt(token string) (string, error)
}

// MediaProxy relays a remote resource to the client.
type MediaProxy interface {
	Serve(w http.ResponseWriter, r *http.Request, remoteURL string)
}

// Handlers holds the collaborators of the user-facing endpoints.
type Handlers struct {
	Users     UserStore
	Addon     StreamSource
	History   HistoryLister
	Tokens    TokenDecrypter
	Proxy     MediaProxy
	Services  []string // dispatch order, for the manifest and settings validation
	MediaFlow bool
	AddonURL  string

	// Checks are run by /health; any failure turns it into a 503.
	Checks map[string]func(ctx context.Context) error
}

// Register mounts the public routes on r. limit guards the stream, proxy and
// history routes; it may be nil.
func (h *Handlers) Register(r *mux.Router, limit mux.MiddlewareFunc) {
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/configure/generate", middleware.CORS(http.HandlerFunc(h.generate))).Methods(http.MethodPost, http.MethodOptions)

	user := r.PathPrefix("/{" + middleware.UserPathVar + "}").Subrouter()
	user.Use(middleware.CORS)

	limited := user.NewRoute().Subrouter()
	if limit != nil {
		limited.Use(limit)
	}

	user.Handle("/manifest.json", middleware.Gzip(http.HandlerFunc(h.manifest))).Methods(http.MethodGet, http.MethodOptions)
	user.Handle("/settings", middleware.Gzip(http.HandlerFunc(h.getSettings))).Methods(http.MethodGet, http.MethodOptions)
	user.HandleFunc("/settings", h.updateSettings).Methods(http.MethodPost)
	limited.Handle("/stream/{type}/{id}", middleware.Gzip(http.HandlerFunc(h.streams))).Methods(http.MethodGet, http.MethodOptions)
	limited.Handle("/history", middleware.Gzip(http.HandlerFunc(h.history))).Methods(http.MethodGet, http.MethodOptions)
	limited.HandleFunc("/proxy/{token}", h.proxy).Methods(http.MethodGet, http.MethodOptions)
	user.HandleFunc("", h.redirectToManifest).Methods(http.MethodGet)
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		logger.Warn("{handlers/handlers - health} unhealthy: %v", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate resolves the route's user path or writes the error response
func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) (*types.User, bool) {
	user, err := h.Users.Authenticate(r.Context(), mux.Vars(r)[middleware.UserPathVar])
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return user, true
}

func (h *Handlers) manifest(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	logger.Info("{handlers/handlers - manifest} Manifest request from user: %s", user.Username)
	writeJSON(w, http.StatusOK, addon.BuildManifest(user, h.Services, h.MediaFlow))
}

func (h *Handlers) streams(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	records, err := h.Addon.Streams(r.Context(), user, vars["type"]+"/"+vars["id"])
	if err != nil {
		logger.Warn("{handlers/handlers - streams} %s/%s for %s: %v", vars["type"], vars["id"], user.Username, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]types.StreamRecord{"streams": records})
}

func (h *Handlers) proxy(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	remote, err := h.Tokens.Decrypt(mux.Vars(r)["token"])
	if err != nil {
		logger.Warn("{handlers/handlers - proxy} Bad token from %s: %v", user.Username, err)
		writeError(w, err)
		return
	}

	logger.Info("{handlers/handlers - proxy} Proxy stream starting for user: %s", user.Username)
	h.Proxy.Serve(w, r, remote)
}

func (h *Handlers) history(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": h.History.List(r.Context(), user.Username)})
}

func (h *Handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"preferences":        user.Preferences,
		"available_services": h.Services,
	})
}

// updateSettings applies a partial preferences document; absent fields keep
// their current value.
func (h *Handlers) updateSettings(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	prefs := user.Preferences
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&prefs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Invalid JSON"})
		return
	}
	if unknown := lo.Without(prefs.EnabledServices, h.Services...); len(unknown) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Unknown services", "services": unknown})
		return
	}

	if err := h.Users.UpdatePreferences(r.Context(), user.Username, prefs); err != nil {
		writeError(w, err)
		return
	}
	logger.Info("{handlers/handlers - updateSettings} Preferences updated for %s", user.Username)
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "preferences": prefs})
}

// generate exchanges a username and password for the user's manifest URL.
func (h *Handlers) generate(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&creds); err != nil ||
		creds.Username == "" || creds.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Username and password are required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	user, err := h.Users.Login(ctx, creds.Username, creds.Password)
	if err != nil {
		logger.Warn("{handlers/handlers - generate} Login failed for %s: %v", creds.Username, err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"url":    h.AddonURL + "/" + user.Path() + "/manifest.json",
	})
}

func (h *Handlers) redirectToManifest(w http.ResponseWriter, r *http.Request) {
	userPath := mux.Vars(r)[middleware.UserPathVar]
	if _, _, err := database.ParseUserPath(userPath); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"detail": "Invalid request - " + h.AddonURL + "/user=username|password=password/manifest.json",
		})
		return
	}
	http.Redirect(w, r, "/"+url.PathEscape(userPath)+"/manifest.json", http.StatusFound)
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidMediaID),
		errors.Is(err, database.ErrInvalidCredentialsFormat),
		errors.Is(err, urlproc.ErrInvalidToken):
		status = http.StatusBadRequest
	case errors.Is(err, database.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, addon.ErrNoStreams), errors.Is(err, database.ErrUserNotFound):
		status = http.StatusNotFound
	}

	detail := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("{handlers/handlers - writeError} %v", err)
		detail = "Internal server error"
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers/handlers - writeJSON} encode failed: %v", err)
	}
}
