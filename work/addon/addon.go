// Package addon serves one stream request end to end: result cache, aggregation,
// URL resolution, formatting and service filtering.
package addon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"aio-proxy/work/filter"
	"aio-proxy/work/formatter"
	"aio-proxy/work/logger"
	"aio-proxy/work/types"

	"github.com/samber/lo"
)

// ErrNoStreams means no service returned anything for the requested media.
var ErrNoStreams = errors.New("no streams found")

// Fetcher aggregates the raw records for one media id.
type Fetcher interface {
	FetchAll(ctx context.Context, id types.MediaID) []types.StreamRecord
}

// ResultCache memoizes raw aggregation results.
type ResultCache interface {
	Get(ctx context.Context, key string, dst any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration)
}

// URLProcessor rewrites record URLs for one user.
type URLProcessor interface {
	Process(ctx context.Context, records []types.StreamRecord, userPath string, proxyEnabled bool) []types.StreamRecord
}

// SeasonPrefetcher warms the cache for the rest of a season.
type SeasonPrefetcher interface {
	Trigger(id types.MediaID) bool
}

// HistoryTracker records what a user asked for.
type HistoryTracker interface {
	Track(username string, id types.MediaID)
}

// Addon wires the request pipeline together. Prefetcher and History are optional.
type Addon struct {
	Fetcher    Fetcher
	Cache      ResultCache
	URLs       URLProcessor
	Prefetcher SeasonPrefetcher
	History    HistoryTracker
	CacheTTL   time.Duration
}

// Streams returns the display-ready records of rawID for user. Error records come
// first and bypass formatting and service filtering.
func (a *Addon) Streams(ctx context.Context, user *types.User, rawID string) ([]types.StreamRecord, error) {
	id, err := types.ParseMediaID(rawID)
	if err != nil {
		return nil, err
	}

	if a.History != nil {
		a.History.Track(user.Username, id)
	}

	raw, err := a.rawStreams(ctx, id)
	if err != nil {
		return nil, err
	}

	if a.Prefetcher != nil && id.IsSeries() {
		a.Prefetcher.Trigger(id)
	}

	prefs := user.Preferences
	errs, rest := filter.SplitErrors(raw)
	rest = a.URLs.Process(ctx, rest, user.Path(), prefs.ProxyStreams)
	rest = formatter.Process(rest, prefs)
	rest = filter.ByServices(rest, prefs.EnabledServices)

	out := make([]types.StreamRecord, 0, len(errs)+len(rest))
	out = append(out, errs...)
	out = append(out, rest...)

	logger.Debug("{addon/addon - Streams} %d records for %s (%s)", len(out), id, user.Username)
	return out, nil
}

// rawStreams returns the cached aggregation for id or fetches and caches it.
// Results made only of error records are returned but not cached.
func (a *Addon) rawStreams(ctx context.Context, id types.MediaID) ([]types.StreamRecord, error) {
	key := id.CacheKey()

	var raw []types.StreamRecord
	if a.Cache.Get(ctx, key, &raw) {
		logger.Info("{addon/addon - rawStreams} Cache hit for %s", id)
		return raw, nil
	}

	raw = a.Fetcher.FetchAll(ctx, id)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoStreams, id)
	}
	if types.HasStreams(raw) {
		a.Cache.Set(ctx, key, raw, a.CacheTTL)
	}

	logger.Info("{addon/addon - rawStreams} Cache miss for %s, fetched %d records", id, len(raw))
	return raw, nil
}

// Manifest is the Stremio add-on descriptor served per user.
type Manifest struct {
	ID            string             `json:"id"`
	Version       string             `json:"version"`
	Name          string             `json:"name"`
	Description   string             `json:"description"`
	Catalogs      []any              `json:"catalogs"`
	Resources     []ManifestResource `json:"resources"`
	Types         []string           `json:"types"`
	Background    string             `json:"background"`
	Logo          string             `json:"logo"`
	BehaviorHints map[string]bool    `json:"behaviorHints"`
}

type ManifestResource struct {
	Name       string   `json:"name"`
	Types      []string `json:"types"`
	IDPrefixes []string `json:"idPrefixes"`
}

// BuildManifest describes the add-on as user sees it. services is the full
// dispatch list; an empty allow-list enables all of them.
func BuildManifest(user *types.User, services []string, mediaFlow bool) Manifest {
	prefs := user.Preferences

	enabled, disabled := services, []string(nil)
	if len(prefs.EnabledServices) > 0 {
		allowed := lo.SliceToMap(prefs.EnabledServices, func(s string) (string, struct{}) {
			return strings.ToLower(s), struct{}{}
		})
		enabled, disabled = lo.FilterReject(services, func(s string, _ int) bool {
			_, ok := allowed[strings.ToLower(s)]
			return ok
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Logged in as %s\n\nOptions:\n", user.Username)
	if prefs.ProxyStreams {
		b.WriteString("🔐 Proxy Enabled")
	} else {
		b.WriteString("🔓 Proxy Disabled")
	}
	if mediaFlow {
		b.WriteString(" (MediaFlow)\n")
	} else {
		b.WriteString(" (Internal)\n")
	}
	b.WriteString(onOff(prefs.SimpleFormat, "📝 Simple Formatting On", "📝 Simple Formatting Off"))
	b.WriteString(onOff(prefs.OnePerQuality, "🎯 One Per Quality", "🎯 All Qualities"))
	b.WriteString(onOff(prefs.CachedOnly, "💾 Cached Content Only", "💾 All Content Available"))
	fmt.Fprintf(&b, "\nEnabled Addons:\n%s\n\nDisabled Addons:\n%s", joinOrNone(enabled), joinOrNone(disabled))

	return Manifest{
		ID:          "aio.proxy." + strings.Map(alnum, user.Username),
		Version:     "1.0.0",
		Name:        "AIO",
		Description: b.String(),
		Catalogs:    []any{},
		Resources: []ManifestResource{{
			Name:       "stream",
			Types:      []string{"movie", "series"},
			IDPrefixes: []string{"tt", "kitsu"},
		}},
		Types:         []string{"movie", "series", "anime", "other"},
		BehaviorHints: map[string]bool{"configurable": true, "configurationRequired": false},
	}
}

func onOff(on bool, yes, no string) string {
	if on {
		return yes + "\n"
	}
	return no + "\n"
}

func joinOrNone(s []string) string {
	if len(s) == 0 {
		return "None"
	}
	return strings.Join(s, ", ")
}

func alnum(r rune) rune {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return r
	}
	return -1
}
