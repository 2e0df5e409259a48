package history

import (
	"context"
	"sync"
	"time"

	"aio-proxy/work/cache"
	"aio-proxy/work/logger"
	"aio-proxy/work/types"

	"github.com/panjf2000/ants/v2"
)

const (
	// MaxEntries is how many requests are kept per user.
	MaxEntries = 100

	// Retention is how long a user's history survives without new requests.
	Retention = 30 * 24 * time.Hour
)

// Entry is one media request.
type Entry struct {
	Type      string    `json:"type"`
	ImdbID    string    `json:"imdb_id"`
	Season    int       `json:"season,omitempty"`
	Episode   int       `json:"episode,omitempty"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

// TitleResolver names a media id for display.
type TitleResolver interface {
	Title(ctx context.Context, id types.MediaID) string
}

// Tracker keeps a per-user list of requested media, newest first.
type Tracker struct {
	cache  cache.Cache
	titles TitleResolver
	pool   *ants.Pool
	now    func() time.Time

	mu sync.Mutex // serializes read-modify-write of one process
}

// NewTracker creates a tracker. titles may be nil; pool may be nil to record synchronously.
func NewTracker(c cache.Cache, titles TitleResolver, pool *ants.Pool) *Tracker {
	return &Tracker{cache: c, titles: titles, pool: pool, now: time.Now}
}

func key(username string) string {
	return "media_history:" + username
}

// Track records a request in the background. It never blocks the caller on the
// catalog lookup and drops the entry if the worker pool is saturated.
func (t *Tracker) Track(username string, id types.MediaID) {
	if t.pool == nil {
		t.Record(context.Background(), username, id)
		return
	}
	if err := t.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		t.Record(ctx, username, id)
	}); err != nil {
		logger.Debug("{history/history - Track} Dropping history entry for %s: %v", username, err)
	}
}

// Record looks up the title and prepends the entry to the user's history.
func (t *Tracker) Record(ctx context.Context, username string, id types.MediaID) {
	entry := Entry{
		Type:      id.Kind,
		ImdbID:    id.ID,
		Title:     "Unknown Title",
		Timestamp: t.now().UTC(),
	}
	if id.IsSeries() {
		entry.Season, entry.Episode = id.Season, id.Episode
	}
	if t.titles != nil {
		entry.Title = t.titles.Title(ctx, id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.List(ctx, username)
	entries = append([]Entry{entry}, entries...)
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}
	t.cache.Set(ctx, key(username), entries, Retention)

	logger.Debug("{history/history - Record} Stored history entry for %s: %s", username, entry.Title)
}

// List returns the user's history, newest first. A missing history is empty.
func (t *Tracker) List(ctx context.Context, username string) []Entry {
	var entries []Entry
	if !t.cache.Get(ctx, key(username), &entries) {
		return []Entry{}
	}
	return entries
}
