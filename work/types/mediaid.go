package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidMediaID is returned for identifiers that are neither a movie nor an episode.
var ErrInvalidMediaID = errors.New("invalid media identifier")

// Media kinds as they appear in Stremio resource paths.
const (
	KindMovie  = "movie"
	KindSeries = "series"
)

// MediaID identifies a movie or a single series episode.
type MediaID struct {
	Kind    string
	ID      string // catalog id, e.g. tt0111161
	Season  int
	Episode int
}

// ParseMediaID accepts "movie/<id>", "series/<id>:<s>:<e>" and "<id>:<s>:<e>",
// each optionally suffixed with ".json".
func ParseMediaID(raw string) (MediaID, error) {
	s := strings.TrimSuffix(strings.TrimSpace(raw), ".json")
	if s == "" {
		return MediaID{}, fmt.Errorf("%w: empty", ErrInvalidMediaID)
	}

	if rest, ok := strings.CutPrefix(s, KindMovie+"/"); ok {
		if rest == "" || strings.ContainsAny(rest, "/:") {
			return MediaID{}, fmt.Errorf("%w: %q", ErrInvalidMediaID, raw)
		}
		return MediaID{Kind: KindMovie, ID: rest}, nil
	}

	s = strings.TrimPrefix(s, KindSeries+"/")
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || strings.Contains(parts[0], "/") {
		return MediaID{}, fmt.Errorf("%w: %q", ErrInvalidMediaID, raw)
	}

	season, err := strconv.Atoi(parts[1])
	if err != nil || season < 0 {
		return MediaID{}, fmt.Errorf("%w: bad season in %q", ErrInvalidMediaID, raw)
	}
	episode, err := strconv.Atoi(parts[2])
	if err != nil || episode < 0 {
		return MediaID{}, fmt.Errorf("%w: bad episode in %q", ErrInvalidMediaID, raw)
	}

	return MediaID{Kind: KindSeries, ID: parts[0], Season: season, Episode: episode}, nil
}

// EpisodeID builds the id of another episode of the same series.
func EpisodeID(seriesID string, season, episode int) MediaID {
	return MediaID{Kind: KindSeries, ID: seriesID, Season: season, Episode: episode}
}

// IsSeries reports whether the id names an episode.
func (m MediaID) IsSeries() bool {
	return m.Kind == KindSeries
}

// String returns the canonical "<kind>/<id>" form without the .json suffix.
func (m MediaID) String() string {
	if m.IsSeries() {
		return fmt.Sprintf("%s/%s:%d:%d", KindSeries, m.ID, m.Season, m.Episode)
	}
	return KindMovie + "/" + m.ID
}

// Path returns the resource path an add-on serves the id under.
func (m MediaID) Path() string {
	return m.String() + ".json"
}

// CacheKey is the result cache key for the raw aggregated records of this id.
func (m MediaID) CacheKey() string {
	return "raw_streams:" + m.String()
}

// SeasonKey identifies the whole season an episode belongs to.
func (m MediaID) SeasonKey() string {
	return fmt.Sprintf("%s:%d", m.ID, m.Season)
}
