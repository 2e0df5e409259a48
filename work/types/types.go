package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// ErrorRecordName marks a synthetic record standing in for a failed upstream service.
const ErrorRecordName = "Error"

// ErrorPlaceholderURL is attached to error records so players still render them as a stream row.
const ErrorPlaceholderURL = "https://example.com/"

// WatchHubService is the service whose records bypass formatting and lead every response.
const WatchHubService = "WatchHub"

// ByteSize is an integer size that upstream add-ons sometimes encode as a JSON string
// or float. Decoding accepts all three forms and never fails on an unparsable value.
type ByteSize int64

// UnmarshalJSON accepts numbers, numeric strings, and null.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*b = 0
		return nil
	}

	raw := strings.Trim(string(data), `"`)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*b = ByteSize(f)
		return nil
	}

	*b = 0
	return nil
}

// BehaviorHints carries the Stremio player hints an add-on attaches to a stream.
type BehaviorHints struct {
	Filename     string          `json:"filename,omitempty"`
	VideoSize    ByteSize        `json:"videoSize,omitempty"`
	BingeGroup   string          `json:"bingeGroup,omitempty"`
	NotWebReady  bool            `json:"notWebReady,omitempty"`
	ProxyHeaders json.RawMessage `json:"proxyHeaders,omitempty"`
}

// StreamRecord is one candidate stream as returned by an upstream add-on, tagged with
// the service that produced it and whether it is instantly playable (debrid cached).
//
// Records flow through the whole pipeline by value: the aggregator tags them, the
// formatter rewrites their presentation fields, and the resolver replaces their URL.
type StreamRecord struct {
	Name          string         `json:"name,omitempty"`          // display name, often carries the add-on's cache marker
	Title         string         `json:"title,omitempty"`         // multi-line display text (legacy Stremio field)
	Description   string         `json:"description,omitempty"`   // multi-line display text (current Stremio field)
	URL           string         `json:"url,omitempty"`           // playable HTTP resource
	InfoHash      string         `json:"infoHash,omitempty"`      // torrent hash for add-ons that do not resolve URLs
	FileIdx       *int           `json:"fileIdx,omitempty"`       // file index inside the torrent
	ExternalURL   string         `json:"externalUrl,omitempty"`   // link opened outside the player
	TorrentTitle  string         `json:"torrentTitle,omitempty"`  // raw release name some add-ons expose
	Size          ByteSize       `json:"size,omitempty"`          // explicit size in bytes
	TorrentSize   ByteSize       `json:"torrentSize,omitempty"`   // explicit torrent size in bytes
	Sources       []string       `json:"sources,omitempty"`       // tracker list
	BehaviorHints *BehaviorHints `json:"behaviorHints,omitempty"` // player hints
	Service       string         `json:"service,omitempty"`       // producing service, set by the aggregator
	IsCached      bool           `json:"is_cached"`               // instantly playable via a debrid cache
	Cached        *bool          `json:"cached,omitempty"`        // extra cached signal, ORed with is_cached by the ranker
}

// IsError reports whether the record is a synthetic failure record.
func (r *StreamRecord) IsError() bool {
	return r.Name == ErrorRecordName
}

// IsWatchHub reports whether the record was produced by the WatchHub service.
func (r *StreamRecord) IsWatchHub() bool {
	return r.Service == WatchHubService
}

// Filename returns the behaviorHints filename or an empty string.
func (r *StreamRecord) Filename() string {
	if r.BehaviorHints == nil {
		return ""
	}
	return r.BehaviorHints.Filename
}

// VideoSize returns the behaviorHints video size or zero.
func (r *StreamRecord) VideoSize() int64 {
	if r.BehaviorHints == nil {
		return 0
	}
	return int64(r.BehaviorHints.VideoSize)
}

// NewErrorRecord builds the record that replaces a failed service's results.
func NewErrorRecord(service string, err error) StreamRecord {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return StreamRecord{
		Name:    ErrorRecordName,
		Title:   service + ": " + msg,
		URL:     ErrorPlaceholderURL,
		Service: service,
	}
}

// UserPreferences are the per-user presentation and routing flags.
type UserPreferences struct {
	ProxyStreams    bool     `json:"proxy_streams"`
	EnabledServices []string `json:"enabled_services"`
	VidiMode        bool     `json:"vidi_mode"`
	SimpleFormat    bool     `json:"simple_format"`
	OnePerQuality   bool     `json:"one_per_quality"`
	CachedOnly      bool     `json:"cached_only"`
}

// User is an add-on account. PasswordToken is the URL-safe form of the stored
// bcrypt hash and is what appears in the user path.
type User struct {
	Username      string          `json:"username"`
	PasswordToken string          `json:"-"`
	Preferences   UserPreferences `json:"preferences"`
}

// Path returns the user path segment embedded in every add-on URL.
func (u *User) Path() string {
	return "user=" + u.Username + "|password=" + u.PasswordToken
}

// HasStreams reports whether records contains at least one real stream.
func HasStreams(records []StreamRecord) bool {
	for i := range records {
		if !records[i].IsError() {
			return true
		}
	}
	return false
}
