// Package formatter turns raw aggregated records into what a player shows,
// according to a user's presentation preferences.
package formatter

import (
	"strings"

	"aio-proxy/work/filter"
	"aio-proxy/work/parser"
	"aio-proxy/work/streamorder"
	"aio-proxy/work/types"
	"aio-proxy/work/utils"
)

// Process applies the presentation pipeline to non-error records.
//
// WatchHub records are set aside untouched and returned first. The rest go through,
// in order: the cached-only filter, one-per-quality selection, simple formatting
// and the vidi prefix. Service filtering is not done here.
func Process(records []types.StreamRecord, prefs types.UserPreferences) []types.StreamRecord {
	watchHub, rest := filter.SplitWatchHub(records)

	if prefs.CachedOnly {
		rest = filter.CachedOnly(rest)
	}
	if prefs.OnePerQuality {
		rest = streamorder.OnePerQuality(rest)
	}
	if prefs.SimpleFormat {
		rest = SimpleFormat(rest)
	}
	if prefs.VidiMode {
		rest = VidiFormat(rest)
	}

	out := make([]types.StreamRecord, 0, len(watchHub)+len(rest))
	out = append(out, watchHub...)
	return append(out, rest...)
}

// SimpleFormat replaces each record's name with its service and its text with the
// parsed summary. The summary goes into title when the record has one, otherwise
// into description.
func SimpleFormat(records []types.StreamRecord) []types.StreamRecord {
	out := make([]types.StreamRecord, len(records))
	for i, rec := range records {
		summary := parser.Parse(&rec)
		text := summary.Summary()

		rec.Name = rec.Service
		if rec.Name == "" {
			rec.Name = "Unknown"
		}
		if rec.Title != "" {
			rec.Title = text
		} else {
			rec.Description = text
		}
		out[i] = rec
	}
	return out
}

// VidiFormat moves the display name into the first line of the text, for players
// that only show one of the two fields.
func VidiFormat(records []types.StreamRecord) []types.StreamRecord {
	out := make([]types.StreamRecord, len(records))
	for i, rec := range records {
		name := rec.Name
		if name == "" {
			name = rec.Service
		}
		name = utils.NormalizeSpace(name)

		switch {
		case rec.Title != "":
			rec.Title = name + "\n" + rec.Title
		case rec.Description != "":
			rec.Description = name + "\n" + strings.TrimLeft(rec.Description, " \t\r\n")
		default:
			rec.Description = name
		}
		out[i] = rec
	}
	return out
}
