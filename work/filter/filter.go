package filter

import (
	"strings"

	"aio-proxy/work/types"

	"github.com/samber/lo"
)

// CachedOnly keeps records that are instantly playable.
func CachedOnly(records []types.StreamRecord) []types.StreamRecord {
	return lo.Filter(records, func(r types.StreamRecord, _ int) bool {
		return r.IsCached
	})
}

// ByServices keeps records whose service is in the allow-list. An empty list keeps
// everything. Error records always pass: a failing service must stay visible.
func ByServices(records []types.StreamRecord, enabled []string) []types.StreamRecord {
	if len(enabled) == 0 {
		return records
	}

	allowed := make(map[string]struct{}, len(enabled))
	for _, name := range enabled {
		allowed[strings.ToLower(name)] = struct{}{}
	}

	return lo.Filter(records, func(r types.StreamRecord, _ int) bool {
		if r.IsError() {
			return true
		}
		_, ok := allowed[strings.ToLower(r.Service)]
		return ok
	})
}

// SplitErrors separates synthetic error records from regular ones, preserving order.
func SplitErrors(records []types.StreamRecord) (errs, rest []types.StreamRecord) {
	return lo.FilterReject(records, func(r types.StreamRecord, _ int) bool {
		return r.IsError()
	})
}

// SplitWatchHub separates WatchHub records from the rest, preserving order.
func SplitWatchHub(records []types.StreamRecord) (watchHub, rest []types.StreamRecord) {
	return lo.FilterReject(records, func(r types.StreamRecord, _ int) bool {
		return r.IsWatchHub()
	})
}
