package aggregator

import (
	"aio-proxy/work/types"
)

// Merge combines per-service result lists, given in dispatch order, into one list.
//
// Error records come first in dispatch order, then WatchHub records. The remaining
// records are grouped by service, keeping the order in which each service first
// appears. Two passes interleave the groups:
//
//  1. Cached first: groups are scanned in order and any group whose head is cached
//     gives it up. Scans repeat until a full scan takes nothing.
//  2. Round-robin: one head from each non-empty group per turn until all are empty.
//
// Relative order within a service is always preserved, and so is every record.
func Merge(results [][]types.StreamRecord) []types.StreamRecord {
	var (
		errs     []types.StreamRecord
		watchHub []types.StreamRecord
		order    []string
		groups   = make(map[string][]types.StreamRecord)
		total    int
	)

	for _, list := range results {
		for _, rec := range list {
			total++
			switch {
			case rec.IsError():
				errs = append(errs, rec)
			case rec.IsWatchHub():
				watchHub = append(watchHub, rec)
			default:
				if _, ok := groups[rec.Service]; !ok {
					order = append(order, rec.Service)
				}
				groups[rec.Service] = append(groups[rec.Service], rec)
			}
		}
	}

	out := make([]types.StreamRecord, 0, total)
	out = append(out, errs...)
	out = append(out, watchHub...)

	queues := make([][]types.StreamRecord, 0, len(order))
	for _, service := range order {
		queues = append(queues, groups[service])
	}

	// cached heads first
	for {
		took := false
		for i := range queues {
			if len(queues[i]) > 0 && queues[i][0].IsCached {
				out = append(out, queues[i][0])
				queues[i] = queues[i][1:]
				took = true
			}
		}
		if !took {
			break
		}
	}

	// then plain round-robin over what is left
	for remaining := true; remaining; {
		remaining = false
		for i := range queues {
			if len(queues[i]) > 0 {
				out = append(out, queues[i][0])
				queues[i] = queues[i][1:]
				remaining = true
			}
		}
	}

	return out
}
