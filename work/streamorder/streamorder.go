package streamorder

import (
	"sort"

	"aio-proxy/work/parser"
	"aio-proxy/work/types"
)

/**
 * RankKey is the composite ordering key used to pick the best record of a resolution
 * bucket. Fields are compared in declaration order; a larger value is better.
 */
type RankKey struct {
	Cached     bool  // instantly playable
	HDR        int   // best HDR format priority
	Codec      int   // codec priority
	Audio      int   // best audio format priority
	SizeBytes  int64 // larger files win the final tie-break
	Resolution int   // bucket rank, not part of the comparison
}

/**
 * Less reports whether k ranks strictly below other.
 */
func (k RankKey) Less(other RankKey) bool {
	if k.Cached != other.Cached {
		return !k.Cached
	}
	if k.HDR != other.HDR {
		return k.HDR < other.HDR
	}
	if k.Codec != other.Codec {
		return k.Codec < other.Codec
	}
	if k.Audio != other.Audio {
		return k.Audio < other.Audio
	}
	return k.SizeBytes < other.SizeBytes
}

/**
 * KeyOf computes the ranking key for a record. A record counts as cached when
 * either the service-detected is_cached flag or an explicit "cached" override says so.
 */
func KeyOf(rec *types.StreamRecord) RankKey {
	d := parser.Parse(rec)

	cached := d.IsCached || (rec.Cached != nil && *rec.Cached)

	return RankKey{
		Cached:     cached,
		HDR:        d.HDRRank(),
		Codec:      d.CodecRank(),
		Audio:      d.AudioRank(),
		SizeBytes:  d.SizeBytes,
		Resolution: d.ResolutionRank(),
	}
}

/**
 * OnePerQuality keeps exactly one record per distinct resolution (Unknown included)
 * and returns them ordered from the highest resolution down, Unknown last.
 *
 * Within a bucket the record with the greatest RankKey wins; on a full tie the
 * record that appeared first in the input is kept, so the result is deterministic.
 */
func OnePerQuality(records []types.StreamRecord) []types.StreamRecord {
	if len(records) == 0 {
		return nil
	}

	type candidate struct {
		rec types.StreamRecord
		key RankKey
	}

	best := make(map[int]*candidate)
	for i := range records {
		key := KeyOf(&records[i])
		current, ok := best[key.Resolution]
		if !ok || current.key.Less(key) {
			best[key.Resolution] = &candidate{rec: records[i], key: key}
		}
	}

	ranks := make([]int, 0, len(best))
	for rank := range best {
		ranks = append(ranks, rank)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ranks)))

	out := make([]types.StreamRecord, 0, len(ranks))
	for _, rank := range ranks {
		out = append(out, best[rank].rec)
	}
	return out
}
