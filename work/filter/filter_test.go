package filter

import (
	"errors"
	"testing"

	"aio-proxy/work/types"

	"github.com/stretchr/testify/assert"
)

func services(recs []types.StreamRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Service
	}
	return out
}

func TestCachedOnly(t *testing.T) {
	recs := []types.StreamRecord{
		{Service: "A", IsCached: true},
		{Service: "B"},
		{Service: "C", IsCached: true},
	}
	assert.Equal(t, []string{"A", "C"}, services(CachedOnly(recs)))
}

func TestByServices(t *testing.T) {
	recs := []types.StreamRecord{
		{Service: "Torrentio"},
		types.NewErrorRecord("Comet", errors.New("down")),
		{Service: "Comet"},
		{Service: "TorBox"},
	}

	assert.Equal(t, services(recs), services(ByServices(recs, nil)), "empty list keeps everything")
	assert.Equal(t, []string{"Comet", "TorBox"}, services(ByServices(recs, []string{"torbox"})))
}

func TestSplits(t *testing.T) {
	recs := []types.StreamRecord{
		{Service: "A"},
		types.NewErrorRecord("B", nil),
		{Service: types.WatchHubService},
		{Service: "C"},
	}

	errs, rest := SplitErrors(recs)
	assert.Equal(t, []string{"B"}, services(errs))
	assert.Equal(t, []string{"A", types.WatchHubService, "C"}, services(rest))

	hub, others := SplitWatchHub(rest)
	assert.Equal(t, []string{types.WatchHubService}, services(hub))
	assert.Equal(t, []string{"A", "C"}, services(others))
}
