package aggregator

import (
	"context"
	"fmt"
	"time"

	"aio-proxy/work/logger"
	"aio-proxy/work/metrics"
	"aio-proxy/work/services"
	"aio-proxy/work/types"

	"golang.org/x/sync/errgroup"
)

// Aggregator queries every configured service concurrently and merges the results.
type Aggregator struct {
	services []services.StreamingService
}

// New creates an Aggregator dispatching to svcs in the given order.
func New(svcs []services.StreamingService) *Aggregator {
	return &Aggregator{services: svcs}
}

// Services returns the dispatch list.
func (a *Aggregator) Services() []services.StreamingService {
	return a.services
}

// FetchAll queries every service at once and returns the merged records.
//
// A service that fails, times out or panics contributes a single error record and
// never affects the others. FetchAll itself does not fail; with no services or no
// results it returns an empty list.
func (a *Aggregator) FetchAll(ctx context.Context, id types.MediaID) []types.StreamRecord {
	results := make([][]types.StreamRecord, len(a.services))

	var g errgroup.Group
	for i, svc := range a.services {
		g.Go(func() error {
			results[i] = fetchOne(ctx, svc, id)
			return nil
		})
	}
	g.Wait()

	merged := Merge(results)
	logger.Debug("{aggregator/aggregator - FetchAll} %d services produced %d records for %s", len(a.services), len(merged), id)
	return merged
}

// fetchOne isolates one service: its error or panic turns into an error record
func fetchOne(ctx context.Context, svc services.StreamingService, id types.MediaID) (records []types.StreamRecord) {
	name := svc.Name()
	start := time.Now()

	defer func() {
		metrics.UpstreamLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			logger.Error("{aggregator/aggregator - fetchOne} %s panicked: %v", name, r)
			metrics.UpstreamRequests.WithLabelValues(name, "panic").Inc()
			records = []types.StreamRecord{types.NewErrorRecord(name, fmt.Errorf("internal error: %v", r))}
		}
	}()

	streams, err := svc.GetStreams(ctx, id)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(name, "error").Inc()
		return []types.StreamRecord{types.NewErrorRecord(name, err)}
	}

	metrics.UpstreamRequests.WithLabelValues(name, "ok").Inc()
	metrics.StreamsReturned.WithLabelValues(name).Add(float64(len(streams)))

	for i := range streams {
		if streams[i].Service == "" {
			streams[i].Service = name
		}
	}
	return streams
}
