package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"aio-proxy/work/client"
	"aio-proxy/work/logger"
	"aio-proxy/work/types"
	"aio-proxy/work/utils"

	"go.uber.org/ratelimit"
)

// StreamingService is one upstream source of stream records.
type StreamingService interface {
	// Name is the stable identifier stamped on every record the service returns.
	Name() string

	// GetStreams fetches the service's candidates for a movie or episode.
	GetStreams(ctx context.Context, id types.MediaID) ([]types.StreamRecord, error)
}

// UpstreamError describes a failed add-on request. StatusCode is 0 for transport errors.
type UpstreamError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream returned %d", e.StatusCode)
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return "upstream timed out"
	}
	return "upstream request failed: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// CacheDetector decides whether a record returned by an add-on is instantly playable.
// It receives the record with the upstream is_cached value already decoded.
type CacheDetector func(rec *types.StreamRecord) bool

// streamsResponse is the Stremio stream resource envelope
type streamsResponse struct {
	Streams []types.StreamRecord `json:"streams"`
}

// AddonService queries a Stremio add-on's stream resource at
// <base>/<options>/stream/<kind>/<id>.json.
type AddonService struct {
	name          string                      // service tag for records
	baseURL       string                      // add-on root without trailing slash
	options       string                      // configuration path segment, may be empty
	client        *client.HeaderSettingClient // shared or per-service client
	limiter       ratelimit.Limiter           // outbound pacing
	timeout       time.Duration               // per-request budget
	detect        CacheDetector               // cache flag rule
	swallowErrors bool                        // failures yield an empty list instead of an error
}

// Option customizes an AddonService
type Option func(*AddonService)

// WithRateLimit paces outbound requests to perSecond; 0 disables pacing.
func WithRateLimit(perSecond int) Option {
	return func(s *AddonService) {
		if perSecond > 0 {
			s.limiter = ratelimit.New(perSecond)
		} else {
			s.limiter = ratelimit.NewUnlimited()
		}
	}
}

// WithTimeout bounds every request made by the service.
func WithTimeout(d time.Duration) Option {
	return func(s *AddonService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithCacheDetector replaces the cache flag rule.
func WithCacheDetector(d CacheDetector) Option {
	return func(s *AddonService) { s.detect = d }
}

// WithSwallowErrors makes failures return an empty list.
func WithSwallowErrors() Option {
	return func(s *AddonService) { s.swallowErrors = true }
}

// NewAddonService builds a generic add-on client. Without a detector the upstream
// is_cached value is kept as is.
func NewAddonService(name, baseURL, options string, hc *client.HeaderSettingClient, opts ...Option) *AddonService {
	s := &AddonService{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		options: strings.Trim(options, "/"),
		client:  hc,
		limiter: ratelimit.NewUnlimited(),
		timeout: 15 * time.Second,
		detect:  Declared,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AddonService) Name() string { return s.name }

// StreamURL is the resource URL queried for id.
func (s *AddonService) StreamURL(id types.MediaID) string {
	path := id.Kind + "/" + url.PathEscape(strings.TrimPrefix(id.Path(), id.Kind+"/"))
	if s.options == "" {
		return s.baseURL + "/stream/" + path
	}
	return s.baseURL + "/" + s.options + "/stream/" + path
}

// GetStreams fetches, tags and cache-classifies the add-on's records.
func (s *AddonService) GetStreams(ctx context.Context, id types.MediaID) ([]types.StreamRecord, error) {
	streamURL := s.StreamURL(id)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.limiter.Take()

	var resp streamsResponse
	if err := s.client.GetJSON(ctx, streamURL, &resp); err != nil {
		upstreamErr := &UpstreamError{Service: s.name, Err: err}
		var statusErr *client.StatusError
		if errors.As(err, &statusErr) {
			upstreamErr.StatusCode = statusErr.StatusCode
		}

		if s.swallowErrors {
			logger.Debug("{services/service - GetStreams} %s failed for %s, returning no streams: %v", s.name, utils.ObfuscateURL(streamURL), err)
			return []types.StreamRecord{}, nil
		}
		logger.Warn("{services/service - GetStreams} %s failed for %s: %v", s.name, utils.ObfuscateURL(streamURL), err)
		return nil, upstreamErr
	}

	records := resp.Streams
	if records == nil {
		records = []types.StreamRecord{}
	}
	for i := range records {
		records[i].Service = s.name
		records[i].IsCached = s.detect(&records[i])
	}

	logger.Debug("{services/service - GetStreams} %s returned %d streams for %s", s.name, len(records), id)
	return records, nil
}
