package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aio-proxy/work/buffer"
	"aio-proxy/work/client"
	"aio-proxy/work/config"
	"aio-proxy/work/logger"
	"aio-proxy/work/metrics"
	"aio-proxy/work/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUpstreamStatus is wrapped by UpstreamError when the remote answers with a non-2xx status.
var ErrUpstreamStatus = errors.New("unexpected upstream status")

// defaultContentType is sent when the remote does not declare one
const defaultContentType = "video/mp4"

// UpstreamError reports a remote media failure. Phase is "open" before any byte
// was relayed and "stream" afterwards.
type UpstreamError struct {
	Phase      string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s failed with status %d", e.Phase, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s failed: %v", e.Phase, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// StreamProxy relays remote media to clients through a bounded read-ahead buffer.
type StreamProxy struct {
	client       *client.HeaderSettingClient
	pool         *buffer.BufferPool
	bufferSize   int64
	maxRetries   int
	retryBackoff time.Duration
	cfg          *config.Config
	log          zerolog.Logger
}

// New creates a StreamProxy. hc must not carry an overall request timeout since
// bodies are read for as long as the client keeps watching.
func New(cfg *config.Config, hc *client.HeaderSettingClient, pool *buffer.BufferPool) *StreamProxy {
	return &StreamProxy{
		client:       hc,
		pool:         pool,
		bufferSize:   cfg.Proxy.BufferSize,
		maxRetries:   cfg.Proxy.MaxRetries,
		retryBackoff: cfg.Proxy.RetryBackoff,
		cfg:          cfg,
		log:          logger.WithComponent("proxy"),
	}
}

// byteRange is a parsed "bytes=start-[end]" request. end is -1 when open ended.
type byteRange struct {
	start int64
	end   int64
}

// parseRange understands the single-range form players send. Anything else is
// forwarded verbatim on the first request and prevents resuming.
func parseRange(header string) (byteRange, bool) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return byteRange{}, false
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok || startStr == "" {
		return byteRange{}, false
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, false
	}
	r := byteRange{start: start, end: -1}
	if endStr != "" {
		end, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return byteRange{}, false
		}
		r.end = end
	}
	return r, true
}

// header renders the range that continues after offset relayed bytes.
func (r byteRange) header(offset int64) string {
	if r.end < 0 {
		return fmt.Sprintf("bytes=%d-", r.start+offset)
	}
	return fmt.Sprintf("bytes=%d-%d", r.start+offset, r.end)
}

// Open connects to remoteURL, forwarding rangeHeader when present, and starts the
// background reader. The returned Stream must be closed by the caller.
//
// The response status is 206 when the client asked for a range and 200 otherwise.
// Headers carry Accept-Ranges, Content-Type (video/mp4 when the remote omits it),
// Cache-Control and, when the remote sent them, Content-Range and Content-Length.
func (p *StreamProxy) Open(ctx context.Context, remoteURL, rangeHeader string) (*Stream, error) {
	id := uuid.NewString()
	log := p.log.With().Str("session", id).Logger()

	ctx, cancel := context.WithCancel(ctx)

	resp, err := p.request(ctx, remoteURL, rangeHeader)
	if err != nil {
		cancel()
		metrics.StreamErrors.WithLabelValues("open").Inc()
		log.Warn().Err(err).Str("url", utils.LogURL(p.cfg, remoteURL)).Msg("upstream open failed")
		return nil, &UpstreamError{Phase: "open", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		metrics.StreamErrors.WithLabelValues("open").Inc()
		log.Warn().Int("status", resp.StatusCode).Str("url", utils.LogURL(p.cfg, remoteURL)).Msg("upstream rejected request")
		return nil, &UpstreamError{Phase: "open", StatusCode: resp.StatusCode, Err: ErrUpstreamStatus}
	}

	status := http.StatusOK
	if rangeHeader != "" {
		status = http.StatusPartialContent
	}

	header := make(http.Header)
	header.Set("Accept-Ranges", "bytes")
	if v := resp.Header.Get("Content-Range"); v != "" {
		header.Set("Content-Range", v)
	}
	if v := resp.Header.Get("Content-Length"); v != "" {
		header.Set("Content-Length", v)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	header.Set("Content-Type", contentType)
	header.Set("Cache-Control", "no-cache")

	rng, resumable := parseRange(rangeHeader)
	if rangeHeader == "" {
		rng, resumable = byteRange{start: 0, end: -1}, true
	}

	s := &Stream{
		StatusCode: status,
		Header:     header,
		ID:         id,
		proxy:      p,
		remoteURL:  remoteURL,
		rng:        rng,
		resumable:  resumable,
		queue:      buffer.NewChunkQueue(p.bufferSize, p.pool),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log,
	}

	metrics.ActiveProxies.Inc()
	log.Debug().Int("status", status).Str("content_type", contentType).Msg("proxy session opened")

	go s.fill(resp.Body)
	return s, nil
}

func (p *StreamProxy) request(ctx context.Context, remoteURL, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return p.client.Do(req)
}

// Serve relays remoteURL to w. Failures before the response header is written become
// a 502; a failure mid-stream aborts the connection so the player sees a truncated body.
func (p *StreamProxy) Serve(w http.ResponseWriter, r *http.Request, remoteURL string) {
	stream, err := p.Open(r.Context(), remoteURL, r.Header.Get("Range"))
	if err != nil {
		http.Error(w, "Failed to fetch content", http.StatusBadGateway)
		return
	}
	defer stream.Close()

	for k, v := range stream.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(stream.StatusCode)

	n, err := stream.WriteTo(w)
	if err != nil {
		if r.Context().Err() != nil {
			stream.log.Debug().Int64("bytes", n).Msg("client disconnected")
			return
		}
		stream.log.Warn().Err(err).Int64("bytes", n).Int64("buffered", stream.queue.Allocated()).Msg("proxy session aborted")
		panic(http.ErrAbortHandler)
	}
	stream.log.Debug().Int64("bytes", n).Msg("proxy session completed")
}
