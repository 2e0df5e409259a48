package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aio-proxy/work/buffer"
	"aio-proxy/work/client"
	"aio-proxy/work/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var payload = bytes.Repeat([]byte("0123456789abcdef"), 16<<10) // 256 KiB

func newProxy(t *testing.T, maxRetries int) (*StreamProxy, *client.HeaderSettingClient) {
	t.Helper()
	hc, err := client.NewHeaderSettingClient(client.Options{UserAgent: "test", DisableCompression: true})
	require.NoError(t, err)
	t.Cleanup(hc.CloseIdleConnections)

	cfg := &config.Config{Proxy: config.ProxyConfig{
		ChunkSize:    8 << 10,
		BufferSize:   64 << 10,
		MaxRetries:   maxRetries,
		RetryBackoff: 5 * time.Millisecond,
	}}
	return New(cfg, hc, buffer.NewBufferPool(cfg.Proxy.ChunkSize)), hc
}

func serveContent(w http.ResponseWriter, r *http.Request) {
	http.ServeContent(w, r, "movie.mkv", time.Time{}, bytes.NewReader(payload))
}

func TestServeWithoutRange(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"))
		assert.Empty(t, r.Header.Get("Accept-Encoding"))
		w.Header()["Content-Type"] = nil
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer remote.Close()

	p, _ := newProxy(t, 3)
	rec := httptest.NewRecorder()
	p.Serve(rec, httptest.NewRequest(http.MethodGet, "/proxy/x", nil), remote.URL)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Range"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, strconv.Itoa(len(payload)), rec.Header().Get("Content-Length"))
	assert.Equal(t, payload, rec.Body.Bytes())
}

func TestServeWithRange(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(serveContent))
	defer remote.Close()

	p, _ := newProxy(t, 3)

	req := httptest.NewRequest(http.MethodGet, "/proxy/x", nil)
	req.Header.Set("Range", "bytes=0-")
	rec := httptest.NewRecorder()
	p.Serve(rec, req, remote.URL)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 0-"+strconv.Itoa(len(payload)-1)+"/"+strconv.Itoa(len(payload)), rec.Header().Get("Content-Range"))
	assert.Equal(t, payload, rec.Body.Bytes())

	req = httptest.NewRequest(http.MethodGet, "/proxy/x", nil)
	req.Header.Set("Range", "bytes=100-199")
	rec = httptest.NewRecorder()
	p.Serve(rec, req, remote.URL)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, payload[100:200], rec.Body.Bytes())
}

func TestServeUpstreamFailureBeforeFirstByte(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer remote.Close()

	p, _ := newProxy(t, 3)

	_, err := p.Open(context.Background(), remote.URL, "")
	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, "open", upstreamErr.Phase)
	assert.Equal(t, http.StatusNotFound, upstreamErr.StatusCode)
	assert.ErrorIs(t, err, ErrUpstreamStatus)

	rec := httptest.NewRecorder()
	p.Serve(rec, httptest.NewRequest(http.MethodGet, "/proxy/x", nil), remote.URL)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

// flakyRemote cuts the first response halfway through and serves ranges afterwards.
type flakyRemote struct {
	cuts   atomic.Int32
	limit  int32
	mu     sync.Mutex
	ranges []string
}

func (f *flakyRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.ranges = append(f.ranges, r.Header.Get("Range"))
	f.mu.Unlock()

	if f.cuts.Add(1) <= f.limit {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:len(payload)/2])
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}
	serveContent(w, r)
}

func TestStreamResumesAfterReadFailure(t *testing.T) {
	remote := &flakyRemote{limit: 1}
	srv := httptest.NewServer(remote)
	defer srv.Close()

	p, _ := newProxy(t, 3)
	s, err := p.Open(context.Background(), srv.URL, "")
	require.NoError(t, err)
	defer s.Close()

	var out bytes.Buffer
	n, err := s.WriteTo(&out)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), n)
	assert.Equal(t, payload, out.Bytes())

	remote.mu.Lock()
	defer remote.mu.Unlock()
	require.Len(t, remote.ranges, 2)
	assert.Empty(t, remote.ranges[0])
	assert.True(t, strings.HasPrefix(remote.ranges[1], "bytes="), remote.ranges[1])
}

func TestStreamGivesUpAfterMaxRetries(t *testing.T) {
	remote := &flakyRemote{limit: 100}
	srv := httptest.NewServer(remote)
	defer srv.Close()

	p, _ := newProxy(t, 2)
	s, err := p.Open(context.Background(), srv.URL, "")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.WriteTo(io.Discard)
	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, "stream", upstreamErr.Phase)
	assert.LessOrEqual(t, remote.cuts.Load(), int32(1+2+2), "each failure is followed by a bounded number of attempts")
}

func TestQueuedMemoryStaysWithinBufferSize(t *testing.T) {
	piece := payload[:16<<10]
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 256; i++ {
			if _, err := w.Write(piece); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		}
	}))
	defer remote.Close()

	hc, err := client.NewHeaderSettingClient(client.Options{UserAgent: "test"})
	require.NoError(t, err)
	defer hc.CloseIdleConnections()

	cfg := &config.Config{Proxy: config.ProxyConfig{
		ChunkSize:    64 << 10,
		BufferSize:   128 << 10,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	}}
	p := New(cfg, hc, buffer.NewBufferPool(cfg.Proxy.ChunkSize))

	s, err := p.Open(context.Background(), remote.URL, "")
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, s.queue.Paused, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, s.queue.Size(), cfg.Proxy.BufferSize)
	assert.LessOrEqual(t, s.queue.Allocated(), cfg.Proxy.BufferSize+int64(cfg.Proxy.ChunkSize))
}

func TestReadChunkFillsBuffer(t *testing.T) {
	r := io.MultiReader(strings.NewReader("abc"), strings.NewReader("defg"), strings.NewReader("hi"))
	b := make([]byte, 5)

	n, err := readChunk(r, b)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(b[:n]))

	n, err = readChunk(r, b)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "fghi", string(b[:n]))
}

func TestCloseStopsReader(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(payload[:1024])
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, hc := newProxy(t, 3)
	defer hc.CloseIdleConnections()

	s, err := p.Open(context.Background(), srv.URL, "")
	require.NoError(t, err)

	s.Close()
	select {
	case <-s.Done():
	default:
		t.Fatal("reader still running after Close")
	}
	s.Close()
}

func TestClientDisconnectCancelsReader(t *testing.T) {
	release := make(chan struct{})
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer remote.Close()
	defer close(release)

	p, _ := newProxy(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := p.Open(ctx, remote.URL, "")
	require.NoError(t, err)
	defer s.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = s.WriteTo(io.Discard)
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after cancellation")
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header string
		want   byteRange
		ok     bool
	}{
		{"bytes=0-", byteRange{0, -1}, true},
		{"bytes=100-199", byteRange{100, 199}, true},
		{"bytes=-500", byteRange{}, false},
		{"bytes=0-1,5-6", byteRange{}, false},
		{"items=0-", byteRange{}, false},
		{"bytes=9-3", byteRange{}, false},
	}
	for _, tt := range tests {
		got, ok := parseRange(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}

	assert.Equal(t, "bytes=150-", byteRange{100, -1}.header(50))
	assert.Equal(t, "bytes=150-199", byteRange{100, 199}.header(50))
}
