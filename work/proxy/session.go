package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"aio-proxy/work/buffer"
	"aio-proxy/work/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// maxRetryInterval caps the delay between two resume attempts
const maxRetryInterval = 10 * time.Second

// Stream is one open proxy session: a background reader filling a chunk queue
// and a consumer draining it into the client.
type Stream struct {
	StatusCode int
	Header     http.Header
	ID         string

	proxy     *StreamProxy
	remoteURL string
	rng       byteRange
	resumable bool
	queue     *buffer.ChunkQueue

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

// fill reads the remote body into the queue until EOF, cancellation or an
// unrecoverable error. Read failures reconnect at the current offset.
func (s *Stream) fill(body io.ReadCloser) {
	defer close(s.done)
	defer func() {
		if body != nil {
			body.Close()
		}
	}()

	var (
		offset    int64
		failures  int
		chunkSize = s.proxy.pool.ChunkSize()
	)

	for {
		buf := s.proxy.pool.Get()
		n, err := readChunk(body, buf.B[:chunkSize])
		buf.B = buf.B[:n]

		if n > 0 {
			offset += int64(n)
			failures = 0
			metrics.BytesTransferred.WithLabelValues("upstream").Add(float64(n))

			if perr := s.queue.Push(s.ctx, buf); perr != nil {
				s.proxy.pool.Put(buf)
				s.queue.CloseWithError(perr)
				return
			}
		} else {
			s.proxy.pool.Put(buf)
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			s.queue.Close()
			return
		case s.ctx.Err() != nil:
			s.queue.CloseWithError(s.ctx.Err())
			return
		}

		metrics.StreamErrors.WithLabelValues("read").Inc()
		s.log.Warn().Err(err).Int64("offset", offset).Msg("upstream read failed")

		body.Close()
		body = nil

		next, err := s.resume(offset, &failures)
		if err != nil {
			metrics.StreamErrors.WithLabelValues("resume").Inc()
			s.log.Error().Err(err).Int64("offset", offset).Int("attempts", failures).Msg("giving up on upstream")
			s.queue.CloseWithError(&UpstreamError{Phase: "stream", Err: err})
			return
		}
		s.log.Info().Int64("offset", offset).Msg("upstream resumed")
		body = next
	}
}

// readChunk fills b from r and stops early only on an error or the end of input,
// so every queued chunk but the last of a connection is full.
func readChunk(r io.Reader, b []byte) (int, error) {
	n := 0
	for n < len(b) {
		m, err := r.Read(b[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// resume reopens the remote at offset bytes past the requested start. failures counts
// attempts since the last successful read and is bounded by the proxy's maxRetries.
func (s *Stream) resume(offset int64, failures *int) (io.ReadCloser, error) {
	if !s.resumable {
		return nil, errors.New("request range cannot be resumed")
	}
	remaining := s.proxy.maxRetries - *failures
	if remaining <= 0 {
		return nil, fmt.Errorf("no attempts left after %d failures", *failures)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.proxy.retryBackoff
	b.MaxInterval = maxRetryInterval

	rangeHeader := s.rng.header(offset)
	fromStart := s.rng.start+offset == 0

	op := func() (io.ReadCloser, error) {
		*failures++

		resp, err := s.proxy.request(s.ctx, s.remoteURL, rangeHeader)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil, backoff.Permanent(s.ctx.Err())
			}
			return nil, err
		}

		if resp.StatusCode == http.StatusPartialContent || (resp.StatusCode == http.StatusOK && fromStart) {
			return resp.Body, nil
		}
		resp.Body.Close()

		statusErr := &UpstreamError{Phase: "stream", StatusCode: resp.StatusCode, Err: ErrUpstreamStatus}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, statusErr
		}
		// a full body or a client error cannot continue at the offset
		return nil, backoff.Permanent(statusErr)
	}

	return backoff.Retry(s.ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(remaining)),
	)
}

// WriteTo drains the queue into w, flushing after every chunk when w supports it.
// It returns nil once the remote body has been relayed completely.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	flusher, _ := w.(http.Flusher)

	var total int64
	for {
		buf, err := s.queue.Pop(s.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}

		n, werr := w.Write(buf.B)
		s.queue.Release(buf)
		total += int64(n)
		metrics.BytesTransferred.WithLabelValues("downstream").Add(float64(n))

		if werr != nil {
			metrics.StreamErrors.WithLabelValues("write").Inc()
			return total, werr
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Close cancels the reader, waits for it to exit and releases buffered chunks.
// It is safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.queue.CloseWithError(context.Canceled)
		s.queue.Discard()
		metrics.ActiveProxies.Dec()
	})
}

// Done is closed once the background reader has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}
