package buffer

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// ErrClosed is returned by Push once the queue has been closed.
var ErrClosed = errors.New("chunk queue closed")

// lowWaterPercent is the occupancy, in percent of capacity, under which a paused
// producer is allowed to resume
const lowWaterPercent = 20

// BufferPool is a thread-safe pool of chunk buffers backed by valyala/bytebufferpool.
// Every buffer handed out has room for at least one chunk.
type BufferPool struct {
	pool      *bytebufferpool.Pool
	chunkSize int
}

// NewBufferPool creates a pool of buffers sized for chunkSize bytes.
func NewBufferPool(chunkSize int) *BufferPool {
	return &BufferPool{
		chunkSize: chunkSize,
		pool:      &bytebufferpool.Pool{},
	}
}

// ChunkSize is the read size buffers are prepared for.
func (bp *BufferPool) ChunkSize() int {
	return bp.chunkSize
}

// Get returns an empty buffer with capacity for one chunk.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.chunkSize {
		buf.B = make([]byte, 0, bp.chunkSize)
	}
	return buf
}

// Put returns a buffer to the pool. nil is ignored.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// ChunkQueue is a FIFO of byte chunks bounded by the total number of queued bytes.
//
// It has one producer and one consumer. Push blocks once occupancy reaches capacity
// and stays blocked until the consumer has drained the queue down to the low-water
// mark (20% of capacity), so the producer refills in large batches instead of
// chasing every popped chunk. Pop blocks while the queue is empty.
//
// Close ends production: the consumer still receives every queued chunk before Pop
// reports the close error, io.EOF for a clean end.
type ChunkQueue struct {
	mu       sync.Mutex
	chunks   []*bytebufferpool.ByteBuffer
	size     int64
	capacity int64
	lowWater int64
	paused   bool
	closed   bool
	err      error

	readable chan struct{}
	writable chan struct{}
	pool     *BufferPool
}

// NewChunkQueue creates a queue holding up to capacity bytes. Buffers popped from
// the queue go back to pool through Release.
func NewChunkQueue(capacity int64, pool *BufferPool) *ChunkQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ChunkQueue{
		capacity: capacity,
		lowWater: capacity * lowWaterPercent / 100,
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		pool:     pool,
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Push appends buf, waiting while the producer is paused. On error the caller
// still owns buf.
func (q *ChunkQueue) Push(ctx context.Context, buf *bytebufferpool.ByteBuffer) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if !q.paused {
			q.chunks = append(q.chunks, buf)
			q.size += int64(buf.Len())
			if q.size >= q.capacity {
				q.paused = true
			}
			q.mu.Unlock()
			signal(q.readable)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.writable:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop removes the oldest chunk, waiting while the queue is empty. After Close it
// returns the remaining chunks and then the close error.
func (q *ChunkQueue) Pop(ctx context.Context) (*bytebufferpool.ByteBuffer, error) {
	for {
		q.mu.Lock()
		if len(q.chunks) > 0 {
			buf := q.chunks[0]
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			q.size -= int64(buf.Len())

			resume := q.paused && q.size <= q.lowWater
			if resume {
				q.paused = false
			}
			q.mu.Unlock()

			if resume {
				signal(q.writable)
			}
			return buf, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			return nil, err
		}
		q.mu.Unlock()

		select {
		case <-q.readable:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release hands a popped buffer back to the pool.
func (q *ChunkQueue) Release(buf *bytebufferpool.ByteBuffer) {
	q.pool.Put(buf)
}

// Close marks a clean end of input.
func (q *ChunkQueue) Close() {
	q.CloseWithError(nil)
}

// CloseWithError ends input with err, which Pop reports once the queue is drained.
// Only the first close takes effect.
func (q *ChunkQueue) CloseWithError(err error) {
	if err == nil {
		err = io.EOF
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.err = err
	q.mu.Unlock()

	signal(q.readable)
	signal(q.writable)
}

// Discard drops every queued chunk back into the pool.
func (q *ChunkQueue) Discard() {
	q.mu.Lock()
	chunks := q.chunks
	q.chunks = nil
	q.size = 0
	q.mu.Unlock()

	for _, buf := range chunks {
		q.pool.Put(buf)
	}
}

// Size is the number of bytes currently queued.
func (q *ChunkQueue) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Allocated is the capacity held by the queued buffers, which is what the queue
// costs in memory.
func (q *ChunkQueue) Allocated() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var total int64
	for _, buf := range q.chunks {
		total += int64(cap(buf.B))
	}
	return total
}

// Paused reports whether the producer is currently held back.
func (q *ChunkQueue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}
