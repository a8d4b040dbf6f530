// Package fifo implements the bounded block queue that sits between a
// backend's pump goroutine and the session's control goroutine.
package fifo

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lime-streamer/internal/radio"
)

// Depth sizes a queue in blocks of BufferCapacity samples from the FIFO
// byte size. A latency bias of 0 keeps a single block in flight, 1 uses the
// whole FIFO. It returns 0 when the FIFO cannot hold one block.
func Depth(p radio.StreamParams) int {
	if p.BufferCapacity <= 0 {
		return 0
	}
	blocks := p.QueueSamples() / p.BufferCapacity
	if blocks < 1 {
		return 0
	}
	return 1 + int(float64(blocks-1)*p.LatencyBias)
}

// Queue is a bounded queue of sample blocks. Producers and consumers may
// run on different goroutines; Read keeps the remainder of a partially
// consumed block and must only be called from one goroutine.
type Queue struct {
	blocks chan []complex64
	done   chan struct{}
	once   sync.Once

	pending []complex64
	dropped atomic.Uint64
}

// New creates a queue holding up to depth blocks
func New(depth int) *Queue {
	return &Queue{
		blocks: make(chan []complex64, depth),
		done:   make(chan struct{}),
	}
}

// Close wakes every blocked caller. It is safe to call more than once.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

// Done is closed by Close
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Closed reports whether Close has been called
func (q *Queue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Len returns the number of queued blocks
func (q *Queue) Len() int {
	return len(q.blocks)
}

// Dropped returns how many blocks Offer discarded
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Offer enqueues block without blocking. A full queue drops the block and
// Offer reports false, which is how receivers model an overflow.
func (q *Queue) Offer(block []complex64) bool {
	select {
	case q.blocks <- block:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Push enqueues block, waiting for space. It reports false once the queue
// is closed.
func (q *Queue) Push(block []complex64) bool {
	select {
	case q.blocks <- block:
		return true
	case <-q.done:
		return false
	}
}

// Next dequeues a block, waiting until one is available. It reports false
// once the queue is closed.
func (q *Queue) Next() ([]complex64, bool) {
	select {
	case block := <-q.blocks:
		return block, true
	case <-q.done:
		return nil, false
	}
}

// TryNext dequeues a block if one is ready
func (q *Queue) TryNext() ([]complex64, bool) {
	select {
	case block := <-q.blocks:
		return block, true
	default:
		return nil, false
	}
}

// Write copies samples into blocks of at most blockSize and enqueues them.
// It returns radio.ErrTimeout when nothing could be queued before timeout;
// a partial write returns the queued count and no error.
func (q *Queue) Write(samples []complex64, blockSize int, timeout time.Duration) (int, error) {
	if blockSize <= 0 {
		blockSize = len(samples)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	written := 0
	for written < len(samples) {
		end := written + blockSize
		if end > len(samples) {
			end = len(samples)
		}
		block := make([]complex64, end-written)
		copy(block, samples[written:end])
		select {
		case q.blocks <- block:
			written = end
		case <-q.done:
			return written, fmt.Errorf("%w: stream stopped", radio.ErrTransfer)
		case <-timer.C:
			if written == 0 {
				return 0, radio.ErrTimeout
			}
			return written, nil
		}
	}
	return written, nil
}

// Read fills samples from queued blocks. It waits up to timeout for the
// first block and then takes only what is already queued, so a short read
// means the producer has nothing more right now.
func (q *Queue) Read(samples []complex64, timeout time.Duration) (int, error) {
	got := copy(samples, q.pending)
	q.pending = q.pending[got:]
	if got == len(samples) {
		return got, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for got < len(samples) {
		var block []complex64
		if got > 0 {
			select {
			case block = <-q.blocks:
			default:
				return got, nil
			}
		} else {
			select {
			case block = <-q.blocks:
			case <-q.done:
				return 0, fmt.Errorf("%w: stream stopped", radio.ErrTransfer)
			case <-timer.C:
				return 0, radio.ErrTimeout
			}
		}
		c := copy(samples[got:], block)
		got += c
		q.pending = block[c:]
	}
	return got, nil
}

// Reset discards queued blocks and any pending remainder
func (q *Queue) Reset() {
	q.pending = nil
	for {
		select {
		case <-q.blocks:
		default:
			return
		}
	}
}
