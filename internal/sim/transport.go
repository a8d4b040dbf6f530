package sim

import (
	"fmt"
	"log"
	"sync"
	"time"

	"lime-streamer/internal/fifo"
	"lime-streamer/internal/radio"
)

// pacingTick is how often the pumps catch up with the wall clock
const pacingTick = time.Millisecond

// transport moves samples through a bounded queue of blocks. An RX pump
// produces blocks at the channel sample rate; a TX pump drains them at the
// same rate and loops them back to the receiver.
type transport struct {
	handle *Handle
	params radio.StreamParams
	rate   float64

	queue *fifo.Queue
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

func (t *transport) Setup(p radio.StreamParams) error {
	if p.BufferCapacity <= 0 {
		return fmt.Errorf("%w: buffer capacity must be positive", radio.ErrConfiguration)
	}
	rate := t.handle.sampleRate(p.Channel)
	if rate <= 0 {
		return fmt.Errorf("%w: channel %d has no sample rate", radio.ErrConfiguration, p.Channel)
	}
	t.params = p
	t.rate = rate
	return nil
}

func (t *transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("%w: stream already started", radio.ErrStart)
	}
	depth := fifo.Depth(t.params)
	if depth == 0 {
		return fmt.Errorf("%w: FIFO of %d bytes cannot hold one block of %d samples",
			radio.ErrStart, t.params.QueueDepthBytes, t.params.BufferCapacity)
	}
	t.queue = fifo.New(depth)
	t.started = true

	t.wg.Add(1)
	if t.params.Direction == radio.RX {
		t.handle.listen(t.params.Channel)
		go t.produce()
	} else {
		go t.drain()
	}
	return nil
}

func (t *transport) due(start time.Time, moved uint64) time.Time {
	return start.Add(time.Duration(float64(moved) / t.rate * float64(time.Second)))
}

// waitUntil blocks until the wall clock has caught up with the number of
// samples already moved. It returns false when the stream is stopped.
func (t *transport) waitUntil(start time.Time, moved uint64) bool {
	if t.handle.opts.Unpaced {
		return !t.queue.Closed()
	}
	wait := time.Until(t.due(start, moved))
	if wait <= 0 {
		return true
	}
	if wait < pacingTick {
		wait = pacingTick
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-t.queue.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *transport) produce() {
	defer t.wg.Done()
	start := time.Now()
	var pos uint64
	var carry []complex64
	for t.waitUntil(start, pos) {
		block := make([]complex64, t.params.BufferCapacity)
		n := 0
		for n < len(block) {
			if len(carry) == 0 {
				looped, ok := t.handle.nextLoopback(t.params.Channel)
				if !ok {
					break
				}
				carry = looped
			}
			c := copy(block[n:], carry)
			carry = carry[c:]
			n += c
		}
		for i := n; i < len(block); i++ {
			block[i] = t.handle.ambient(pos + uint64(i))
		}
		pos += uint64(len(block))

		if t.handle.opts.Unpaced {
			if !t.queue.Push(block) {
				return
			}
			continue
		}
		// the consumer fell behind; real hardware drops the block too
		if !t.queue.Offer(block) && t.queue.Dropped() == 1 {
			log.Printf("[WARN] simulated RX channel %d overflow, dropping samples", t.params.Channel)
		}
	}
}

func (t *transport) drain() {
	defer t.wg.Done()
	start := time.Now()
	var moved uint64
	for {
		block, ok := t.queue.Next()
		if !ok || !t.waitUntil(start, moved) {
			return
		}
		t.handle.loopback(t.params.Channel, block)
		moved += uint64(len(block))
		// underrun: an idle transmitter does not bank time
		if !t.handle.opts.Unpaced && time.Now().After(t.due(start, moved)) {
			start, moved = time.Now(), 0
		}
	}
}

func (t *transport) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.stopped
}

func (t *transport) Send(samples []complex64, timeout time.Duration) (int, error) {
	if t.params.Direction != radio.TX {
		return 0, fmt.Errorf("%w: send on an RX stream", radio.ErrTransfer)
	}
	if !t.running() {
		return 0, fmt.Errorf("%w: stream is not running", radio.ErrTransfer)
	}
	return t.queue.Write(samples, t.params.BufferCapacity, timeout)
}

func (t *transport) Receive(samples []complex64, timeout time.Duration) (int, error) {
	if t.params.Direction != radio.RX {
		return 0, fmt.Errorf("%w: receive on a TX stream", radio.ErrTransfer)
	}
	if !t.running() {
		return 0, fmt.Errorf("%w: stream is not running", radio.ErrTransfer)
	}
	return t.queue.Read(samples, timeout)
}

func (t *transport) Stop() error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.queue.Close()
	t.mu.Unlock()

	t.wg.Wait()
	if t.params.Direction == radio.RX {
		t.handle.unlisten(t.params.Channel)
	}
	if n := t.queue.Dropped(); n > 0 {
		log.Printf("[DEBUG] simulated RX channel %d dropped %d blocks", t.params.Channel, n)
	}
	return nil
}

func (t *transport) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queue != nil {
		t.queue.Reset()
	}
	t.queue = nil
	return nil
}
