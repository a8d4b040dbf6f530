// Package lime drives a LimeSDR through limedrv. The driver is only
// compiled with the "limesdr" build tag; the callback bridge that turns the
// driver's push model into per-channel bounded queues is always built.
package lime

import (
	"fmt"
	"log"
	"sync"
	"time"

	"lime-streamer/internal/fifo"
	"lime-streamer/internal/radio"
)

// Options selects which LimeSDR to open
type Options struct {
	DeviceIndex  int    // 0-based index, used when SerialNumber is empty
	SerialNumber string // preferred over DeviceIndex
	Oversample   int    // 0 lets the driver choose
}

// DeviceInfo describes a LimeSDR found on the system
type DeviceInfo struct {
	Index        int
	Name         string
	Address      string
	SerialNumber string
}

// engine starts and stops the device-wide stream
type engine interface {
	startStreaming()
	stopStreaming()
}

type txFeed struct {
	queue   *fifo.Queue
	pending []complex64
}

// bridge routes driver callbacks to the transports that own each channel.
// The driver streams every enabled channel at once, so the device stream
// runs while at least one transport is started.
type bridge struct {
	eng   engine
	engMu sync.Mutex // orders driver start and stop

	mu      sync.Mutex
	running int
	rx      map[int]*fifo.Queue
	tx      map[int]*txFeed

	underruns uint64
}

func newBridge(eng engine) *bridge {
	return &bridge{
		eng: eng,
		rx:  make(map[int]*fifo.Queue),
		tx:  make(map[int]*txFeed),
	}
}

// onSamples receives a block captured on channel
func (b *bridge) onSamples(data []complex64, channel int, _ uint64) {
	b.mu.Lock()
	q := b.rx[channel]
	b.mu.Unlock()
	if q == nil {
		return
	}
	block := make([]complex64, len(data))
	copy(block, data)
	if !q.Offer(block) && q.Dropped() == 1 {
		log.Printf("[WARN] LimeSDR RX channel %d overflow, dropping samples", channel)
	}
}

// needSamples fills data with queued TX samples for channel. Missing
// samples are sent as silence.
func (b *bridge) needSamples(data []complex64, channel int) {
	b.mu.Lock()
	feed := b.tx[channel]
	b.mu.Unlock()

	n := 0
	if feed != nil {
		for n < len(data) {
			if len(feed.pending) == 0 {
				block, ok := feed.queue.TryNext()
				if !ok {
					break
				}
				feed.pending = block
			}
			c := copy(data[n:], feed.pending)
			feed.pending = feed.pending[c:]
			n += c
		}
	}
	if n < len(data) && feed != nil {
		b.mu.Lock()
		b.underruns++
		b.mu.Unlock()
	}
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

func (b *bridge) attach(p radio.StreamParams, q *fifo.Queue) error {
	b.engMu.Lock()
	defer b.engMu.Unlock()

	b.mu.Lock()
	if p.Direction == radio.RX {
		if b.rx[p.Channel] != nil {
			b.mu.Unlock()
			return fmt.Errorf("%w: RX channel %d already streaming", radio.ErrStart, p.Channel)
		}
		b.rx[p.Channel] = q
	} else {
		if b.tx[p.Channel] != nil {
			b.mu.Unlock()
			return fmt.Errorf("%w: TX channel %d already streaming", radio.ErrStart, p.Channel)
		}
		b.tx[p.Channel] = &txFeed{queue: q}
	}
	b.running++
	first := b.running == 1
	b.mu.Unlock()

	// callbacks take b.mu, so the driver is never started or stopped under it
	if first {
		b.eng.startStreaming()
	}
	return nil
}

func (b *bridge) detach(p radio.StreamParams) {
	b.engMu.Lock()
	defer b.engMu.Unlock()

	b.mu.Lock()
	if p.Direction == radio.RX {
		delete(b.rx, p.Channel)
	} else {
		delete(b.tx, p.Channel)
	}
	b.running--
	last := b.running == 0
	underruns := b.underruns
	if last {
		b.underruns = 0
	}
	b.mu.Unlock()

	if last {
		b.eng.stopStreaming()
		if underruns > 0 {
			log.Printf("[DEBUG] LimeSDR TX underran %d times", underruns)
		}
	}
}

type transport struct {
	bridge *bridge
	params radio.StreamParams
	queue  *fifo.Queue

	mu      sync.Mutex
	started bool
	stopped bool
}

func (t *transport) Setup(p radio.StreamParams) error {
	if p.BufferCapacity <= 0 {
		return fmt.Errorf("%w: buffer capacity must be positive", radio.ErrConfiguration)
	}
	t.params = p
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
	q := fifo.New(depth)
	if err := t.bridge.attach(t.params, q); err != nil {
		return err
	}
	t.queue = q
	t.started = true
	return nil
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
	defer t.mu.Unlock()
	if !t.started || t.stopped {
		return nil
	}
	t.stopped = true
	t.queue.Close()
	t.bridge.detach(t.params)
	return nil
}

func (t *transport) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queue != nil {
		t.queue.Reset()
		t.queue = nil
	}
	return nil
}
