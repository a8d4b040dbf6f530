// Package sim provides a simulated transceiver. Transmitted samples are looped
// back into the receive path of the same channel while a receiver on that
// channel is running; otherwise the receiver sees a low noise floor with
// periodic bursts.
package sim

import (
	"fmt"
	"math/rand"
	"sync"

	"lime-streamer/internal/fifo"
	"lime-streamer/internal/radio"
)

// Options controls the simulated signal environment
type Options struct {
	Channels       int     // channels per direction
	NoiseFloor     float32 // peak amplitude of the idle receiver noise
	BurstAmplitude float32 // amplitude of the periodic bursts, 0 disables them
	BurstPeriod    int     // samples between burst starts
	BurstLength    int     // samples per burst
	Seed           int64   // seed for the receiver noise
	Unpaced        bool    // run as fast as the consumer instead of at the sample rate
}

// DefaultOptions returns the environment used by the CLI
func DefaultOptions() Options {
	return Options{
		Channels:       2,
		NoiseFloor:     0.02,
		BurstAmplitude: 0.5,
		BurstPeriod:    500000,
		BurstLength:    20000,
		Seed:           1,
	}
}

type channelSettings struct {
	rate    float64
	freq    [2]float64
	gain    [2]float64
	enabled [2]bool
}

// Handle is a simulated radio.Handle
type Handle struct {
	opts Options

	mu        sync.Mutex
	channels  []channelSettings
	loops     []*fifo.Queue
	listeners []int // running RX transports per channel
	rng       *rand.Rand
	closed    bool
}

// Open creates a simulated device
func Open(opts Options) (*Handle, error) {
	if opts.Channels <= 0 {
		return nil, fmt.Errorf("%w: simulated device needs at least one channel", radio.ErrConfiguration)
	}
	h := &Handle{
		opts:      opts,
		channels:  make([]channelSettings, opts.Channels),
		loops:     make([]*fifo.Queue, opts.Channels),
		listeners: make([]int, opts.Channels),
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}
	for i := range h.loops {
		h.loops[i] = fifo.New(loopbackDepth)
	}
	return h, nil
}

// loopbackDepth bounds how many transmitted blocks wait for the receiver
const loopbackDepth = 256

func (h *Handle) Capabilities() radio.Capabilities {
	return radio.Capabilities{Name: "simulated transceiver", TX: true, RX: true, Channels: h.opts.Channels}
}

func (h *Handle) channel(ch int) (*channelSettings, error) {
	if ch < 0 || ch >= len(h.channels) {
		return nil, fmt.Errorf("channel %d out of range (device has %d)", ch, len(h.channels))
	}
	if h.closed {
		return nil, fmt.Errorf("device is closed")
	}
	return &h.channels[ch], nil
}

func (h *Handle) SetSampleRate(ch int, rate float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.channel(ch)
	if err != nil {
		return err
	}
	c.rate = rate
	return nil
}

func (h *Handle) SetFrequency(dir radio.Direction, ch int, hz float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.channel(ch)
	if err != nil {
		return err
	}
	c.freq[dir] = hz
	return nil
}

func (h *Handle) SetGain(dir radio.Direction, ch int, normalized float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.channel(ch)
	if err != nil {
		return err
	}
	c.gain[dir] = normalized
	return nil
}

func (h *Handle) EnableChannel(dir radio.Direction, ch int, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.channel(ch)
	if err != nil {
		return err
	}
	c.enabled[dir] = enabled
	if dir == radio.RX && !enabled {
		h.loops[ch].Reset()
	}
	return nil
}

func (h *Handle) NewTransport() radio.Transport {
	return &transport{handle: h}
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *Handle) sampleRate(ch int) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch < 0 || ch >= len(h.channels) {
		return 0
	}
	return h.channels[ch].rate
}

// listen registers a running receiver on ch
func (h *Handle) listen(ch int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[ch]++
}

// unlisten removes a receiver. Once the last one is gone anything still
// waiting in the loopback is discarded.
func (h *Handle) unlisten(ch int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners[ch] > 0 {
		h.listeners[ch]--
	}
	if h.listeners[ch] == 0 {
		h.loops[ch].Reset()
	}
}

// loopback forwards a transmitted block to the receiver. Blocks are dropped
// when no receiver is running on the channel or the TX and RX LOs differ.
func (h *Handle) loopback(ch int, block []complex64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.channels[ch]
	if h.listeners[ch] == 0 || c.freq[radio.TX] != c.freq[radio.RX] {
		return
	}
	h.loops[ch].Offer(block)
}

// nextLoopback returns the next transmitted block waiting for the receiver
func (h *Handle) nextLoopback(ch int) ([]complex64, bool) {
	return h.loops[ch].TryNext()
}

func (h *Handle) ambient(pos uint64) complex64 {
	h.mu.Lock()
	i := (h.rng.Float32()*2 - 1) * h.opts.NoiseFloor
	q := (h.rng.Float32()*2 - 1) * h.opts.NoiseFloor
	h.mu.Unlock()

	o := h.opts
	if o.BurstAmplitude > 0 && o.BurstPeriod > 0 && o.BurstLength > 0 {
		if int(pos%uint64(o.BurstPeriod)) < o.BurstLength {
			i += o.BurstAmplitude
		}
	}
	return complex(i, q)
}
