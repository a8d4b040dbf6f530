// Package rtlsdr exposes an RTL-SDR dongle as a receive-only radio.Handle.
// The real driver is compiled with the "rtlsdr" build tag; without it a
// simulated dongle producing a constant test pattern is used.
package rtlsdr

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"lime-streamer/internal/fifo"
	"lime-streamer/internal/radio"
)

// Options selects which dongle to open
type Options struct {
	DeviceIndex  int    // 0-based index, used when SerialNumber is empty
	SerialNumber string // preferred over DeviceIndex
}

// DeviceInfo contains information about an RTL-SDR device
type DeviceInfo struct {
	Index        int    // Device index (0-based)
	Name         string // Device name
	Manufacturer string // USB manufacturer string
	Product      string // USB product string
	SerialNumber string // USB serial number string
}

// dongle is the subset of the librtlsdr context used by the handle
type dongle interface {
	SetCenterFreq(freq int) error
	SetSampleRate(rate int) error
	SetTunerGainMode(manualMode bool) error
	SetTunerGain(gain int) error
	GetTunerGains() ([]int, error)
	ResetBuffer() error
	ReadSync(buf []uint8, leng int) (int, error)
	Close() error
}

// Common RTL-SDR supported sample rates (in Hz)
var validRates = []uint32{
	250000,  // 250 kHz
	1024000, // 1.024 MHz
	1536000, // 1.536 MHz
	1792000, // 1.792 MHz
	1920000, // 1.92 MHz
	2048000, // 2.048 MHz
	2160000, // 2.16 MHz
	2560000, // 2.56 MHz
	2880000, // 2.88 MHz
	3200000, // 3.2 MHz (maximum for most devices)
}

// findValidSampleRate finds the supported sample rate closest to the
// requested rate
func findValidSampleRate(requestedRate uint32) (uint32, error) {
	var bestRate uint32
	var minDiff uint32 = ^uint32(0)

	for _, rate := range validRates {
		var diff uint32
		if rate > requestedRate {
			diff = rate - requestedRate
		} else {
			diff = requestedRate - rate
		}
		if diff < minDiff {
			minDiff = diff
			bestRate = rate
		}
	}

	if bestRate == 0 {
		return 0, fmt.Errorf("no valid sample rate found")
	}
	return bestRate, nil
}

// nearestGain maps a normalized gain onto the closest tuner gain step, in
// tenths of dB
func nearestGain(gains []int, normalized float64) (int, error) {
	if len(gains) == 0 {
		return 0, fmt.Errorf("tuner reports no gain steps")
	}
	lo, hi := gains[0], gains[0]
	for _, g := range gains {
		if g < lo {
			lo = g
		}
		if g > hi {
			hi = g
		}
	}
	target := float64(lo) + normalized*float64(hi-lo)
	best := gains[0]
	for _, g := range gains {
		if math.Abs(float64(g)-target) < math.Abs(float64(best)-target) {
			best = g
		}
	}
	return best, nil
}

// convertSamples turns unsigned 8-bit I/Q pairs into complex64 samples in
// [-1, 1] and returns how many samples were written
func convertSamples(dst []complex64, raw []uint8) int {
	n := len(raw) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		iVal := (float32(raw[2*i]) - 127.5) / 127.5
		qVal := (float32(raw[2*i+1]) - 127.5) / 127.5
		dst[i] = complex(iVal, qVal)
	}
	return n
}

// Handle is an opened RTL-SDR dongle
type Handle struct {
	info DeviceInfo

	mu         sync.Mutex
	dev        dongle
	sampleRate uint32
	frequency  uint32
	gain       int // tenths of dB
}

// Open opens the dongle selected by opts
func Open(opts Options) (*Handle, error) {
	dev, info, err := openDongle(opts)
	if err != nil {
		return nil, err
	}
	return newHandle(dev, info), nil
}

func newHandle(dev dongle, info DeviceInfo) *Handle {
	return &Handle{dev: dev, info: info}
}

// Info returns the USB identification of the opened dongle
func (h *Handle) Info() DeviceInfo {
	return h.info
}

func (h *Handle) Capabilities() radio.Capabilities {
	return radio.Capabilities{Name: h.info.Name, TX: false, RX: true, Channels: 1}
}

func checkChannel(dir radio.Direction, channel int) error {
	if dir != radio.RX {
		return fmt.Errorf("%w: RTL-SDR cannot transmit", radio.ErrConfiguration)
	}
	if channel != 0 {
		return fmt.Errorf("%w: RTL-SDR has a single channel, got %d", radio.ErrConfiguration, channel)
	}
	return nil
}

// SetSampleRate tries the requested rate first and falls back to the
// closest supported rate
func (h *Handle) SetSampleRate(channel int, rate float64) error {
	if err := checkChannel(radio.RX, channel); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	requested := uint32(rate)
	if err := h.dev.SetSampleRate(int(requested)); err != nil {
		validRate, fallbackErr := findValidSampleRate(requested)
		if fallbackErr != nil {
			return fmt.Errorf("failed to set sample rate to %d Hz and no valid fallback found: %w", requested, err)
		}
		if err := h.dev.SetSampleRate(int(validRate)); err != nil {
			return fmt.Errorf("failed to set sample rate to %d Hz (tried fallback %d Hz): %w", requested, validRate, err)
		}
		log.Printf("[WARN] requested sample rate %d Hz not supported, using %d Hz instead", requested, validRate)
		h.sampleRate = validRate
		return nil
	}
	h.sampleRate = requested
	return nil
}

func (h *Handle) SetFrequency(dir radio.Direction, channel int, hz float64) error {
	if err := checkChannel(dir, channel); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	freq := uint32(hz)
	if err := h.dev.SetCenterFreq(int(freq)); err != nil {
		return fmt.Errorf("failed to set frequency to %d Hz: %w", freq, err)
	}
	h.frequency = freq
	return nil
}

// SetGain selects manual gain and programs the tuner step closest to the
// normalized value
func (h *Handle) SetGain(dir radio.Direction, channel int, normalized float64) error {
	if err := checkChannel(dir, channel); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	gains, err := h.dev.GetTunerGains()
	if err != nil {
		return fmt.Errorf("failed to read tuner gains: %w", err)
	}
	tenths, err := nearestGain(gains, normalized)
	if err != nil {
		return err
	}
	if err := h.dev.SetTunerGainMode(true); err != nil {
		return fmt.Errorf("failed to select manual gain: %w", err)
	}
	if err := h.dev.SetTunerGain(tenths); err != nil {
		return fmt.Errorf("failed to set gain to %.1f dB: %w", float64(tenths)/10, err)
	}
	h.gain = tenths
	return nil
}

// EnableChannel has no hardware effect: the dongle streams whenever it is
// read. Enabling still validates the channel.
func (h *Handle) EnableChannel(dir radio.Direction, channel int, enabled bool) error {
	if !enabled {
		return nil
	}
	return checkChannel(dir, channel)
}

func (h *Handle) NewTransport() radio.Transport {
	return &transport{handle: h}
}

// Describe returns a formatted string with the current settings
func (h *Handle) Describe() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("%s (freq: %d Hz, rate: %d Hz, gain: %.1f dB)",
		h.info.Name, h.frequency, h.sampleRate, float64(h.gain)/10)
}

// Close properly closes the RTL-SDR device and releases resources
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev == nil {
		return nil
	}
	err := h.dev.Close()
	h.dev = nil
	return err
}

// readSize returns the USB transfer length for a block: two bytes per
// sample, rounded up to the 512 byte multiple librtlsdr requires
func readSize(samples int) int {
	n := samples * 2
	if rem := n % 512; rem != 0 {
		n += 512 - rem
	}
	return n
}

type transport struct {
	handle *Handle
	params radio.StreamParams
	queue  *fifo.Queue
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	fault   error
}

func (t *transport) Setup(p radio.StreamParams) error {
	if err := checkChannel(p.Direction, p.Channel); err != nil {
		return err
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

	t.handle.mu.Lock()
	dev := t.handle.dev
	t.handle.mu.Unlock()
	if dev == nil {
		return fmt.Errorf("%w: device is closed", radio.ErrStart)
	}
	// Reset RTL-SDR buffer to ensure clean start
	if err := dev.ResetBuffer(); err != nil {
		return fmt.Errorf("%w: failed to reset buffer: %v", radio.ErrStart, err)
	}

	t.queue = fifo.New(depth)
	t.started = true
	t.wg.Add(1)
	go t.pump(dev)
	return nil
}

func (t *transport) pump(dev dongle) {
	defer t.wg.Done()
	size := readSize(t.params.BufferCapacity)
	raw := make([]uint8, size)
	for !t.queue.Closed() {
		// ReadSync is blocking, the queue state is checked between calls
		nRead, err := dev.ReadSync(raw, size)
		if err != nil {
			t.mu.Lock()
			t.fault = fmt.Errorf("failed to read samples: %w", err)
			t.mu.Unlock()
			log.Printf("[ERROR] RTL-SDR read failed: %v", err)
			t.queue.Close()
			return
		}
		samples := raw[:nRead]
		for len(samples) >= 2 {
			n := len(samples) / 2
			if n > t.params.BufferCapacity {
				n = t.params.BufferCapacity
			}
			block := make([]complex64, n)
			convertSamples(block, samples[:2*n])
			samples = samples[2*n:]
			if !t.queue.Offer(block) && t.queue.Dropped() == 1 {
				log.Printf("[WARN] RTL-SDR overflow, dropping samples")
			}
		}
	}
}

func (t *transport) Send([]complex64, time.Duration) (int, error) {
	return 0, fmt.Errorf("%w: RTL-SDR cannot transmit", radio.ErrTransfer)
}

func (t *transport) Receive(samples []complex64, timeout time.Duration) (int, error) {
	t.mu.Lock()
	running, fault := t.started && !t.stopped, t.fault
	t.mu.Unlock()
	if !running {
		return 0, fmt.Errorf("%w: stream is not running", radio.ErrTransfer)
	}
	n, err := t.queue.Read(samples, timeout)
	if err != nil && fault == nil {
		t.mu.Lock()
		fault = t.fault
		t.mu.Unlock()
	}
	if fault != nil && n == 0 {
		return 0, fmt.Errorf("%w: %v", radio.ErrTransfer, fault)
	}
	return n, err
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
	if n := t.queue.Dropped(); n > 0 {
		log.Printf("[DEBUG] RTL-SDR dropped %d blocks", n)
	}
	return nil
}

func (t *transport) Destroy() error {
	if t.queue != nil {
		t.queue.Reset()
	}
	return nil
}
