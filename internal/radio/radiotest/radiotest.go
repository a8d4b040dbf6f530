// Package radiotest provides scriptable radio handles and transports for
// tests of the streaming core.
package radiotest

import (
	"fmt"
	"sync"
	"time"

	"lime-streamer/internal/radio"
)

// Handle is an in-memory radio.Handle that records every call
type Handle struct {
	mu sync.Mutex

	Caps  radio.Capabilities
	Calls []string

	// NewTransportFunc builds the transport for each new session; a fresh
	// Transport is used when nil.
	NewTransportFunc func() radio.Transport
	// Transports lists every transport handed out, in order.
	Transports []radio.Transport

	EnableErr error
	Closed    bool
}

// NewHandle returns a one-channel TX+RX handle
func NewHandle() *Handle {
	return &Handle{Caps: radio.Capabilities{Name: "test radio", TX: true, RX: true, Channels: 1}}
}

func (h *Handle) record(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Calls = append(h.Calls, fmt.Sprintf(format, args...))
}

// CallLog returns a copy of the recorded calls
func (h *Handle) CallLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.Calls...)
}

func (h *Handle) Capabilities() radio.Capabilities { return h.Caps }

func (h *Handle) SetSampleRate(channel int, rate float64) error {
	h.record("rate %d %.0f", channel, rate)
	return nil
}

func (h *Handle) SetFrequency(dir radio.Direction, channel int, hz float64) error {
	h.record("freq %s %d %.0f", dir, channel, hz)
	return nil
}

func (h *Handle) SetGain(dir radio.Direction, channel int, normalized float64) error {
	h.record("gain %s %d %.2f", dir, channel, normalized)
	return nil
}

func (h *Handle) EnableChannel(dir radio.Direction, channel int, enabled bool) error {
	h.record("enable %s %d %t", dir, channel, enabled)
	if enabled && h.EnableErr != nil {
		return h.EnableErr
	}
	return nil
}

func (h *Handle) NewTransport() radio.Transport {
	var t radio.Transport
	if h.NewTransportFunc != nil {
		t = h.NewTransportFunc()
	} else {
		t = &Transport{}
	}
	h.mu.Lock()
	h.Transports = append(h.Transports, t)
	h.mu.Unlock()
	return t
}

func (h *Handle) Close() error {
	h.record("close")
	h.mu.Lock()
	h.Closed = true
	h.mu.Unlock()
	return nil
}

// Transport is a scriptable radio.Transport. Send and Receive move every
// requested sample unless a script function is set.
type Transport struct {
	mu sync.Mutex

	Params   radio.StreamParams
	SetupErr error
	StartErr error
	StopErr  error

	// SendFunc and ReceiveFunc receive the 1-based call number.
	SendFunc    func(call int, samples []complex64) (int, error)
	ReceiveFunc func(call int, samples []complex64) (int, error)

	SetupCalls, StartCalls, StopCalls, DestroyCalls int
	SendCalls, ReceiveCalls                         int
	RequestSizes                                    []int
	SentSamples                                     int
}

func (t *Transport) Setup(params radio.StreamParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SetupCalls++
	t.Params = params
	return t.SetupErr
}

func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.StartCalls++
	return t.StartErr
}

func (t *Transport) Send(samples []complex64, _ time.Duration) (int, error) {
	t.mu.Lock()
	t.SendCalls++
	call := t.SendCalls
	t.RequestSizes = append(t.RequestSizes, len(samples))
	fn := t.SendFunc
	t.mu.Unlock()

	n, err := len(samples), error(nil)
	if fn != nil {
		n, err = fn(call, samples)
	}
	t.mu.Lock()
	t.SentSamples += n
	t.mu.Unlock()
	return n, err
}

func (t *Transport) Receive(samples []complex64, _ time.Duration) (int, error) {
	t.mu.Lock()
	t.ReceiveCalls++
	call := t.ReceiveCalls
	t.RequestSizes = append(t.RequestSizes, len(samples))
	fn := t.ReceiveFunc
	t.mu.Unlock()

	if fn != nil {
		return fn(call, samples)
	}
	return len(samples), nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.StopCalls++
	return t.StopErr
}

func (t *Transport) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DestroyCalls++
	return nil
}

// Fill writes value into every sample and reports them all as delivered
func Fill(samples []complex64, value complex64) (int, error) {
	for i := range samples {
		samples[i] = value
	}
	return len(samples), nil
}

// EnableAll applies cfgs and enables the channels on dev
func EnableAll(dev *radio.Device, cfgs ...radio.ChannelConfig) error {
	return dev.Configure(func(c *radio.Configurator) error {
		for _, cfg := range cfgs {
			if err := c.Apply(cfg); err != nil {
				return err
			}
			if err := c.Enable(cfg.Direction, cfg.Channel); err != nil {
				return err
			}
		}
		return nil
	})
}

// Channel returns a valid channel configuration for dir on channel 0
func Channel(dir radio.Direction) radio.ChannelConfig {
	return radio.ChannelConfig{
		Direction:       dir,
		SampleRate:      2e6,
		CenterFrequency: 2.44e9,
		NormalizedGain:  0.7,
	}
}
