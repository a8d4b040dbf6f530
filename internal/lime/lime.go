//go:build limesdr

// This file is only compiled when the "limesdr" build tag is specified

package lime

import (
	"fmt"
	"sync"

	"github.com/myriadrf/limedrv"

	"lime-streamer/internal/radio"
)

// Handle is an opened LimeSDR
type Handle struct {
	info   DeviceInfo
	opts   Options
	bridge *bridge

	mu  sync.Mutex
	dev *limedrv.LMSDevice
}

// ListDevices returns the LimeSDR devices visible to LimeSuite
func ListDevices() ([]DeviceInfo, error) {
	devices := limedrv.GetDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("no LimeSDR devices found")
	}
	out := make([]DeviceInfo, 0, len(devices))
	for i, d := range devices {
		out = append(out, DeviceInfo{Index: i, Name: d.DeviceName, Address: d.Addr, SerialNumber: d.Serial})
	}
	return out, nil
}

// Open opens the device selected by opts and registers the stream callbacks
func Open(opts Options) (*Handle, error) {
	devices := limedrv.GetDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("no LimeSDR devices found")
	}

	index := opts.DeviceIndex
	if opts.SerialNumber != "" {
		index = -1
		for i, d := range devices {
			if d.Serial == opts.SerialNumber {
				index = i
				break
			}
		}
		if index < 0 {
			return nil, fmt.Errorf("no LimeSDR device found with serial number: %s", opts.SerialNumber)
		}
	}
	if index < 0 || index >= len(devices) {
		return nil, fmt.Errorf("device index %d out of range (found %d devices)", index, len(devices))
	}

	di := devices[index]
	dev := limedrv.Open(di)
	if dev == nil {
		return nil, fmt.Errorf("failed to open LimeSDR %s", di.DeviceName)
	}

	h := &Handle{
		info: DeviceInfo{Index: index, Name: di.DeviceName, Address: di.Addr, SerialNumber: di.Serial},
		opts: opts,
		dev:  dev,
	}
	h.bridge = newBridge(h)
	dev.SetCallback(h.bridge.onSamples)
	dev.SetTXCallback(h.bridge.needSamples)
	return h, nil
}

// Info returns the identification of the opened device
func (h *Handle) Info() DeviceInfo {
	return h.info
}

func (h *Handle) Capabilities() radio.Capabilities {
	h.mu.Lock()
	defer h.mu.Unlock()
	channels := 0
	if h.dev != nil {
		channels = len(h.dev.RXChannels)
		if n := len(h.dev.TXChannels); n < channels {
			channels = n
		}
	}
	return radio.Capabilities{Name: h.info.Name, TX: true, RX: true, Channels: channels}
}

func (h *Handle) channel(dir radio.Direction, ch int) (*limedrv.LMSChannel, error) {
	if h.dev == nil {
		return nil, fmt.Errorf("device is closed")
	}
	channels := h.dev.RXChannels
	if dir == radio.TX {
		channels = h.dev.TXChannels
	}
	if ch < 0 || ch >= len(channels) {
		return nil, fmt.Errorf("%s channel %d out of range (device has %d)", dir, ch, len(channels))
	}
	return channels[ch], nil
}

// SetSampleRate sets the device-wide sample rate. LimeSuite shares one
// rate between all channels.
func (h *Handle) SetSampleRate(_ int, rate float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev == nil {
		return fmt.Errorf("device is closed")
	}
	h.dev.SetSampleRate(rate, h.opts.Oversample)
	return nil
}

func (h *Handle) SetFrequency(dir radio.Direction, ch int, hz float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.channel(dir, ch)
	if err != nil {
		return err
	}
	c.SetCenterFrequency(hz)
	return nil
}

func (h *Handle) SetGain(dir radio.Direction, ch int, normalized float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.channel(dir, ch)
	if err != nil {
		return err
	}
	c.SetGainNormalized(normalized)
	return nil
}

func (h *Handle) EnableChannel(dir radio.Direction, ch int, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, err := h.channel(dir, ch)
	if err != nil {
		return err
	}
	if enabled {
		c.Enable()
	} else {
		c.Disable()
	}
	return nil
}

func (h *Handle) NewTransport() radio.Transport {
	return &transport{bridge: h.bridge}
}

func (h *Handle) startStreaming() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev != nil {
		h.dev.Start()
	}
}

func (h *Handle) stopStreaming() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev != nil {
		h.dev.Stop()
	}
}

// String returns the driver's description of the device
func (h *Handle) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev == nil {
		return h.info.Name
	}
	return h.dev.String()
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev == nil {
		return nil
	}
	h.dev.Close()
	h.dev = nil
	return nil
}
