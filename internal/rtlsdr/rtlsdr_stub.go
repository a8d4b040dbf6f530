//go:build !rtlsdr

// This file is compiled when the "rtlsdr" build tag is NOT specified

package rtlsdr

import (
	"fmt"
	"sync"
	"time"
)

// stubPattern is the raw byte written for both I and Q; it decodes to
// roughly 0.1+0.1i
const stubPattern = 140

// Typical RTL-SDR gains in tenths of dB
var stubGains = []int{0, 9, 14, 27, 37, 77, 87, 125, 144, 157, 166, 197, 207, 229, 254, 280, 297, 328, 338, 364, 372, 386, 402, 421, 434, 439, 445, 480, 496}

var stubDevices = []DeviceInfo{
	{
		Index:        0,
		Name:         "RTL-SDR Stub Device #0",
		Manufacturer: "Stub Corp",
		Product:      "RTL-SDR Stub",
		SerialNumber: "00000001",
	},
	{
		Index:        1,
		Name:         "RTL-SDR Stub Device #1",
		Manufacturer: "Stub Corp",
		Product:      "RTL-SDR Stub",
		SerialNumber: "00000002",
	},
}

// stubDongle simulates a dongle without hardware access
type stubDongle struct {
	mu         sync.Mutex
	sampleRate int
	frequency  int
	gain       int
	manual     bool
	closed     bool
}

func openDongle(opts Options) (dongle, DeviceInfo, error) {
	if opts.SerialNumber != "" {
		for _, d := range stubDevices {
			if d.SerialNumber == opts.SerialNumber {
				return &stubDongle{}, d, nil
			}
		}
		return nil, DeviceInfo{}, fmt.Errorf("no RTL-SDR device found with serial number: %s", opts.SerialNumber)
	}
	if opts.DeviceIndex < 0 || opts.DeviceIndex >= len(stubDevices) {
		return nil, DeviceInfo{}, fmt.Errorf("device index %d out of range (found %d devices)", opts.DeviceIndex, len(stubDevices))
	}
	return &stubDongle{}, stubDevices[opts.DeviceIndex], nil
}

// ListDevices returns stub device information for testing
func ListDevices() ([]DeviceInfo, error) {
	return append([]DeviceInfo(nil), stubDevices...), nil
}

func (d *stubDongle) SetCenterFreq(freq int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frequency = freq
	return nil
}

// SetSampleRate only accepts the rates real hardware accepts
func (d *stubDongle) SetSampleRate(rate int) error {
	for _, valid := range validRates {
		if uint32(rate) == valid {
			d.mu.Lock()
			d.sampleRate = rate
			d.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("sample rate %d Hz not supported", rate)
}

func (d *stubDongle) SetTunerGainMode(manualMode bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manual = manualMode
	return nil
}

func (d *stubDongle) SetTunerGain(gain int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gain = gain
	return nil
}

func (d *stubDongle) GetTunerGains() ([]int, error) {
	return stubGains, nil
}

func (d *stubDongle) ResetBuffer() error {
	return nil
}

// ReadSync fills buf with the test pattern after the time the hardware
// would take to deliver it
func (d *stubDongle) ReadSync(buf []uint8, leng int) (int, error) {
	d.mu.Lock()
	rate, closed := d.sampleRate, d.closed
	d.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("device closed")
	}
	if leng > len(buf) {
		leng = len(buf)
	}
	if rate > 0 {
		time.Sleep(time.Duration(float64(leng/2) / float64(rate) * float64(time.Second)))
	}
	for i := 0; i < leng; i++ {
		buf[i] = stubPattern
	}
	return leng, nil
}

func (d *stubDongle) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
