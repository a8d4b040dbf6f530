//go:build !limesdr

// This file is compiled when the "limesdr" build tag is NOT specified

package lime

import (
	"errors"
	"fmt"

	"lime-streamer/internal/radio"
)

// ErrNotCompiled is returned when the binary was built without LimeSuite
var ErrNotCompiled = errors.New("LimeSDR support not compiled in (build with -tags limesdr)")

// Handle is never returned without the limesdr build tag
type Handle struct {
	radio.Handle
}

// Info is only meaningful with the limesdr build tag
func (h *Handle) Info() DeviceInfo {
	return DeviceInfo{}
}

// ListDevices reports that no driver is available
func ListDevices() ([]DeviceInfo, error) {
	return nil, ErrNotCompiled
}

// Open reports that no driver is available
func Open(opts Options) (*Handle, error) {
	return nil, fmt.Errorf("open LimeSDR %d: %w", opts.DeviceIndex, ErrNotCompiled)
}
