// Package backend opens the radio named in the configuration and lists the
// devices each backend can see.
package backend

import (
	"fmt"

	"lime-streamer/internal/config"
	"lime-streamer/internal/lime"
	"lime-streamer/internal/radio"
	"lime-streamer/internal/rtlsdr"
	"lime-streamer/internal/sim"
)

// Names lists the supported backends
var Names = []string{"lime", "rtlsdr", "sim"}

// Listing is one device found by a backend
type Listing struct {
	Backend      string
	Index        int
	Name         string
	SerialNumber string
	Detail       string
}

// Open opens the configured radio and wraps it in a device context
func Open(cfg config.RadioConfig) (*radio.Device, error) {
	var (
		h   radio.Handle
		err error
	)
	switch cfg.Backend {
	case "lime":
		var lh *lime.Handle
		lh, err = lime.Open(lime.Options{
			DeviceIndex:  cfg.DeviceIndex,
			SerialNumber: cfg.SerialNumber,
			Oversample:   cfg.Oversample,
		})
		if err == nil {
			h = lh
		}
	case "rtlsdr":
		var rh *rtlsdr.Handle
		rh, err = rtlsdr.Open(rtlsdr.Options{
			DeviceIndex:  cfg.DeviceIndex,
			SerialNumber: cfg.SerialNumber,
		})
		if err == nil {
			h = rh
		}
	case "sim":
		var sh *sim.Handle
		sh, err = sim.Open(sim.DefaultOptions())
		if err == nil {
			h = sh
		}
	default:
		return nil, fmt.Errorf("%w: unknown radio backend %q", radio.ErrConfiguration, cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s radio: %w", cfg.Backend, err)
	}
	return radio.NewDevice(h), nil
}

// List returns the devices visible to one backend
func List(name string) ([]Listing, error) {
	switch name {
	case "lime":
		devices, err := lime.ListDevices()
		if err != nil {
			return nil, err
		}
		out := make([]Listing, 0, len(devices))
		for _, d := range devices {
			out = append(out, Listing{Backend: name, Index: d.Index, Name: d.Name, SerialNumber: d.SerialNumber, Detail: d.Address})
		}
		return out, nil
	case "rtlsdr":
		devices, err := rtlsdr.ListDevices()
		if err != nil {
			return nil, err
		}
		out := make([]Listing, 0, len(devices))
		for _, d := range devices {
			out = append(out, Listing{
				Backend:      name,
				Index:        d.Index,
				Name:         d.Name,
				SerialNumber: d.SerialNumber,
				Detail:       fmt.Sprintf("%s %s", d.Manufacturer, d.Product),
			})
		}
		return out, nil
	case "sim":
		opts := sim.DefaultOptions()
		return []Listing{{
			Backend:      name,
			Name:         "simulated transceiver",
			SerialNumber: "sim",
			Detail:       fmt.Sprintf("%d channels, TX loops back to RX", opts.Channels),
		}}, nil
	}
	return nil, fmt.Errorf("%w: unknown radio backend %q", radio.ErrConfiguration, name)
}
