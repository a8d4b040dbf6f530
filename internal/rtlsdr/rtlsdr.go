//go:build rtlsdr

// This file is only compiled when the "rtlsdr" build tag is specified

package rtlsdr

import (
	"fmt"

	"github.com/jpoirier/gortlsdr"
)

// openDongle opens the device by serial number when one is given, by index
// otherwise
func openDongle(opts Options) (dongle, DeviceInfo, error) {
	// Check if any RTL-SDR devices are connected
	count := rtlsdr.GetDeviceCount()
	if count == 0 {
		return nil, DeviceInfo{}, fmt.Errorf("no RTL-SDR devices found")
	}

	index := opts.DeviceIndex
	if opts.SerialNumber != "" {
		found := -1
		for i := 0; i < count; i++ {
			_, _, serial, err := rtlsdr.GetDeviceUsbStrings(i)
			if err != nil {
				continue // Skip devices we can't query
			}
			if serial == opts.SerialNumber {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, DeviceInfo{}, fmt.Errorf("no RTL-SDR device found with serial number: %s", opts.SerialNumber)
		}
		index = found
	}

	// Validate device index is within range
	if index < 0 || index >= count {
		return nil, DeviceInfo{}, fmt.Errorf("device index %d out of range (found %d devices)", index, count)
	}

	dev, err := rtlsdr.Open(index)
	if err != nil {
		return nil, DeviceInfo{}, fmt.Errorf("failed to open RTL-SDR device %d: %w", index, err)
	}
	return dev, deviceInfo(index), nil
}

func deviceInfo(i int) DeviceInfo {
	manufacturer, product, serial, err := rtlsdr.GetDeviceUsbStrings(i)
	if err != nil {
		// If we can't get USB strings, use device name
		return DeviceInfo{
			Index:        i,
			Name:         rtlsdr.GetDeviceName(i),
			Manufacturer: "Unknown",
			Product:      "Unknown",
			SerialNumber: "Unknown",
		}
	}
	return DeviceInfo{
		Index:        i,
		Name:         rtlsdr.GetDeviceName(i),
		Manufacturer: manufacturer,
		Product:      product,
		SerialNumber: serial,
	}
}

// ListDevices returns information about all available RTL-SDR devices
func ListDevices() ([]DeviceInfo, error) {
	count := rtlsdr.GetDeviceCount()
	if count == 0 {
		return nil, fmt.Errorf("no RTL-SDR devices found")
	}
	devices := make([]DeviceInfo, 0, count)
	for i := 0; i < count; i++ {
		devices = append(devices, deviceInfo(i))
	}
	return devices, nil
}
