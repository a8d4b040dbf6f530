// Package config provides configuration structures and defaults for lime-streamer
package config

import (
	"fmt"
	"time"

	"lime-streamer/internal/radio"
)

// Config represents the complete application configuration
type Config struct {
	Radio         RadioConfig         `yaml:"radio" mapstructure:"radio"`                 // device selection
	Stream        StreamConfig        `yaml:"stream" mapstructure:"stream"`               // transport settings shared by every session
	Transmit      TransmitConfig      `yaml:"transmit" mapstructure:"transmit"`           // continuous noise transmission (jam)
	Capture       CaptureConfig       `yaml:"capture" mapstructure:"capture"`             // record and replay
	Observe       ObserveConfig       `yaml:"observe" mapstructure:"observe"`             // square wave transmit/receive
	Visualization VisualizationConfig `yaml:"visualization" mapstructure:"visualization"` // waveform output
	GPS           GPSConfig           `yaml:"gps" mapstructure:"gps"`                     // capture geotagging
	Logging       LoggingConfig       `yaml:"logging" mapstructure:"logging"`             // logging configuration
}

// RadioConfig selects and opens the radio
type RadioConfig struct {
	Backend      string `yaml:"backend" mapstructure:"backend"`             // "lime", "rtlsdr" or "sim"
	DeviceIndex  int    `yaml:"device_index" mapstructure:"device_index"`   // device index (0-based, used if SerialNumber is empty)
	SerialNumber string `yaml:"serial_number" mapstructure:"serial_number"` // device serial number (preferred over device_index)
	Channel      int    `yaml:"channel" mapstructure:"channel"`             // channel index used by every workflow
	Oversample   int    `yaml:"oversample" mapstructure:"oversample"`       // RF oversampling ratio, 0 lets the driver choose
}

// StreamConfig contains the transport parameters of every session
type StreamConfig struct {
	QueueDepthBytes int           `yaml:"queue_depth_bytes" mapstructure:"queue_depth_bytes"` // driver FIFO size in bytes
	LatencyBias     float64       `yaml:"latency_bias" mapstructure:"latency_bias"`           // 0 favours latency, 1 favours throughput
	TransferTimeout time.Duration `yaml:"transfer_timeout" mapstructure:"transfer_timeout"`   // per-call transfer timeout
}

// TransmitConfig drives ContinuousTransmit
type TransmitConfig struct {
	Frequency  float64       `yaml:"frequency" mapstructure:"frequency"`     // TX LO frequency in Hz
	SampleRate float64       `yaml:"sample_rate" mapstructure:"sample_rate"` // sample rate in Hz
	Gain       float64       `yaml:"gain" mapstructure:"gain"`               // normalized TX gain 0..1
	BufferSize int           `yaml:"buffer_size" mapstructure:"buffer_size"` // samples per send
	Iterations int           `yaml:"iterations" mapstructure:"iterations"`   // sends to perform, 0 runs until stopped
	Interval   time.Duration `yaml:"interval" mapstructure:"interval"`       // pause between sends
	Seed       int64         `yaml:"seed" mapstructure:"seed"`               // noise seed, 0 seeds from the clock
}

// CaptureConfig drives BeginCapture and BeginReplay
type CaptureConfig struct {
	Frequency        float64       `yaml:"frequency" mapstructure:"frequency"`                   // TX and RX LO frequency in Hz
	SampleRate       float64       `yaml:"sample_rate" mapstructure:"sample_rate"`               // sample rate in Hz
	RXGain           float64       `yaml:"rx_gain" mapstructure:"rx_gain"`                       // normalized RX gain
	TXGain           float64       `yaml:"tx_gain" mapstructure:"tx_gain"`                       // normalized TX gain
	Duration         time.Duration `yaml:"duration" mapstructure:"duration"`                     // recording length
	ChunkSize        int           `yaml:"chunk_size" mapstructure:"chunk_size"`                 // samples per receive call
	WindowSize       int           `yaml:"window_size" mapstructure:"window_size"`               // magnitudes kept by the monitor
	Threshold        float64       `yaml:"threshold" mapstructure:"threshold"`                   // report magnitudes above this
	MaxIdleTransfers int           `yaml:"max_idle_transfers" mapstructure:"max_idle_transfers"` // consecutive empty receives tolerated, 0 is unbounded
	ReplayTimeout    time.Duration `yaml:"replay_timeout" mapstructure:"replay_timeout"`         // timeout of one replay transfer
	ReplayChunkSize  int           `yaml:"replay_chunk_size" mapstructure:"replay_chunk_size"`   // samples per replay send request
}

// ObserveConfig drives TransmitObserve
type ObserveConfig struct {
	Frequency  float64       `yaml:"frequency" mapstructure:"frequency"`     // TX and RX LO frequency in Hz
	SampleRate float64       `yaml:"sample_rate" mapstructure:"sample_rate"` // sample rate in Hz
	RXGain     float64       `yaml:"rx_gain" mapstructure:"rx_gain"`         // normalized RX gain
	TXGain     float64       `yaml:"tx_gain" mapstructure:"tx_gain"`         // normalized TX gain
	BufferSize int           `yaml:"buffer_size" mapstructure:"buffer_size"` // samples per send and receive
	Period     int           `yaml:"period" mapstructure:"period"`           // square wave period in samples
	Iterations int           `yaml:"iterations" mapstructure:"iterations"`   // transmit/receive rounds
	Interval   time.Duration `yaml:"interval" mapstructure:"interval"`       // pause between rounds
	SeriesName string        `yaml:"series_name" mapstructure:"series_name"` // name of the logged waveform
}

// VisualizationConfig selects where received waveforms go
type VisualizationConfig struct {
	Mode   string `yaml:"mode" mapstructure:"mode"`     // "log", "websocket" or "none"
	Listen string `yaml:"listen" mapstructure:"listen"` // websocket viewer address
}

// GPSConfig contains GPS receiver configuration parameters
type GPSConfig struct {
	Mode            string        `yaml:"mode" mapstructure:"mode"`                         // "none", "nmea", "gpsd" or "manual"
	Port            string        `yaml:"port" mapstructure:"port"`                         // serial port device path (for NMEA mode)
	BaudRate        int           `yaml:"baud_rate" mapstructure:"baud_rate"`               // serial baud rate (for NMEA mode)
	GPSDHost        string        `yaml:"gpsd_host" mapstructure:"gpsd_host"`               // gpsd host address (for gpsd mode)
	GPSDPort        string        `yaml:"gpsd_port" mapstructure:"gpsd_port"`               // gpsd port (for gpsd mode)
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`                   // timeout for fix acquisition
	ManualLatitude  float64       `yaml:"manual_latitude" mapstructure:"manual_latitude"`   // manual latitude in decimal degrees
	ManualLongitude float64       `yaml:"manual_longitude" mapstructure:"manual_longitude"` // manual longitude in decimal degrees
	ManualAltitude  float64       `yaml:"manual_altitude" mapstructure:"manual_altitude"`   // manual altitude in meters
}

// LoggingConfig contains logging configuration parameters
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"` // log level (debug, info, warn, error)
	File  string `yaml:"file" mapstructure:"file"`   // log file path, empty logs to stderr only
}

// DefaultConfig returns a configuration with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Radio: RadioConfig{
			Backend:     "lime",
			DeviceIndex: 0,
			Channel:     0,
			Oversample:  0,
		},
		Stream: StreamConfig{
			QueueDepthBytes: 1024 * 1024, // 1 MiB
			LatencyBias:     0.5,
			TransferTimeout: 1000 * time.Millisecond,
		},
		Transmit: TransmitConfig{
			Frequency:  2.44e9, // 2.44 GHz
			SampleRate: 10e6,   // 10 MSps
			Gain:       1.0,
			BufferSize: 1024,
			Iterations: 1000,
			Interval:   10 * time.Millisecond,
		},
		Capture: CaptureConfig{
			Frequency:       2.44e9,
			SampleRate:      2e6, // 2 MSps
			RXGain:          0.7,
			TXGain:          0.7,
			Duration:        3 * time.Second,
			ChunkSize:       100,
			WindowSize:      1000000,
			Threshold:       0.2,
			ReplayTimeout:   3000 * time.Millisecond,
			ReplayChunkSize: 1024,
		},
		Observe: ObserveConfig{
			Frequency:  433e6, // 433 MHz
			SampleRate: 2e6,
			RXGain:     0.7,
			TXGain:     0.7,
			BufferSize: 1024,
			Period:     32, // toggles every 16 samples
			Iterations: 100,
			Interval:   100 * time.Millisecond,
			SeriesName: "received_waveform",
		},
		Visualization: VisualizationConfig{
			Mode:   "log",
			Listen: "127.0.0.1:8088",
		},
		GPS: GPSConfig{
			Mode:     "none",
			Port:     "/dev/ttyUSB0",
			BaudRate: 9600,
			GPSDHost: "localhost",
			GPSDPort: "2947",
			Timeout:  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func checkGain(name string, g float64) error {
	if g < 0 || g > 1 {
		return fmt.Errorf("%w: %s must be within [0,1], got %g", radio.ErrConfiguration, name, g)
	}
	return nil
}

func checkPositive(name string, v float64) error {
	if v <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %g", radio.ErrConfiguration, name, v)
	}
	return nil
}

// Validate checks the settings every workflow relies on. Errors wrap
// radio.ErrConfiguration.
func (c *Config) Validate() error {
	switch c.Radio.Backend {
	case "lime", "rtlsdr", "sim":
	default:
		return fmt.Errorf("%w: invalid radio backend: %s (must be 'lime', 'rtlsdr', or 'sim')", radio.ErrConfiguration, c.Radio.Backend)
	}
	if c.Radio.Channel < 0 {
		return fmt.Errorf("%w: negative channel index %d", radio.ErrConfiguration, c.Radio.Channel)
	}

	if c.Stream.QueueDepthBytes <= 0 {
		return fmt.Errorf("%w: stream queue depth must be positive, got %d", radio.ErrConfiguration, c.Stream.QueueDepthBytes)
	}
	if c.Stream.LatencyBias < 0 || c.Stream.LatencyBias > 1 {
		return fmt.Errorf("%w: stream latency bias must be within [0,1], got %g", radio.ErrConfiguration, c.Stream.LatencyBias)
	}
	if c.Stream.TransferTimeout <= 0 {
		return fmt.Errorf("%w: stream transfer timeout must be positive, got %v", radio.ErrConfiguration, c.Stream.TransferTimeout)
	}

	checks := []error{
		checkPositive("transmit frequency", c.Transmit.Frequency),
		checkPositive("transmit sample rate", c.Transmit.SampleRate),
		checkPositive("transmit buffer size", float64(c.Transmit.BufferSize)),
		checkGain("transmit gain", c.Transmit.Gain),
		checkPositive("capture frequency", c.Capture.Frequency),
		checkPositive("capture sample rate", c.Capture.SampleRate),
		checkPositive("capture duration", c.Capture.Duration.Seconds()),
		checkPositive("capture chunk size", float64(c.Capture.ChunkSize)),
		checkPositive("capture window size", float64(c.Capture.WindowSize)),
		checkPositive("capture replay timeout", c.Capture.ReplayTimeout.Seconds()),
		checkPositive("capture replay chunk size", float64(c.Capture.ReplayChunkSize)),
		checkGain("capture rx gain", c.Capture.RXGain),
		checkGain("capture tx gain", c.Capture.TXGain),
		checkPositive("observe frequency", c.Observe.Frequency),
		checkPositive("observe sample rate", c.Observe.SampleRate),
		checkPositive("observe buffer size", float64(c.Observe.BufferSize)),
		checkGain("observe rx gain", c.Observe.RXGain),
		checkGain("observe tx gain", c.Observe.TXGain),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.Transmit.Iterations < 0 || c.Observe.Iterations < 0 {
		return fmt.Errorf("%w: iteration counts cannot be negative", radio.ErrConfiguration)
	}
	if c.Capture.MaxIdleTransfers < 0 {
		return fmt.Errorf("%w: max idle transfers cannot be negative", radio.ErrConfiguration)
	}

	switch c.Visualization.Mode {
	case "log", "websocket", "none":
	default:
		return fmt.Errorf("%w: invalid visualization mode: %s (must be 'log', 'websocket', or 'none')", radio.ErrConfiguration, c.Visualization.Mode)
	}

	switch c.GPS.Mode {
	case "none", "nmea", "gpsd", "manual":
	default:
		return fmt.Errorf("%w: invalid GPS mode: %s (must be 'none', 'nmea', 'gpsd', or 'manual')", radio.ErrConfiguration, c.GPS.Mode)
	}
	return nil
}
