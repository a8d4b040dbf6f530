// Package radio defines the radio control and transport contracts consumed by
// the streaming core, and the shared device context that serializes channel
// configuration against running sessions.
package radio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction selects the transmit or receive path of a channel
type Direction int

const (
	RX Direction = iota // receive path
	TX                  // transmit path
)

func (d Direction) String() string {
	switch d {
	case RX:
		return "RX"
	case TX:
		return "TX"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection converts "tx"/"rx" (any case) into a Direction
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rx":
		return RX, nil
	case "tx":
		return TX, nil
	}
	return 0, fmt.Errorf("%w: unknown direction %q", ErrConfiguration, s)
}

// Error taxonomy shared by the session manager and the backends.
var (
	// ErrConfiguration reports invalid or conflicting channel parameters.
	ErrConfiguration = errors.New("configuration error")
	// ErrStart reports a transport that could not be started.
	ErrStart = errors.New("start error")
	// ErrTransfer reports a transport-level failure distinct from a timeout.
	ErrTransfer = errors.New("transfer error")
	// ErrIllegalState reports an operation invoked in the wrong lifecycle state.
	ErrIllegalState = errors.New("illegal state")
	// ErrTimeout is returned by transports when a call made no progress
	// before its deadline. It is a valid outcome, not a failure.
	ErrTimeout = errors.New("timeout expired")
)

// Capabilities describes what a device handle can do
type Capabilities struct {
	Name     string // human readable device name
	TX       bool   // device has transmit paths
	RX       bool   // device has receive paths
	Channels int    // number of channels per direction
}

// Supports reports whether the device can stream in dir on channel
func (c Capabilities) Supports(dir Direction, channel int) bool {
	if channel < 0 || channel >= c.Channels {
		return false
	}
	switch dir {
	case TX:
		return c.TX
	case RX:
		return c.RX
	}
	return false
}

// Handle is an opened radio. Register-level programming stays behind it.
type Handle interface {
	Capabilities() Capabilities
	SetSampleRate(channel int, rate float64) error
	SetFrequency(dir Direction, channel int, hz float64) error
	SetGain(dir Direction, channel int, normalized float64) error
	EnableChannel(dir Direction, channel int, enabled bool) error
	// NewTransport returns an unconfigured stream transport bound to this handle.
	NewTransport() Transport
	Close() error
}

// StreamParams carries the per-stream transport settings
type StreamParams struct {
	Direction       Direction
	Channel         int
	BufferCapacity  int     // samples per transfer request
	QueueDepthBytes int     // driver FIFO size in bytes
	LatencyBias     float64 // 0 favours latency, 1 favours throughput
}

// BytesPerSample is the size of one complex64 sample on the wire.
const BytesPerSample = 8

// QueueSamples converts the FIFO size into samples
func (p StreamParams) QueueSamples() int {
	return p.QueueDepthBytes / BytesPerSample
}

// Transport moves blocks of samples across the device boundary. Every
// blocking call takes an explicit timeout and returns ErrTimeout when it made
// no progress before it expired.
type Transport interface {
	Setup(params StreamParams) error
	Start() error
	Send(samples []complex64, timeout time.Duration) (int, error)
	Receive(samples []complex64, timeout time.Duration) (int, error)
	Stop() error
	Destroy() error
}

// ChannelConfig is the immutable configuration applied to one channel
type ChannelConfig struct {
	Direction       Direction
	Channel         int
	SampleRate      float64 // Hz
	CenterFrequency float64 // Hz
	NormalizedGain  float64 // 0..1
}

// Validate checks the configuration ranges
func (c ChannelConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: %s sample rate must be positive, got %g", ErrConfiguration, c.Direction, c.SampleRate)
	}
	if c.CenterFrequency <= 0 {
		return fmt.Errorf("%w: %s center frequency must be positive, got %g", ErrConfiguration, c.Direction, c.CenterFrequency)
	}
	if c.NormalizedGain < 0 || c.NormalizedGain > 1 {
		return fmt.Errorf("%w: %s normalized gain must be within [0,1], got %g", ErrConfiguration, c.Direction, c.NormalizedGain)
	}
	if c.Channel < 0 {
		return fmt.Errorf("%w: negative channel index %d", ErrConfiguration, c.Channel)
	}
	return nil
}
