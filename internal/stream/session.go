// Package stream implements the lifecycle of one direction of sample flow
// over a radio channel: configure, start, transfer, stop and destroy.
package stream

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"lime-streamer/internal/radio"
)

// State is the lifecycle state of a Session
type State int

const (
	Unconfigured State = iota
	Configured
	Active
	Stopped
	Destroyed
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Params configures a session
type Params struct {
	Direction       radio.Direction
	Channel         int
	BufferCapacity  int     // samples per transport request
	QueueDepthBytes int     // driver FIFO size
	LatencyBias     float64 // 0 latency .. 1 throughput
}

func (p Params) validate() error {
	if p.BufferCapacity <= 0 {
		return fmt.Errorf("%w: buffer capacity must be positive, got %d", radio.ErrConfiguration, p.BufferCapacity)
	}
	if p.QueueDepthBytes <= 0 {
		return fmt.Errorf("%w: queue depth must be positive, got %d bytes", radio.ErrConfiguration, p.QueueDepthBytes)
	}
	if p.LatencyBias < 0 || p.LatencyBias > 1 {
		return fmt.Errorf("%w: latency bias must be within [0,1], got %g", radio.ErrConfiguration, p.LatencyBias)
	}
	return nil
}

// Error attaches the session context to a failure
type Error struct {
	Op        string
	Direction radio.Direction
	Channel   int
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s session (channel %d) %s: %v", e.Direction, e.Channel, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Session owns one direction of data flow on a channel. Methods are meant
// to be driven from a single control goroutine; State and Delivered may be
// read from any goroutine.
type Session struct {
	dev       *radio.Device
	params    Params
	transport radio.Transport

	mu        sync.Mutex
	state     State
	delivered atomic.Uint64
}

// New creates an unconfigured session on dev
func New(dev *radio.Device) *Session {
	return &Session{dev: dev}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Params returns the parameters given to Configure
func (s *Session) Params() Params {
	return s.params
}

// Delivered returns the monotonic count of samples moved by this session
func (s *Session) Delivered() uint64 {
	return s.delivered.Load()
}

func (s *Session) fail(op string, err error) error {
	return &Error{Op: op, Direction: s.params.Direction, Channel: s.params.Channel, Err: err}
}

// Configure binds the session to an enabled channel and sets up its
// transport. It is only valid from Unconfigured.
func (s *Session) Configure(p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Unconfigured {
		return &Error{Op: "configure", Direction: p.Direction, Channel: p.Channel,
			Err: fmt.Errorf("%w: session is %s", radio.ErrIllegalState, s.state)}
	}
	s.params = p
	if err := p.validate(); err != nil {
		return s.fail("configure", err)
	}
	if err := s.dev.Claim(p.Direction, p.Channel); err != nil {
		return s.fail("configure", err)
	}

	transport := s.dev.Handle().NewTransport()
	if err := transport.Setup(radio.StreamParams{
		Direction:       p.Direction,
		Channel:         p.Channel,
		BufferCapacity:  p.BufferCapacity,
		QueueDepthBytes: p.QueueDepthBytes,
		LatencyBias:     p.LatencyBias,
	}); err != nil {
		s.dev.Release(p.Direction, p.Channel)
		if !errors.Is(err, radio.ErrConfiguration) {
			err = fmt.Errorf("%w: transport setup failed: %v", radio.ErrConfiguration, err)
		}
		return s.fail("configure", err)
	}

	s.transport = transport
	s.state = Configured
	return nil
}

// Start moves a configured session to Active
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Configured {
		return s.fail("start", fmt.Errorf("%w: session is %s, not configured", radio.ErrStart, s.state))
	}
	if err := s.dev.Activate(s.params.Direction, s.params.Channel); err != nil {
		return s.fail("start", err)
	}
	if err := s.transport.Start(); err != nil {
		s.dev.Deactivate(s.params.Direction, s.params.Channel)
		if !errors.Is(err, radio.ErrStart) {
			err = fmt.Errorf("%w: %v", radio.ErrStart, err)
		}
		return s.fail("start", err)
	}
	s.state = Active
	return nil
}

// Transfer moves samples between buf and the transport: a TX session
// submits buf, an RX session fills it. Requests are issued in chunks of at
// most BufferCapacity samples and the whole call is bounded by timeout. A
// call that times out without progress returns (0, nil). RX returns early
// once the transport delivers a short chunk.
func (s *Session) Transfer(buf []complex64, timeout time.Duration) (int, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != Active {
		return 0, s.fail("transfer", fmt.Errorf("%w: %w: session is %s", radio.ErrTransfer, radio.ErrIllegalState, state))
	}

	deadline := time.Now().Add(timeout)
	total := 0
	for total < len(buf) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		end := total + s.params.BufferCapacity
		if end > len(buf) {
			end = len(buf)
		}
		chunk := buf[total:end]

		var (
			n   int
			err error
		)
		if s.params.Direction == radio.TX {
			n, err = s.transport.Send(chunk, remaining)
		} else {
			n, err = s.transport.Receive(chunk, remaining)
		}
		if n > 0 {
			total += n
			s.delivered.Add(uint64(n))
		}
		if err != nil {
			if errors.Is(err, radio.ErrTimeout) {
				break
			}
			if !errors.Is(err, radio.ErrTransfer) {
				err = fmt.Errorf("%w: %v", radio.ErrTransfer, err)
			}
			return total, s.fail("transfer", err)
		}
		if n < len(chunk) && s.params.Direction == radio.RX {
			break
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// Send is Transfer restricted to TX sessions
func (s *Session) Send(buf []complex64, timeout time.Duration) (int, error) {
	if s.params.Direction != radio.TX {
		return 0, s.fail("send", fmt.Errorf("%w: direction mismatch", radio.ErrTransfer))
	}
	return s.Transfer(buf, timeout)
}

// Receive is Transfer restricted to RX sessions
func (s *Session) Receive(buf []complex64, timeout time.Duration) (int, error) {
	if s.params.Direction != radio.RX {
		return 0, s.fail("receive", fmt.Errorf("%w: direction mismatch", radio.ErrTransfer))
	}
	return s.Transfer(buf, timeout)
}

// Stop halts streaming. It always succeeds from Active or Configured, even
// when the transport has faulted, and is a no-op once Stopped.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Stopped:
		return nil
	case Active:
		if err := s.transport.Stop(); err != nil {
			log.Printf("[WARN] %s channel %d transport stop: %v", s.params.Direction, s.params.Channel, err)
		}
		s.dev.Deactivate(s.params.Direction, s.params.Channel)
	case Configured:
	default:
		return s.fail("stop", fmt.Errorf("%w: session is %s", radio.ErrIllegalState, s.state))
	}
	s.state = Stopped
	return nil
}

// Destroy releases the transport and the channel slot. It is only valid
// from Stopped, so it succeeds exactly once.
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Stopped {
		return s.fail("destroy", fmt.Errorf("%w: session is %s", radio.ErrIllegalState, s.state))
	}
	err := s.transport.Destroy()
	s.dev.Release(s.params.Direction, s.params.Channel)
	s.transport = nil
	s.state = Destroyed
	if err != nil {
		return s.fail("destroy", err)
	}
	return nil
}
