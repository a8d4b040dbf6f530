// Package orchestrator runs the streaming workflows on one device:
// continuous noise transmission, capture followed by on-demand replay, and
// square wave transmission with the received waveform sent to a visualizer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"lime-streamer/internal/config"
	"lime-streamer/internal/gps"
	"lime-streamer/internal/iq"
	"lime-streamer/internal/monitor"
	"lime-streamer/internal/radio"
	"lime-streamer/internal/stream"
	"lime-streamer/internal/viz"
)

// State is the workflow state of the orchestrator
type State int

const (
	Idle State = iota
	Configuring
	Streaming
	Draining
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TransmitReport summarizes a ContinuousTransmit run
type TransmitReport struct {
	Iterations int           // send calls completed
	Samples    uint64        // samples accepted by the transport
	Timeouts   int           // sends that expired before the whole buffer was queued
	Duration   time.Duration // time spent streaming
	Stopped    bool          // ended by Stop or context cancellation
}

// CaptureReport summarizes a BeginCapture run
type CaptureReport struct {
	Samples       int             // samples written to the recording
	Exceeded      int             // samples whose magnitude was above the threshold
	IdleTransfers int             // receive calls that returned no samples
	Window        monitor.Summary // magnitudes held by the window at the end
	Metadata      iq.Metadata
	Duration      time.Duration
}

// ObserveReport summarizes a TransmitObserve run
type ObserveReport struct {
	Rounds   int    // transmit/receive rounds completed
	Sent     uint64 // samples sent
	Received uint64 // samples received and visualized
	Stopped  bool   // ended by Stop or context cancellation
}

// Orchestrator drives sessions on a device. Workflows are not reentrant:
// one runs at a time, from one goroutine. Stop may be called from any
// goroutine.
type Orchestrator struct {
	config  *config.Config
	dev     *radio.Device
	viz     viz.Visualizer
	locator gps.Locator

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	// held between BeginCapture and Finish
	rx, tx    *stream.Session
	channels  []radio.ChannelConfig
	recording *iq.Recording
	window    *monitor.Window
}

// New creates an orchestrator for dev. Waveforms go to the log until a
// visualizer is set.
func New(dev *radio.Device, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		config: cfg,
		dev:    dev,
		viz:    viz.LogVisualizer{},
	}
}

// SetVisualizer replaces the waveform sink
func (o *Orchestrator) SetVisualizer(v viz.Visualizer) {
	if v == nil {
		v = viz.Nop{}
	}
	o.viz = v
}

// SetLocator sets the position source used to geotag captures
func (o *Orchestrator) SetLocator(l gps.Locator) {
	o.locator = l
}

// State returns the current workflow state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

// Recording returns the last completed capture, or nil
func (o *Orchestrator) Recording() *iq.Recording {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recording
}

// Stop asks the running workflow to end at its next iteration boundary
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// begin moves Idle or Faulted to Configuring and returns the workflow
// context
func (o *Orchestrator) begin(ctx context.Context, workflow string) (context.Context, context.CancelFunc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Idle && o.state != Faulted {
		return nil, nil, fmt.Errorf("%w: cannot start %s while %s", radio.ErrIllegalState, workflow, o.state)
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.state = Configuring
	return ctx, cancel, nil
}

func (o *Orchestrator) sessionParams(dir radio.Direction, capacity int) stream.Params {
	return stream.Params{
		Direction:       dir,
		Channel:         o.config.Radio.Channel,
		BufferCapacity:  capacity,
		QueueDepthBytes: o.config.Stream.QueueDepthBytes,
		LatencyBias:     o.config.Stream.LatencyBias,
	}
}

func (o *Orchestrator) channel(dir radio.Direction, rate, freq, gain float64) radio.ChannelConfig {
	return radio.ChannelConfig{
		Direction:       dir,
		Channel:         o.config.Radio.Channel,
		SampleRate:      rate,
		CenterFrequency: freq,
		NormalizedGain:  gain,
	}
}

// enable applies and enables channels in one configuration pass
func (o *Orchestrator) enable(channels []radio.ChannelConfig) error {
	return o.dev.Configure(func(c *radio.Configurator) error {
		for _, ch := range channels {
			if err := c.Apply(ch); err != nil {
				return err
			}
			if err := c.Enable(ch.Direction, ch.Channel); err != nil {
				return err
			}
			log.Printf("[DEBUG] %s channel %d enabled at %.0f Hz, %.0f S/s, gain %.2f",
				ch.Direction, ch.Channel, ch.CenterFrequency, ch.SampleRate, ch.NormalizedGain)
		}
		return nil
	})
}

// openSession configures a session on an enabled channel. The session is
// returned even on failure so teardown sees every session it created.
func (o *Orchestrator) openSession(dir radio.Direction, capacity int) (*stream.Session, error) {
	s := stream.New(o.dev)
	if err := s.Configure(o.sessionParams(dir, capacity)); err != nil {
		return s, fmt.Errorf("failed to configure %s session: %w", dir, err)
	}
	return s, nil
}

// teardown stops and destroys every session once and disables the
// channels. Failures are collected, not short-circuited.
func (o *Orchestrator) teardown(sessions []*stream.Session, channels []radio.ChannelConfig) error {
	var errs []error
	for _, s := range sessions {
		if s == nil {
			continue
		}
		switch s.State() {
		case stream.Configured, stream.Active:
			if err := s.Stop(); err != nil {
				errs = append(errs, err)
				continue
			}
		case stream.Stopped:
		default:
			continue
		}
		if err := s.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(channels) > 0 {
		err := o.dev.Configure(func(c *radio.Configurator) error {
			var errs []error
			for _, ch := range channels {
				if err := c.Disable(ch.Direction, ch.Channel); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to disable channels: %w", err))
		}
	}
	return errors.Join(errs...)
}

// fault tears everything down and leaves the orchestrator Faulted
func (o *Orchestrator) fault(cause error, sessions []*stream.Session, channels []radio.ChannelConfig) error {
	o.setState(Draining)
	if err := o.teardown(sessions, channels); err != nil {
		log.Printf("[WARN] teardown after failure: %v", err)
		cause = errors.Join(cause, err)
	}
	o.setState(Faulted)
	log.Printf("[ERROR] %v", cause)
	return cause
}

// finish tears down after a successful or stopped run and returns to Idle
func (o *Orchestrator) finish(sessions []*stream.Session, channels []radio.ChannelConfig) error {
	o.setState(Draining)
	if err := o.teardown(sessions, channels); err != nil {
		o.setState(Faulted)
		return fmt.Errorf("teardown failed: %w", err)
	}
	o.setState(Idle)
	return nil
}

// pause sleeps for d unless ctx ends first
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func noiseSource(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// ContinuousTransmit sends a noise buffer repeatedly on the TX channel.
// With Iterations at 0 it runs until ctx ends or Stop is called.
func (o *Orchestrator) ContinuousTransmit(ctx context.Context) (TransmitReport, error) {
	var report TransmitReport
	cfg := o.config.Transmit

	ctx, cancel, err := o.begin(ctx, "transmission")
	if err != nil {
		return report, err
	}
	defer cancel()

	channels := []radio.ChannelConfig{o.channel(radio.TX, cfg.SampleRate, cfg.Frequency, cfg.Gain)}
	if err := o.enable(channels); err != nil {
		return report, o.fault(fmt.Errorf("failed to configure TX channel: %w", err), nil, channels)
	}
	tx, err := o.openSession(radio.TX, cfg.BufferSize)
	if err != nil {
		return report, o.fault(err, []*stream.Session{tx}, channels)
	}
	sessions := []*stream.Session{tx}
	if err := tx.Start(); err != nil {
		return report, o.fault(fmt.Errorf("failed to start TX session: %w", err), sessions, channels)
	}
	o.setState(Streaming)

	buf := iq.NewBuffer(cfg.BufferSize)
	iq.GenerateNoise(buf.Samples(), noiseSource(cfg.Seed))

	log.Printf("[INFO] transmitting noise at %.0f Hz, %.0f S/s", cfg.Frequency, cfg.SampleRate)
	start := time.Now()
	for cfg.Iterations == 0 || report.Iterations < cfg.Iterations {
		if ctx.Err() != nil {
			report.Stopped = true
			break
		}
		n, err := tx.Send(buf.Samples(), o.config.Stream.TransferTimeout)
		if err != nil {
			report.Duration = time.Since(start)
			return report, o.fault(fmt.Errorf("transmission failed after %d sends: %w", report.Iterations, err), sessions, channels)
		}
		report.Iterations++
		report.Samples += uint64(n)
		if n < buf.Len() {
			report.Timeouts++
			log.Printf("[WARN] send %d timed out after %d of %d samples", report.Iterations, n, buf.Len())
		}
		if !pause(ctx, cfg.Interval) {
			report.Stopped = true
			break
		}
	}
	report.Duration = time.Since(start)

	log.Printf("[INFO] transmission complete: %d sends, %d samples in %v", report.Iterations, report.Samples, report.Duration.Round(time.Millisecond))
	return report, o.finish(sessions, channels)
}

// BeginCapture records Duration worth of samples on the RX channel while
// tracking their magnitudes. Both the RX and TX sessions are created up
// front; TX stays configured for BeginReplay until Finish.
func (o *Orchestrator) BeginCapture(ctx context.Context) (CaptureReport, error) {
	var report CaptureReport
	cfg := o.config.Capture

	ctx, cancel, err := o.begin(ctx, "capture")
	if err != nil {
		return report, err
	}
	defer cancel()

	recording, err := iq.NewRecording(cfg.Duration, cfg.SampleRate)
	if err != nil {
		o.setState(Faulted)
		return report, fmt.Errorf("%w: %v", radio.ErrConfiguration, err)
	}

	channels := []radio.ChannelConfig{
		o.channel(radio.RX, cfg.SampleRate, cfg.Frequency, cfg.RXGain),
		o.channel(radio.TX, cfg.SampleRate, cfg.Frequency, cfg.TXGain),
	}
	if err := o.enable(channels); err != nil {
		return report, o.fault(fmt.Errorf("failed to configure channels: %w", err), nil, channels)
	}
	rx, err := o.openSession(radio.RX, cfg.ChunkSize)
	if err != nil {
		return report, o.fault(err, []*stream.Session{rx}, channels)
	}
	tx, err := o.openSession(radio.TX, cfg.ReplayChunkSize)
	sessions := []*stream.Session{rx, tx}
	if err != nil {
		return report, o.fault(err, sessions, channels)
	}
	if err := rx.Start(); err != nil {
		return report, o.fault(fmt.Errorf("failed to start RX session: %w", err), sessions, channels)
	}
	o.setState(Streaming)

	recording.Metadata = iq.Metadata{
		StartTime:       time.Now(),
		SampleRate:      cfg.SampleRate,
		CenterFrequency: cfg.Frequency,
		Position:        o.position(),
	}
	window := monitor.NewWindow(cfg.WindowSize)
	threshold := float32(cfg.Threshold)

	log.Printf("[INFO] recording %d samples (%v at %.0f S/s)", recording.Cap(), cfg.Duration, cfg.SampleRate)
	idle := 0
	for !recording.Full() {
		if ctx.Err() != nil {
			o.setState(Draining)
			if err := o.teardown(sessions, channels); err != nil {
				log.Printf("[WARN] teardown after cancelled capture: %v", err)
			}
			o.setState(Idle)
			return report, fmt.Errorf("capture cancelled after %d samples: %w", recording.Filled(), ctx.Err())
		}

		chunk := recording.Next(cfg.ChunkSize)
		n, err := rx.Receive(chunk, o.config.Stream.TransferTimeout)
		if err != nil {
			return report, o.fault(fmt.Errorf("capture failed after %d samples: %w", recording.Filled(), err), sessions, channels)
		}
		if n == 0 {
			report.IdleTransfers++
			idle++
			log.Printf("[WARN] receive returned no samples (%d in a row)", idle)
			if cfg.MaxIdleTransfers > 0 && idle >= cfg.MaxIdleTransfers {
				return report, o.fault(fmt.Errorf("%w: no samples received in %d consecutive transfers", radio.ErrTransfer, idle), sessions, channels)
			}
			continue
		}
		idle = 0

		exceeded := 0
		var peak float32
		for _, s := range chunk[:n] {
			m := iq.Magnitude(s)
			window.Push(m)
			if monitor.Exceeds(m, threshold) {
				exceeded++
				if m > peak {
					peak = m
				}
			}
		}
		if exceeded > 0 {
			report.Exceeded += exceeded
			log.Printf("[INFO] %d samples above %.2f at offset %d (peak %.3f)", exceeded, cfg.Threshold, recording.Filled(), peak)
		}
		if err := recording.Advance(n); err != nil {
			return report, o.fault(fmt.Errorf("%w: %v", radio.ErrTransfer, err), sessions, channels)
		}
	}

	o.setState(Draining)
	if err := rx.Stop(); err != nil {
		return report, o.fault(err, sessions, channels)
	}
	o.setState(Streaming)

	report.Samples = recording.Filled()
	report.Window = window.Summary()
	report.Metadata = recording.Metadata
	report.Duration = time.Since(recording.Metadata.StartTime)

	o.mu.Lock()
	o.rx, o.tx = rx, tx
	o.channels = channels
	o.recording = recording
	o.window = window
	o.mu.Unlock()

	log.Printf("[INFO] recording complete: %d samples, %d above threshold, window mean %.4f max %.4f",
		report.Samples, report.Exceeded, report.Window.Mean, report.Window.Max)
	return report, nil
}

// position returns the current fix, if a locator has one
func (o *Orchestrator) position() *iq.Position {
	if o.locator == nil || !o.locator.IsFixValid() {
		return nil
	}
	pos, err := o.locator.GetCurrentPosition()
	if err != nil {
		log.Printf("[WARN] no position for capture: %v", err)
		return nil
	}
	return &iq.Position{
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
		Altitude:  pos.Altitude,
		Timestamp: pos.Timestamp,
	}
}

// Window returns the magnitude window of the last capture, or nil
func (o *Orchestrator) Window() *monitor.Window {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.window
}

// BeginReplay transmits the captured recording once and returns how many
// samples were sent. The TX session starts on the first replay and stays
// active until Finish, so replay may be repeated.
func (o *Orchestrator) BeginReplay(ctx context.Context) (int, error) {
	o.mu.Lock()
	state, tx, recording := o.state, o.tx, o.recording
	sessions := []*stream.Session{o.rx, o.tx}
	channels := o.channels
	o.mu.Unlock()

	if state != Streaming || tx == nil || recording == nil || !recording.Full() {
		return 0, fmt.Errorf("%w: replay requires a completed capture", radio.ErrIllegalState)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if tx.State() == stream.Configured {
		if err := tx.Start(); err != nil {
			o.release()
			return 0, o.fault(fmt.Errorf("failed to start TX session: %w", err), sessions, channels)
		}
	}

	n, err := tx.Send(recording.Samples(), o.config.Capture.ReplayTimeout)
	if err != nil {
		o.release()
		return n, o.fault(fmt.Errorf("replay failed after %d samples: %w", n, err), sessions, channels)
	}
	if n < recording.Filled() {
		log.Printf("[WARN] replay timed out after %d of %d samples", n, recording.Filled())
	}
	log.Printf("[INFO] replayed %d samples", n)
	return n, nil
}

// release forgets the sessions held for replay
func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rx, o.tx, o.channels = nil, nil, nil
}

// Finish ends a capture: both sessions are stopped and destroyed and the
// channels disabled. It is a no-op when nothing is held.
func (o *Orchestrator) Finish() error {
	o.mu.Lock()
	sessions := []*stream.Session{o.rx, o.tx}
	channels := o.channels
	held := o.rx != nil || o.tx != nil
	o.mu.Unlock()

	if !held {
		return nil
	}
	o.release()
	return o.finish(sessions, channels)
}

// TransmitObserve sends a square wave and receives after each send,
// passing the received waveform to the visualizer. With Iterations at 0
// it runs until ctx ends or Stop is called.
func (o *Orchestrator) TransmitObserve(ctx context.Context) (ObserveReport, error) {
	var report ObserveReport
	cfg := o.config.Observe

	ctx, cancel, err := o.begin(ctx, "observation")
	if err != nil {
		return report, err
	}
	defer cancel()

	channels := []radio.ChannelConfig{
		o.channel(radio.TX, cfg.SampleRate, cfg.Frequency, cfg.TXGain),
		o.channel(radio.RX, cfg.SampleRate, cfg.Frequency, cfg.RXGain),
	}
	if err := o.enable(channels); err != nil {
		return report, o.fault(fmt.Errorf("failed to configure channels: %w", err), nil, channels)
	}
	tx, err := o.openSession(radio.TX, cfg.BufferSize)
	if err != nil {
		return report, o.fault(err, []*stream.Session{tx}, channels)
	}
	rx, err := o.openSession(radio.RX, cfg.BufferSize)
	sessions := []*stream.Session{tx, rx}
	if err != nil {
		return report, o.fault(err, sessions, channels)
	}
	for _, s := range sessions {
		if err := s.Start(); err != nil {
			return report, o.fault(fmt.Errorf("failed to start %s session: %w", s.Params().Direction, err), sessions, channels)
		}
	}
	o.setState(Streaming)

	txBuf := iq.NewBuffer(cfg.BufferSize)
	iq.GenerateSquareWave(txBuf.Samples(), cfg.Period)
	rxBuf := iq.NewBuffer(cfg.BufferSize)

	log.Printf("[INFO] transmitting square wave at %.0f Hz", cfg.Frequency)
	for cfg.Iterations == 0 || report.Rounds < cfg.Iterations {
		if ctx.Err() != nil {
			report.Stopped = true
			break
		}
		sent, err := tx.Send(txBuf.Samples(), o.config.Stream.TransferTimeout)
		if err != nil {
			return report, o.fault(fmt.Errorf("round %d send failed: %w", report.Rounds+1, err), sessions, channels)
		}
		received, err := rx.Receive(rxBuf.Samples(), o.config.Stream.TransferTimeout)
		if err != nil {
			return report, o.fault(fmt.Errorf("round %d receive failed: %w", report.Rounds+1, err), sessions, channels)
		}
		report.Rounds++
		report.Sent += uint64(sent)
		report.Received += uint64(received)

		o.viz.Log(cfg.SeriesName, viz.Points(rxBuf.Slice(0, received)))

		if !pause(ctx, cfg.Interval) {
			report.Stopped = true
			break
		}
	}

	log.Printf("[INFO] observation complete: %d rounds, %d samples received", report.Rounds, report.Received)
	return report, o.finish(sessions, channels)
}

// Close releases anything a capture still holds and the position source
func (o *Orchestrator) Close() error {
	var errs []error
	if err := o.Finish(); err != nil {
		errs = append(errs, err)
	}
	if o.locator != nil {
		if err := o.locator.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close GPS: %w", err))
		}
	}
	return errors.Join(errs...)
}
