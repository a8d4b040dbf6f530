package radio

import (
	"errors"
	"fmt"
	"sync"
)

type slot struct {
	dir     Direction
	channel int
}

type channelState struct {
	cfg     ChannelConfig
	applied bool // configuration written to the handle
	enabled bool // channel enabled on the handle
	claimed bool // a live session owns this slot
	active  bool // the owning session is streaming
}

// Device is the shared context for one opened radio. Every session holds a
// reference to it; channel-level changes go through Configure, which refuses
// to run while any session on the device is Active.
type Device struct {
	mu          sync.Mutex
	handle      Handle
	caps        Capabilities
	channels    map[slot]*channelState
	configuring bool
	closed      bool
}

// NewDevice wraps an opened handle
func NewDevice(h Handle) *Device {
	return &Device{
		handle:   h,
		caps:     h.Capabilities(),
		channels: make(map[slot]*channelState),
	}
}

// Capabilities returns what the underlying handle supports
func (d *Device) Capabilities() Capabilities {
	return d.caps
}

// Handle returns the underlying radio handle
func (d *Device) Handle() Handle {
	return d.handle
}

func (d *Device) state(dir Direction, channel int) *channelState {
	key := slot{dir: dir, channel: channel}
	st, ok := d.channels[key]
	if !ok {
		st = &channelState{}
		d.channels[key] = st
	}
	return st
}

func (d *Device) activeSlots() []slot {
	var out []slot
	for key, st := range d.channels {
		if st.active {
			out = append(out, key)
		}
	}
	return out
}

// Configure runs fn with a Configurator that may apply, enable and disable
// channels. The Configurator is only valid for the duration of fn. Configure
// fails with ErrIllegalState while any session on the device is Active, and
// sessions cannot start until fn returns.
func (d *Device) Configure(fn func(*Configurator) error) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("%w: device is closed", ErrIllegalState)
	}
	if d.configuring {
		d.mu.Unlock()
		return fmt.Errorf("%w: device is already being configured", ErrIllegalState)
	}
	if active := d.activeSlots(); len(active) > 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: cannot reconfigure while %s channel %d is active",
			ErrIllegalState, active[0].dir, active[0].channel)
	}
	d.configuring = true
	d.mu.Unlock()

	c := &Configurator{dev: d}
	defer func() {
		c.dev = nil
		d.mu.Lock()
		d.configuring = false
		d.mu.Unlock()
	}()
	return fn(c)
}

// Configurator is the proof that no session is Active while channels change.
type Configurator struct {
	dev *Device
}

func (c *Configurator) device() (*Device, error) {
	if c == nil || c.dev == nil {
		return nil, fmt.Errorf("%w: configurator used outside Device.Configure", ErrIllegalState)
	}
	return c.dev, nil
}

// Apply programs sample rate, LO frequency and gain for one channel. The
// channel must be disabled; reapplying requires a Disable first.
func (c *Configurator) Apply(cfg ChannelConfig) error {
	d, err := c.device()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !d.caps.Supports(cfg.Direction, cfg.Channel) {
		return fmt.Errorf("%w: %s does not support %s channel %d",
			ErrConfiguration, d.caps.Name, cfg.Direction, cfg.Channel)
	}

	d.mu.Lock()
	st := d.state(cfg.Direction, cfg.Channel)
	enabled := st.enabled
	d.mu.Unlock()
	if enabled {
		return fmt.Errorf("%w: %s channel %d must be disabled before it is reconfigured",
			ErrIllegalState, cfg.Direction, cfg.Channel)
	}

	if err := d.handle.SetSampleRate(cfg.Channel, cfg.SampleRate); err != nil {
		return fmt.Errorf("%w: failed to set sample rate to %.0f Hz: %v", ErrConfiguration, cfg.SampleRate, err)
	}
	if err := d.handle.SetFrequency(cfg.Direction, cfg.Channel, cfg.CenterFrequency); err != nil {
		return fmt.Errorf("%w: failed to set %s frequency to %.0f Hz: %v", ErrConfiguration, cfg.Direction, cfg.CenterFrequency, err)
	}
	if err := d.handle.SetGain(cfg.Direction, cfg.Channel, cfg.NormalizedGain); err != nil {
		return fmt.Errorf("%w: failed to set %s gain to %.2f: %v", ErrConfiguration, cfg.Direction, cfg.NormalizedGain, err)
	}

	d.mu.Lock()
	st.cfg = cfg
	st.applied = true
	d.mu.Unlock()
	return nil
}

// Enable turns on a channel that has been applied
func (c *Configurator) Enable(dir Direction, channel int) error {
	d, err := c.device()
	if err != nil {
		return err
	}
	d.mu.Lock()
	st := d.state(dir, channel)
	applied, enabled := st.applied, st.enabled
	d.mu.Unlock()
	if !applied {
		return fmt.Errorf("%w: %s channel %d has no applied configuration", ErrConfiguration, dir, channel)
	}
	if enabled {
		return nil
	}
	if err := d.handle.EnableChannel(dir, channel, true); err != nil {
		return fmt.Errorf("%w: failed to enable %s channel %d: %v", ErrConfiguration, dir, channel, err)
	}
	d.mu.Lock()
	st.enabled = true
	d.mu.Unlock()
	return nil
}

// Disable turns a channel off and resets its configuration
func (c *Configurator) Disable(dir Direction, channel int) error {
	d, err := c.device()
	if err != nil {
		return err
	}
	d.mu.Lock()
	st := d.state(dir, channel)
	enabled := st.enabled
	d.mu.Unlock()
	if enabled {
		if err := d.handle.EnableChannel(dir, channel, false); err != nil {
			return fmt.Errorf("failed to disable %s channel %d: %w", dir, channel, err)
		}
	}
	d.mu.Lock()
	st.enabled = false
	st.applied = false
	st.cfg = ChannelConfig{}
	d.mu.Unlock()
	return nil
}

// ChannelConfig returns the configuration applied to a channel
func (d *Device) ChannelConfig(dir Direction, channel int) (ChannelConfig, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.channels[slot{dir: dir, channel: channel}]
	if !ok || !st.applied {
		return ChannelConfig{}, false
	}
	return st.cfg, true
}

// Enabled reports whether a channel is enabled
func (d *Device) Enabled(dir Direction, channel int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.channels[slot{dir: dir, channel: channel}]
	return ok && st.enabled
}

// Active reports whether a session is streaming on a channel
func (d *Device) Active(dir Direction, channel int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.channels[slot{dir: dir, channel: channel}]
	return ok && st.active
}

// Claim reserves a channel for a new session. Only one live session may
// own a (direction, channel) slot at a time.
func (d *Device) Claim(dir Direction, channel int) error {
	if !d.caps.Supports(dir, channel) {
		return fmt.Errorf("%w: %s does not support %s channel %d", ErrConfiguration, d.caps.Name, dir, channel)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%w: device is closed", ErrIllegalState)
	}
	st := d.state(dir, channel)
	if !st.enabled {
		return fmt.Errorf("%w: %s channel %d is not enabled", ErrConfiguration, dir, channel)
	}
	if st.claimed {
		return fmt.Errorf("%w: %s channel %d already has a live session", ErrIllegalState, dir, channel)
	}
	st.claimed = true
	return nil
}

// Release frees a slot previously claimed
func (d *Device) Release(dir Direction, channel int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(dir, channel)
	st.claimed = false
	st.active = false
}

// Activate marks a claimed slot as streaming. It fails while a
// configuration pass is running.
func (d *Device) Activate(dir Direction, channel int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.configuring {
		return fmt.Errorf("%w: device is being reconfigured", ErrStart)
	}
	st := d.state(dir, channel)
	if !st.claimed {
		return fmt.Errorf("%w: %s channel %d is not claimed", ErrIllegalState, dir, channel)
	}
	if !st.enabled {
		return fmt.Errorf("%w: %s channel %d is not enabled", ErrStart, dir, channel)
	}
	st.active = true
	return nil
}

// Deactivate clears the streaming mark of a slot
func (d *Device) Deactivate(dir Direction, channel int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state(dir, channel).active = false
}

// Close disables every enabled channel and closes the handle. It refuses
// to run while a session is Active.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	if active := d.activeSlots(); len(active) > 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s channel %d is still active", ErrIllegalState, active[0].dir, active[0].channel)
	}
	var enabled []slot
	for key, st := range d.channels {
		if st.enabled {
			enabled = append(enabled, key)
			st.enabled = false
			st.applied = false
		}
	}
	d.closed = true
	d.mu.Unlock()

	var errs []error
	for _, key := range enabled {
		if err := d.handle.EnableChannel(key.dir, key.channel, false); err != nil {
			errs = append(errs, fmt.Errorf("disable %s channel %d: %w", key.dir, key.channel, err))
		}
	}
	if err := d.handle.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", d.caps.Name, err))
	}
	return errors.Join(errs...)
}
