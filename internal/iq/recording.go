package iq

import (
	"fmt"
	"time"
)

// Position is the optional location attached to a capture
type Position struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
	Timestamp time.Time
}

// Metadata describes how a recording was captured
type Metadata struct {
	StartTime       time.Time
	SampleRate      float64
	CenterFrequency float64
	Position        *Position // nil when no location source is configured
}

// Recording is a buffer written monotonically by receive transfers until
// full, after which it only serves as replay input.
type Recording struct {
	buf      *Buffer
	filled   int
	Metadata Metadata
}

// NewRecording sizes a recording for duration at sampleRate
func NewRecording(duration time.Duration, sampleRate float64) (*Recording, error) {
	n := int(duration.Seconds() * sampleRate)
	if n <= 0 {
		return nil, fmt.Errorf("recording of %v at %.0f Hz holds no samples", duration, sampleRate)
	}
	return &Recording{buf: NewBuffer(n)}, nil
}

// NewRecordingSamples allocates a recording of exactly n samples
func NewRecordingSamples(n int) *Recording {
	return &Recording{buf: NewBuffer(n)}
}

// Cap returns the total capacity in samples
func (r *Recording) Cap() int {
	return r.buf.Len()
}

// Filled returns how many samples have been written
func (r *Recording) Filled() int {
	return r.filled
}

// Remaining returns how many samples are still free
func (r *Recording) Remaining() int {
	return r.buf.Len() - r.filled
}

// Full reports whether the recording has reached capacity
func (r *Recording) Full() bool {
	return r.filled >= r.buf.Len()
}

// Next returns the free region to fill next, at most max samples long
func (r *Recording) Next(max int) []complex64 {
	end := r.filled + max
	return r.buf.Slice(r.filled, end)
}

// Advance commits n samples written into the region returned by Next
func (r *Recording) Advance(n int) error {
	if n < 0 || n > r.Remaining() {
		return fmt.Errorf("cannot advance recording by %d samples (%d remaining)", n, r.Remaining())
	}
	r.filled += n
	return nil
}

// Samples returns the written part of the recording
func (r *Recording) Samples() []complex64 {
	return r.buf.Slice(0, r.filled)
}
