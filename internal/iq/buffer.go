// Package iq provides owned complex sample buffers, test signal generators
// and the recording buffer used by the capture workflow
package iq

import (
	"math"
	"math/rand"
)

// Full-scale amplitudes used by the generators
const (
	NoiseAmplitude  = 0.9
	SquareAmplitude = 0.7
)

// Buffer is a fixed-capacity block of complex baseband samples (I=real,
// Q=imag). Its capacity never changes after construction.
type Buffer struct {
	samples []complex64
}

// NewBuffer allocates a zeroed buffer of n samples
func NewBuffer(n int) *Buffer {
	if n < 0 {
		n = 0
	}
	return &Buffer{samples: make([]complex64, n)}
}

// Len returns the buffer capacity in samples
func (b *Buffer) Len() int {
	return len(b.samples)
}

// Samples exposes the backing slice. Callers may mutate elements but must
// not retain it across a resize of their own making.
func (b *Buffer) Samples() []complex64 {
	return b.samples
}

// Slice returns samples [from, to) clamped to the buffer bounds
func (b *Buffer) Slice(from, to int) []complex64 {
	if from < 0 {
		from = 0
	}
	if to > len(b.samples) {
		to = len(b.samples)
	}
	if from >= to {
		return b.samples[:0]
	}
	return b.samples[from:to]
}

// Magnitude returns |s|
func Magnitude(s complex64) float32 {
	re, im := float64(real(s)), float64(imag(s))
	return float32(math.Sqrt(re*re + im*im))
}

// GenerateNoise fills samples with independent uniform I and Q components in
// [-0.45, 0.45), i.e. 0.9 of full scale peak to peak.
func GenerateNoise(samples []complex64, rng *rand.Rand) {
	for i := range samples {
		re := NoiseAmplitude * (rng.Float32() - 0.5)
		im := NoiseAmplitude * (rng.Float32() - 0.5)
		samples[i] = complex(re, im)
	}
}

// GenerateSquareWave fills samples with a real square wave of amplitude 0.7
// and the given period in samples, starting high. Periods below 2 are
// treated as 2.
func GenerateSquareWave(samples []complex64, period int) {
	half := period / 2
	if half < 1 {
		half = 1
	}
	for i := range samples {
		if (i/half)%2 == 0 {
			samples[i] = complex(SquareAmplitude, 0)
		} else {
			samples[i] = complex(-SquareAmplitude, 0)
		}
	}
}
