// Package viz publishes received waveforms for inspection, either to the
// log or to browsers connected over a websocket.
package viz

import (
	"log"
	"math"
)

// Point is one sample of a series: its index and the I/Q components
type Point struct {
	Index int     `json:"i"`
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
}

// Points converts samples into (index, I, Q) points
func Points(samples []complex64) []Point {
	out := make([]Point, len(samples))
	for j, s := range samples {
		out[j] = Point{Index: j, X: real(s), Y: imag(s)}
	}
	return out
}

// Visualizer receives named point series. Log must not block the caller
// for longer than it takes to hand the points off.
type Visualizer interface {
	Log(series string, points []Point)
}

// Nop discards everything
type Nop struct{}

func (Nop) Log(string, []Point) {}

// LogVisualizer writes a one-line summary of each series to the log
type LogVisualizer struct{}

func (LogVisualizer) Log(series string, points []Point) {
	if len(points) == 0 {
		log.Printf("[DEBUG] %s: empty", series)
		return
	}
	var peak float64
	for _, p := range points {
		if m := math.Hypot(float64(p.X), float64(p.Y)); m > peak {
			peak = m
		}
	}
	log.Printf("[DEBUG] %s: %d points, peak magnitude %.3f", series, len(points), peak)
}

// Multi fans each series out to several visualizers
type Multi []Visualizer

func (m Multi) Log(series string, points []Point) {
	for _, v := range m {
		v.Log(series, points)
	}
}
