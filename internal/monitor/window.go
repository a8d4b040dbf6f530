// Package monitor keeps a bounded view of recent signal magnitudes for
// online amplitude observation
package monitor

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Window is a fixed-capacity FIFO of magnitudes. When full, each Push
// evicts the oldest value first.
type Window struct {
	buf  []float32
	head int // next write position
	n    int // valid values
}

// NewWindow creates a window holding at most capacity values
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]float32, capacity)}
}

// Push appends v, evicting the oldest value when the window is full
func (w *Window) Push(v float32) {
	w.buf[w.head] = v
	w.head++
	if w.head == len(w.buf) {
		w.head = 0
	}
	if w.n < len(w.buf) {
		w.n++
	}
}

// Len returns the number of values held
func (w *Window) Len() int { return w.n }

// Cap returns the fixed capacity
func (w *Window) Cap() int { return len(w.buf) }

// Last returns up to n of the most recent values, oldest first
func (w *Window) Last(n int) []float32 {
	if n > w.n {
		n = w.n
	}
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	start := w.head - n
	if start < 0 {
		start += len(w.buf)
	}
	for i := 0; i < n; i++ {
		out[i] = w.buf[(start+i)%len(w.buf)]
	}
	return out
}

// Values returns a copy of the contents, oldest first
func (w *Window) Values() []float32 {
	return w.Last(w.n)
}

// Reset empties the window without changing its capacity
func (w *Window) Reset() {
	w.head = 0
	w.n = 0
}

// Exceeds reports whether magnitude is strictly above limit. It is an
// observation only; callers decide what to report.
func Exceeds(magnitude, limit float32) bool {
	return magnitude > limit
}

// Summary describes the window contents
type Summary struct {
	Count  int
	Mean   float64
	StdDev float64
	Max    float64
}

// Summary computes mean, standard deviation and peak of the window
func (w *Window) Summary() Summary {
	if w.n == 0 {
		return Summary{}
	}
	values := w.Values()
	xs := make([]float64, len(values))
	for i, v := range values {
		xs[i] = float64(v)
	}
	s := Summary{Count: len(xs), Max: floats.Max(xs)}
	if len(xs) > 1 {
		s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	} else {
		s.Mean = xs[0]
	}
	return s
}
