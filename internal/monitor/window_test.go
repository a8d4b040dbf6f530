package monitor

import (
	"math"
	"slices"
	"testing"
)

func TestWindowLengthBounded(t *testing.T) {
	for _, capacity := range []int{1, 3, 7, 64} {
		w := NewWindow(capacity)
		for pushes := 1; pushes <= 3*capacity+5; pushes++ {
			w.Push(float32(pushes))

			expectedLen := pushes
			if expectedLen > capacity {
				expectedLen = capacity
			}
			if w.Len() != expectedLen {
				t.Fatalf("capacity %d after %d pushes: Len = %d, want %d", capacity, pushes, w.Len(), expectedLen)
			}

			values := w.Values()
			if len(values) != expectedLen {
				t.Fatalf("capacity %d after %d pushes: %d values", capacity, pushes, len(values))
			}
			for i, v := range values {
				// the last expectedLen pushes, in order
				if want := float32(pushes - expectedLen + 1 + i); v != want {
					t.Fatalf("capacity %d after %d pushes, index %d: got %v, want %v", capacity, pushes, i, v, want)
				}
			}
		}
	}
}

func TestWindowLast(t *testing.T) {
	w := NewWindow(5)
	for i := 1; i <= 8; i++ {
		w.Push(float32(i))
	}
	if got := w.Last(3); !slices.Equal(got, []float32{6, 7, 8}) {
		t.Errorf("Last(3) = %v", got)
	}
	if got := w.Last(100); !slices.Equal(got, []float32{4, 5, 6, 7, 8}) {
		t.Errorf("Last(100) = %v", got)
	}
	if got := w.Last(0); got != nil {
		t.Errorf("Last(0) = %v, want nil", got)
	}
}

func TestWindowReset(t *testing.T) {
	w := NewWindow(4)
	w.Push(1)
	w.Push(2)
	w.Reset()
	if w.Len() != 0 || w.Cap() != 4 {
		t.Fatalf("after Reset: Len %d, Cap %d", w.Len(), w.Cap())
	}
	w.Push(9)
	if got := w.Values(); !slices.Equal(got, []float32{9}) {
		t.Errorf("Values = %v", got)
	}
}

func TestExceeds(t *testing.T) {
	tests := []struct {
		magnitude, limit float32
		want             bool
	}{
		{0.3, 0.2, true},
		{0.2, 0.2, false},
		{0.05, 0.2, false},
	}
	for _, tt := range tests {
		if got := Exceeds(tt.magnitude, tt.limit); got != tt.want {
			t.Errorf("Exceeds(%v, %v) = %v", tt.magnitude, tt.limit, got)
		}
	}
}

func TestWindowSummary(t *testing.T) {
	w := NewWindow(4)
	if s := w.Summary(); s != (Summary{}) {
		t.Errorf("empty window summary = %+v", s)
	}

	for _, v := range []float32{1, 2, 3, 4, 5} {
		w.Push(v)
	}
	s := w.Summary()
	if s.Count != 4 {
		t.Errorf("Count = %d, want 4", s.Count)
	}
	if math.Abs(s.Mean-3.5) > 1e-9 {
		t.Errorf("Mean = %v, want 3.5", s.Mean)
	}
	if math.Abs(s.Max-5) > 1e-9 {
		t.Errorf("Max = %v, want 5", s.Max)
	}
	// sample standard deviation of 2,3,4,5
	if want := math.Sqrt(5.0 / 3.0); math.Abs(s.StdDev-want) > 1e-9 {
		t.Errorf("StdDev = %v, want %v", s.StdDev, want)
	}
}
