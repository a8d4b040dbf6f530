package fifo

import (
	"errors"
	"slices"
	"testing"
	"time"

	"lime-streamer/internal/radio"
)

func TestDepth(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		bytes    int
		bias     float64
		want     int
	}{
		{"lowest latency", 1024, 1 << 20, 0, 1},
		{"whole fifo", 1024, 1 << 20, 1, 128},
		{"balanced", 1024, 1 << 20, 0.5, 64},
		{"fifo smaller than a block", 1024, 1024, 0.5, 0},
		{"no capacity", 0, 1 << 20, 0.5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := radio.StreamParams{BufferCapacity: tt.capacity, QueueDepthBytes: tt.bytes, LatencyBias: tt.bias}
			if got := Depth(p); got != tt.want {
				t.Errorf("Depth = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteSplitsIntoBlocks(t *testing.T) {
	q := New(4)
	n, err := q.Write(make([]complex64, 10), 4, time.Second)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != 10 || q.Len() != 3 {
		t.Fatalf("Expected 10 samples in 3 blocks, got %d in %d", n, q.Len())
	}

	var sizes []int
	for {
		block, ok := q.TryNext()
		if !ok {
			break
		}
		sizes = append(sizes, len(block))
	}
	if !slices.Equal(sizes, []int{4, 4, 2}) {
		t.Errorf("Unexpected block sizes %v", sizes)
	}
}

func TestWriteCopiesCallerBuffer(t *testing.T) {
	q := New(1)
	buf := []complex64{1, 2}
	if _, err := q.Write(buf, 2, time.Second); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf[0] = 9

	block, ok := q.TryNext()
	if !ok {
		t.Fatal("expected a queued block")
	}
	if !slices.Equal(block, []complex64{1, 2}) {
		t.Errorf("queued block changed with the caller's buffer: %v", block)
	}
}

func TestWriteTimeout(t *testing.T) {
	q := New(1)
	if !q.Offer([]complex64{1}) {
		t.Fatal("Offer into an empty queue failed")
	}

	n, err := q.Write([]complex64{2, 3}, 1, 10*time.Millisecond)
	if n != 0 {
		t.Errorf("Expected nothing written, got %d", n)
	}
	if !errors.Is(err, radio.ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestPartialWriteIsNotAnError(t *testing.T) {
	q := New(2)
	n, err := q.Write([]complex64{1, 2, 3}, 1, 10*time.Millisecond)
	if err != nil {
		t.Errorf("partial write returned %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 samples written, got %d", n)
	}
}

func TestReadKeepsRemainder(t *testing.T) {
	q := New(4)
	q.Offer([]complex64{1, 2, 3})
	q.Offer([]complex64{4, 5, 6})

	buf := make([]complex64, 2)
	n, err := q.Read(buf, time.Second)
	if err != nil || n != 2 {
		t.Fatalf("first Read = %d, %v", n, err)
	}
	if !slices.Equal(buf, []complex64{1, 2}) {
		t.Errorf("first Read got %v", buf)
	}

	buf = make([]complex64, 4)
	n, err = q.Read(buf, time.Second)
	if err != nil || n != 4 {
		t.Fatalf("second Read = %d, %v", n, err)
	}
	if !slices.Equal(buf, []complex64{3, 4, 5, 6}) {
		t.Errorf("second Read got %v", buf)
	}
}

func TestShortRead(t *testing.T) {
	q := New(4)
	q.Offer([]complex64{1, 2})

	n, err := q.Read(make([]complex64, 8), time.Second)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected a short read of 2, got %d", n)
	}
}

func TestReadTimeoutAndClose(t *testing.T) {
	q := New(1)
	n, err := q.Read(make([]complex64, 4), 5*time.Millisecond)
	if n != 0 || !errors.Is(err, radio.ErrTimeout) {
		t.Errorf("Expected (0, ErrTimeout), got (%d, %v)", n, err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.Close()
	}()
	if _, err := q.Read(make([]complex64, 4), time.Minute); !errors.Is(err, radio.ErrTransfer) {
		t.Errorf("Expected ErrTransfer after Close, got %v", err)
	}

	q.Close()
	if !q.Closed() {
		t.Error("queue should report closed")
	}
	if _, ok := q.Next(); ok {
		t.Error("Next on a closed empty queue should fail")
	}
}

func TestOfferCountsDrops(t *testing.T) {
	q := New(1)
	if !q.Offer([]complex64{1}) {
		t.Fatal("first Offer should succeed")
	}
	if q.Offer([]complex64{2}) || q.Offer([]complex64{3}) {
		t.Fatal("Offer into a full queue should fail")
	}
	if q.Dropped() != 2 {
		t.Errorf("Expected 2 drops, got %d", q.Dropped())
	}

	q.Reset()
	if q.Len() != 0 {
		t.Errorf("Reset left %d blocks", q.Len())
	}
}
