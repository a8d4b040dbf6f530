//go:build !rtlsdr

package rtlsdr

import (
	"testing"
	"time"

	"lime-streamer/internal/radio"
	"lime-streamer/internal/stream"
)

func TestStubOpenBySerial(t *testing.T) {
	h, err := Open(Options{SerialNumber: "00000002"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	if h.Info().Index != 1 {
		t.Fatalf("opened device %d, want 1", h.Info().Index)
	}

	if _, err := Open(Options{SerialNumber: "missing"}); err == nil {
		t.Fatal("expected error for unknown serial")
	}
	if _, err := Open(Options{DeviceIndex: 5}); err == nil {
		t.Fatal("expected error for out of range index")
	}
}

func TestStubReceivesTestPattern(t *testing.T) {
	h, err := Open(Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	dev := radio.NewDevice(h)
	defer dev.Close()

	err = dev.Configure(func(c *radio.Configurator) error {
		cfg := radio.ChannelConfig{Direction: radio.RX, SampleRate: 2e6, CenterFrequency: 433.92e6, NormalizedGain: 0.5}
		if err := c.Apply(cfg); err != nil {
			return err
		}
		return c.Enable(radio.RX, 0)
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	s := stream.New(dev)
	if err := s.Configure(stream.Params{Direction: radio.RX, BufferCapacity: 256, QueueDepthBytes: 1 << 20, LatencyBias: 0.5}); err != nil {
		t.Fatalf("session Configure: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("session Start: %v", err)
	}

	buf := make([]complex64, 256)
	n, err := s.Receive(buf, time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if n == 0 {
		t.Fatal("received no samples")
	}
	for i, v := range buf[:n] {
		if real(v) < 0.09 || real(v) > 0.11 || imag(v) < 0.09 || imag(v) > 0.11 {
			t.Fatalf("sample %d = %v, want about 0.1+0.1i", i, v)
		}
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}
