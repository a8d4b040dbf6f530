package stream

import (
	"errors"
	"testing"
	"time"

	"lime-streamer/internal/radio"
	"lime-streamer/internal/radio/radiotest"
)

func newTestDevice(t *testing.T, dirs ...radio.Direction) (*radio.Device, *radiotest.Handle) {
	t.Helper()
	h := radiotest.NewHandle()
	dev := radio.NewDevice(h)
	var cfgs []radio.ChannelConfig
	for _, d := range dirs {
		cfgs = append(cfgs, radiotest.Channel(d))
	}
	if err := radiotest.EnableAll(dev, cfgs...); err != nil {
		t.Fatalf("enable channels: %v", err)
	}
	return dev, h
}

func params(dir radio.Direction, capacity int) Params {
	return Params{Direction: dir, BufferCapacity: capacity, QueueDepthBytes: 1 << 20, LatencyBias: 0.5}
}

func TestSessionLifecycle(t *testing.T) {
	dev, h := newTestDevice(t, radio.TX)
	s := New(dev)
	if s.State() != Unconfigured {
		t.Fatalf("new session state = %s", s.State())
	}

	if err := s.Configure(params(radio.TX, 64)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !dev.Active(radio.TX, 0) {
		t.Fatal("device should report TX active")
	}

	n, err := s.Transfer(make([]complex64, 64), time.Second)
	if err != nil || n != 64 {
		t.Fatalf("transfer = %d, %v", n, err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := s.Transfer(make([]complex64, 64), time.Second); !errors.Is(err, radio.ErrTransfer) || !errors.Is(err, radio.ErrIllegalState) {
		t.Fatalf("transfer after stop should fail, got %v", err)
	}

	if err := s.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := s.Destroy(); !errors.Is(err, radio.ErrIllegalState) {
		t.Fatalf("double destroy should be illegal, got %v", err)
	}

	tr := h.Transports[0].(*radiotest.Transport)
	if tr.StartCalls != 1 || tr.StopCalls != 1 || tr.DestroyCalls != 1 {
		t.Fatalf("transport calls start=%d stop=%d destroy=%d", tr.StartCalls, tr.StopCalls, tr.DestroyCalls)
	}
}

func TestTransferRequiresActive(t *testing.T) {
	dev, _ := newTestDevice(t, radio.RX)
	s := New(dev)

	if _, err := s.Transfer(make([]complex64, 8), time.Millisecond); !errors.Is(err, radio.ErrTransfer) {
		t.Fatalf("unconfigured transfer: %v", err)
	}
	if err := s.Configure(params(radio.RX, 8)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := s.Transfer(make([]complex64, 8), time.Millisecond); !errors.Is(err, radio.ErrTransfer) {
		t.Fatalf("configured transfer: %v", err)
	}
}

func TestConfigureErrors(t *testing.T) {
	dev, _ := newTestDevice(t, radio.RX)

	// TX channel never enabled
	if err := New(dev).Configure(params(radio.TX, 8)); !errors.Is(err, radio.ErrConfiguration) {
		t.Fatalf("expected configuration error for disabled channel, got %v", err)
	}

	bad := params(radio.RX, 8)
	bad.LatencyBias = 2
	if err := New(dev).Configure(bad); !errors.Is(err, radio.ErrConfiguration) {
		t.Fatalf("expected configuration error for latency bias, got %v", err)
	}

	s := New(dev)
	if err := s.Configure(params(radio.RX, 8)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Configure(params(radio.RX, 8)); !errors.Is(err, radio.ErrIllegalState) {
		t.Fatalf("configure twice should be illegal, got %v", err)
	}
	if err := New(dev).Configure(params(radio.RX, 8)); !errors.Is(err, radio.ErrIllegalState) {
		t.Fatalf("second live session on RX 0 should be illegal, got %v", err)
	}

	var serr *Error
	err := New(dev).Configure(params(radio.RX, 8))
	if !errors.As(err, &serr) || serr.Direction != radio.RX || serr.Op != "configure" {
		t.Fatalf("expected session error context, got %v", err)
	}
}

func TestConfigureUnsupportedDirection(t *testing.T) {
	h := radiotest.NewHandle()
	h.Caps.TX = false
	dev := radio.NewDevice(h)
	if err := New(dev).Configure(params(radio.TX, 8)); !errors.Is(err, radio.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestStartErrors(t *testing.T) {
	dev, h := newTestDevice(t, radio.RX)
	s := New(dev)
	if err := s.Start(); !errors.Is(err, radio.ErrStart) {
		t.Fatalf("start before configure: %v", err)
	}

	h.NewTransportFunc = func() radio.Transport {
		return &radiotest.Transport{StartErr: errors.New("cannot allocate FIFO")}
	}
	if err := s.Configure(params(radio.RX, 8)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Start(); !errors.Is(err, radio.ErrStart) {
		t.Fatalf("expected start error, got %v", err)
	}
	if dev.Active(radio.RX, 0) {
		t.Fatal("failed start must not leave the channel active")
	}
	if s.State() != Configured {
		t.Fatalf("state after failed start = %s", s.State())
	}
}

func TestTransferChunksByBufferCapacity(t *testing.T) {
	dev, h := newTestDevice(t, radio.TX)
	s := New(dev)
	if err := s.Configure(params(radio.TX, 100)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	n, err := s.Transfer(make([]complex64, 1050), time.Second)
	if err != nil || n != 1050 {
		t.Fatalf("transfer = %d, %v", n, err)
	}
	tr := h.Transports[0].(*radiotest.Transport)
	if len(tr.RequestSizes) != 11 {
		t.Fatalf("expected 11 requests, got %v", tr.RequestSizes)
	}
	for i, size := range tr.RequestSizes {
		if size > 100 {
			t.Fatalf("request %d asked for %d samples", i, size)
		}
	}
	if tr.RequestSizes[10] != 50 {
		t.Fatalf("last request size = %d", tr.RequestSizes[10])
	}
	if s.Delivered() != 1050 {
		t.Fatalf("delivered = %d", s.Delivered())
	}
}

func TestTransferTimeoutIsNotAFailure(t *testing.T) {
	dev, h := newTestDevice(t, radio.RX)
	h.NewTransportFunc = func() radio.Transport {
		return &radiotest.Transport{ReceiveFunc: func(int, []complex64) (int, error) {
			return 0, radio.ErrTimeout
		}}
	}
	s := New(dev)
	if err := s.Configure(params(radio.RX, 16)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	n, err := s.Transfer(make([]complex64, 16), 10*time.Millisecond)
	if err != nil || n != 0 {
		t.Fatalf("timeout transfer = %d, %v", n, err)
	}
	if s.State() != Active {
		t.Fatalf("timeout changed state to %s", s.State())
	}
}

func TestReceiveShortReadAdvancesCounter(t *testing.T) {
	dev, h := newTestDevice(t, radio.RX)
	h.NewTransportFunc = func() radio.Transport {
		return &radiotest.Transport{ReceiveFunc: func(call int, samples []complex64) (int, error) {
			return radiotest.Fill(samples[:len(samples)/2], 0.1)
		}}
	}
	s := New(dev)
	if err := s.Configure(params(radio.RX, 100)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	var last uint64
	for i := 0; i < 3; i++ {
		n, err := s.Receive(make([]complex64, 100), time.Second)
		if err != nil || n != 50 {
			t.Fatalf("receive = %d, %v", n, err)
		}
		if s.Delivered() <= last {
			t.Fatal("delivered counter must increase")
		}
		last = s.Delivered()
	}
	if last != 150 {
		t.Fatalf("delivered = %d", last)
	}
}

func TestTransportFailureIsTransferError(t *testing.T) {
	dev, h := newTestDevice(t, radio.TX)
	h.NewTransportFunc = func() radio.Transport {
		return &radiotest.Transport{SendFunc: func(int, []complex64) (int, error) {
			return 0, errors.New("usb disconnected")
		}}
	}
	s := New(dev)
	if err := s.Configure(params(radio.TX, 16)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.Transfer(make([]complex64, 16), time.Second); !errors.Is(err, radio.ErrTransfer) {
		t.Fatalf("expected transfer error, got %v", err)
	}
	// stop is still safe after the fault
	if err := s.Stop(); err != nil {
		t.Fatalf("stop after fault: %v", err)
	}
}

func TestDirectionMismatch(t *testing.T) {
	dev, _ := newTestDevice(t, radio.TX)
	s := New(dev)
	if err := s.Configure(params(radio.TX, 16)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.Receive(make([]complex64, 16), time.Second); !errors.Is(err, radio.ErrTransfer) {
		t.Fatalf("expected transfer error on direction mismatch, got %v", err)
	}
}

func TestDestroyActiveIsIllegal(t *testing.T) {
	dev, _ := newTestDevice(t, radio.RX)
	s := New(dev)
	if err := s.Configure(params(radio.RX, 16)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Destroy(); !errors.Is(err, radio.ErrIllegalState) {
		t.Fatalf("destroy while active should be illegal, got %v", err)
	}
}

func TestStopSafeWhenTransportFaulted(t *testing.T) {
	dev, h := newTestDevice(t, radio.RX)
	h.NewTransportFunc = func() radio.Transport {
		return &radiotest.Transport{StopErr: errors.New("already faulted")}
	}
	s := New(dev)
	if err := s.Configure(params(radio.RX, 16)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop should absorb transport errors, got %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
	if dev.Active(radio.RX, 0) {
		t.Fatal("channel still active after stop")
	}
	if err := s.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	// the slot is free again
	if err := New(dev).Configure(params(radio.RX, 16)); err != nil {
		t.Fatalf("configure after destroy: %v", err)
	}
}
