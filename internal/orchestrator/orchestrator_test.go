package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lime-streamer/internal/config"
	"lime-streamer/internal/gps"
	"lime-streamer/internal/radio"
	"lime-streamer/internal/radio/radiotest"
	"lime-streamer/internal/sim"
	"lime-streamer/internal/stream"
	"lime-streamer/internal/viz"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Radio.Backend = "sim"
	cfg.Stream.TransferTimeout = 200 * time.Millisecond

	cfg.Transmit.BufferSize = 16
	cfg.Transmit.Iterations = 3
	cfg.Transmit.Interval = 0
	cfg.Transmit.Seed = 1

	// 600 samples in 100-sample chunks
	cfg.Capture.Duration = time.Second
	cfg.Capture.SampleRate = 600
	cfg.Capture.ChunkSize = 100

	cfg.Observe.BufferSize = 64
	cfg.Observe.Iterations = 3
	cfg.Observe.Interval = 0
	return cfg
}

// scripted hands out the given transports in order
func scripted(h *radiotest.Handle, transports ...radio.Transport) {
	next := 0
	h.NewTransportFunc = func() radio.Transport {
		t := transports[next]
		next++
		return t
	}
}

type seriesRecorder struct {
	names  []string
	points int
}

func (r *seriesRecorder) Log(series string, points []viz.Point) {
	r.names = append(r.names, series)
	r.points += len(points)
}

func TestCaptureMonitorsMagnitudes(t *testing.T) {
	h := radiotest.NewHandle()
	rx := &radiotest.Transport{ReceiveFunc: func(call int, s []complex64) (int, error) {
		if call <= 5 {
			return radiotest.Fill(s, complex(0.05, 0))
		}
		return radiotest.Fill(s, complex(0.3, 0))
	}}
	tx := &radiotest.Transport{}
	scripted(h, rx, tx)

	o := New(radio.NewDevice(h), testConfig())
	report, err := o.BeginCapture(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Streaming, o.State())
	assert.Equal(t, 6, rx.ReceiveCalls)
	assert.Equal(t, []int{100, 100, 100, 100, 100, 100}, rx.RequestSizes)
	assert.Equal(t, 600, report.Samples)
	assert.Equal(t, 100, report.Exceeded)
	assert.Equal(t, 1, rx.StopCalls, "RX stops once the recording is full")

	window := o.Window()
	require.NotNil(t, window)
	assert.Equal(t, 1000000, window.Cap())
	assert.Equal(t, 600, window.Len())
	for _, v := range window.Last(100) {
		assert.InDelta(t, 0.3, v, 1e-6)
	}
	for _, v := range window.Values()[:500] {
		assert.InDelta(t, 0.05, v, 1e-6)
	}
	assert.InDelta(t, 0.3, report.Window.Max, 1e-6)
	assert.Equal(t, 600, report.Window.Count)
	assert.Equal(t, 2.44e9, report.Metadata.CenterFrequency)
	assert.Nil(t, report.Metadata.Position)

	require.NoError(t, o.Finish())
	assert.Equal(t, Idle, o.State())
	assert.Equal(t, 1, rx.DestroyCalls)
	assert.Equal(t, 0, tx.StartCalls, "TX never started without a replay")
	assert.Equal(t, 1, tx.DestroyCalls)
	assert.False(t, o.dev.Enabled(radio.RX, 0))
	assert.False(t, o.dev.Enabled(radio.TX, 0))
}

func TestReplayIsRepeatable(t *testing.T) {
	h := radiotest.NewHandle()
	rx := &radiotest.Transport{ReceiveFunc: func(call int, s []complex64) (int, error) {
		return radiotest.Fill(s, complex(float32(call)/10, 0))
	}}
	tx := &radiotest.Transport{}
	scripted(h, rx, tx)

	o := New(radio.NewDevice(h), testConfig())
	_, err := o.BeginReplay(context.Background())
	assert.True(t, errors.Is(err, radio.ErrIllegalState), "replay before capture: %v", err)

	_, err = o.BeginCapture(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		n, err := o.BeginReplay(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 600, n)
	}
	assert.Equal(t, 1, tx.StartCalls, "TX stays active between replays")
	assert.Equal(t, 1800, tx.SentSamples)
	assert.True(t, o.dev.Active(radio.TX, 0))

	_, err = o.BeginCapture(context.Background())
	assert.True(t, errors.Is(err, radio.ErrIllegalState), "capture while holding sessions: %v", err)

	require.NoError(t, o.Finish())
	assert.Equal(t, 1, tx.StopCalls)
	assert.Equal(t, 1, tx.DestroyCalls)
	require.NoError(t, o.Finish(), "second Finish is a no-op")
	assert.Equal(t, 1, tx.DestroyCalls)

	_, err = o.BeginReplay(context.Background())
	assert.True(t, errors.Is(err, radio.ErrIllegalState))
}

func TestCaptureReplayRoundTripOnSimulator(t *testing.T) {
	opts := sim.DefaultOptions()
	opts.Unpaced = true
	h, err := sim.Open(opts)
	require.NoError(t, err)
	dev := radio.NewDevice(h)
	defer dev.Close()

	o := New(dev, testConfig())
	o.SetLocator(gps.NewManual(52.2, 21.0, 100))

	report, err := o.BeginCapture(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Metadata.Position)
	assert.Equal(t, 52.2, report.Metadata.Position.Latitude)

	rec := o.Recording()
	require.NotNil(t, rec)
	require.True(t, rec.Full())

	n, err := o.BeginReplay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rec.Cap(), n)

	require.NoError(t, o.Close())
	assert.Equal(t, Idle, o.State())
}

func TestCaptureAfterReplaySeesNoiseFloor(t *testing.T) {
	opts := sim.DefaultOptions()
	opts.Unpaced = true
	opts.BurstAmplitude = 0
	h, err := sim.Open(opts)
	require.NoError(t, err)
	dev := radio.NewDevice(h)
	defer dev.Close()

	o := New(dev, testConfig())
	_, err = o.BeginCapture(context.Background())
	require.NoError(t, err)

	samples := o.Recording().Samples()
	for i := range samples {
		samples[i] = complex(0.8, 0)
	}
	_, err = o.BeginReplay(context.Background())
	require.NoError(t, err)
	require.NoError(t, o.Finish())

	report, err := o.BeginCapture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Exceeded, "nothing was transmitting during the second capture")
	assert.Less(t, report.Window.Max, 0.1)
	require.NoError(t, o.Finish())
}

func TestReplayFailureTearsDownOnce(t *testing.T) {
	h := radiotest.NewHandle()
	rx := &radiotest.Transport{}
	tx := &radiotest.Transport{SendFunc: func(int, []complex64) (int, error) {
		return 0, errors.New("usb disconnected")
	}}
	scripted(h, rx, tx)

	o := New(radio.NewDevice(h), testConfig())
	_, err := o.BeginCapture(context.Background())
	require.NoError(t, err)

	_, err = o.BeginReplay(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, radio.ErrTransfer), "got %v", err)
	assert.Equal(t, Faulted, o.State())

	assert.Equal(t, 1, rx.StopCalls)
	assert.Equal(t, 1, rx.DestroyCalls)
	assert.Equal(t, 1, tx.StartCalls)
	assert.Equal(t, 1, tx.StopCalls)
	assert.Equal(t, 1, tx.DestroyCalls)
	assert.False(t, o.dev.Enabled(radio.RX, 0))
	assert.False(t, o.dev.Enabled(radio.TX, 0))

	require.NoError(t, o.Finish(), "nothing is held after a fault")
	assert.Equal(t, 1, tx.DestroyCalls)
}

func TestCaptureIdleTransferLimit(t *testing.T) {
	h := radiotest.NewHandle()
	rx := &radiotest.Transport{ReceiveFunc: func(int, []complex64) (int, error) { return 0, nil }}
	tx := &radiotest.Transport{}
	scripted(h, rx, tx)

	cfg := testConfig()
	cfg.Capture.MaxIdleTransfers = 3
	o := New(radio.NewDevice(h), cfg)

	report, err := o.BeginCapture(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, radio.ErrTransfer))
	assert.Equal(t, 3, report.IdleTransfers)
	assert.Equal(t, 3, rx.ReceiveCalls)
	assert.Equal(t, Faulted, o.State())
	assert.Equal(t, 1, rx.StopCalls)
	assert.Equal(t, 1, rx.DestroyCalls)
	assert.Equal(t, 0, tx.StopCalls, "TX was never started")
	assert.Equal(t, 1, tx.DestroyCalls)
}

func TestCaptureCancelled(t *testing.T) {
	h := radiotest.NewHandle()
	ctx, cancel := context.WithCancel(context.Background())
	rx := &radiotest.Transport{ReceiveFunc: func(call int, s []complex64) (int, error) {
		if call == 2 {
			cancel()
		}
		return radiotest.Fill(s, 0)
	}}
	scripted(h, rx, &radiotest.Transport{})

	o := New(radio.NewDevice(h), testConfig())
	_, err := o.BeginCapture(ctx)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Equal(t, Idle, o.State())
	assert.Equal(t, 2, rx.ReceiveCalls)
	assert.Equal(t, 1, rx.DestroyCalls)
	assert.Nil(t, o.Recording())
}

func TestContinuousTransmit(t *testing.T) {
	h := radiotest.NewHandle()
	tx := &radiotest.Transport{}
	scripted(h, tx)

	o := New(radio.NewDevice(h), testConfig())
	report, err := o.ContinuousTransmit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Iterations)
	assert.Equal(t, uint64(48), report.Samples)
	assert.False(t, report.Stopped)
	assert.Equal(t, Idle, o.State())
	assert.Equal(t, 1, tx.StartCalls)
	assert.Equal(t, 1, tx.StopCalls)
	assert.Equal(t, 1, tx.DestroyCalls)

	calls := h.CallLog()
	assert.Contains(t, calls, "rate 0 10000000")
	assert.Contains(t, calls, "freq TX 0 2440000000")
	assert.Contains(t, calls, "gain TX 0 1.00")
	assert.Equal(t, "enable TX 0 false", calls[len(calls)-1])
}

func TestContinuousTransmitUntilStopped(t *testing.T) {
	h := radiotest.NewHandle()
	cfg := testConfig()
	cfg.Transmit.Iterations = 0
	cfg.Transmit.Interval = time.Millisecond
	o := New(radio.NewDevice(h), cfg)

	tx := &radiotest.Transport{SendFunc: func(call int, s []complex64) (int, error) {
		if call == 3 {
			o.Stop()
		}
		return len(s), nil
	}}
	scripted(h, tx)

	report, err := o.ContinuousTransmit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Stopped)
	assert.Equal(t, 3, report.Iterations)
	assert.Equal(t, Idle, o.State())
	assert.Equal(t, 1, tx.DestroyCalls)
}

func TestContinuousTransmitCountsTimeouts(t *testing.T) {
	h := radiotest.NewHandle()
	tx := &radiotest.Transport{SendFunc: func(call int, s []complex64) (int, error) {
		if call == 2 {
			return 4, radio.ErrTimeout
		}
		return len(s), nil
	}}
	scripted(h, tx)

	o := New(radio.NewDevice(h), testConfig())
	report, err := o.ContinuousTransmit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Iterations)
	assert.Equal(t, 1, report.Timeouts)
	assert.Equal(t, uint64(36), report.Samples)
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Setup(p radio.StreamParams) error {
	return m.Called(p).Error(0)
}

func (m *mockTransport) Start() error {
	return m.Called().Error(0)
}

func (m *mockTransport) Send(samples []complex64, timeout time.Duration) (int, error) {
	args := m.Called(samples, timeout)
	return args.Int(0), args.Error(1)
}

func (m *mockTransport) Receive(samples []complex64, timeout time.Duration) (int, error) {
	args := m.Called(samples, timeout)
	return args.Int(0), args.Error(1)
}

func (m *mockTransport) Stop() error {
	return m.Called().Error(0)
}

func (m *mockTransport) Destroy() error {
	return m.Called().Error(0)
}

func TestTransmitFaultTearsDownOnce(t *testing.T) {
	h := radiotest.NewHandle()
	mt := &mockTransport{}
	mt.On("Setup", mock.Anything).Return(nil).Once()
	mt.On("Start").Return(nil).Once()
	mt.On("Send", mock.Anything, mock.Anything).Return(16, nil).Once()
	mt.On("Send", mock.Anything, mock.Anything).Return(0, errors.New("usb disconnected")).Once()
	mt.On("Stop").Return(nil).Once()
	mt.On("Destroy").Return(nil).Once()
	scripted(h, mt)

	o := New(radio.NewDevice(h), testConfig())
	report, err := o.ContinuousTransmit(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, radio.ErrTransfer), "got %v", err)

	var serr *stream.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, radio.TX, serr.Direction)

	assert.Equal(t, 1, report.Iterations)
	assert.Equal(t, Faulted, o.State())
	mt.AssertExpectations(t)
	mt.AssertNumberOfCalls(t, "Stop", 1)
	mt.AssertNumberOfCalls(t, "Destroy", 1)
	assert.False(t, o.dev.Enabled(radio.TX, 0))

	// a faulted orchestrator can run again
	scripted(h, &radiotest.Transport{})
	_, err = o.ContinuousTransmit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle, o.State())
}

func TestStartFailureFaults(t *testing.T) {
	h := radiotest.NewHandle()
	tx := &radiotest.Transport{StartErr: errors.New("no clock")}
	scripted(h, tx)

	o := New(radio.NewDevice(h), testConfig())
	_, err := o.ContinuousTransmit(context.Background())
	assert.True(t, errors.Is(err, radio.ErrStart), "got %v", err)
	assert.Equal(t, Faulted, o.State())
	assert.Equal(t, 0, tx.StopCalls, "transport never started")
	assert.Equal(t, 1, tx.DestroyCalls)
}

func TestTransmitOnReceiveOnlyDevice(t *testing.T) {
	h := radiotest.NewHandle()
	h.Caps.TX = false

	o := New(radio.NewDevice(h), testConfig())
	_, err := o.ContinuousTransmit(context.Background())
	assert.True(t, errors.Is(err, radio.ErrConfiguration), "got %v", err)
	assert.Equal(t, Faulted, o.State())
	assert.Empty(t, h.Transports)
}

func TestTransmitObserveVisualizesReceived(t *testing.T) {
	h := radiotest.NewHandle()
	var sent []complex64
	tx := &radiotest.Transport{SendFunc: func(call int, s []complex64) (int, error) {
		if call == 1 {
			sent = append(sent, s...)
		}
		return len(s), nil
	}}
	rx := &radiotest.Transport{ReceiveFunc: func(call int, s []complex64) (int, error) {
		return radiotest.Fill(s[:10], complex(0.7, 0))
	}}
	scripted(h, tx, rx)

	rec := &seriesRecorder{}
	o := New(radio.NewDevice(h), testConfig())
	o.SetVisualizer(rec)

	report, err := o.TransmitObserve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Rounds)
	assert.Equal(t, uint64(3*64), report.Sent)
	assert.Equal(t, uint64(30), report.Received)
	assert.Equal(t, []string{"received_waveform", "received_waveform", "received_waveform"}, rec.names)
	assert.Equal(t, 30, rec.points)

	require.Len(t, sent, 64)
	assert.Equal(t, complex64(complex(0.7, 0)), sent[0])
	assert.Equal(t, complex64(complex(-0.7, 0)), sent[16])

	assert.Equal(t, Idle, o.State())
	assert.Equal(t, 1, tx.DestroyCalls)
	assert.Equal(t, 1, rx.DestroyCalls)
}

func TestTransmitObserveFaults(t *testing.T) {
	broken := func(call int, s []complex64) (int, error) {
		if call == 2 {
			return 0, errors.New("usb disconnected")
		}
		return len(s), nil
	}
	tests := []struct {
		name   string
		tx, rx *radiotest.Transport
		rounds int
	}{
		{"send", &radiotest.Transport{SendFunc: broken}, &radiotest.Transport{}, 1},
		{"receive", &radiotest.Transport{}, &radiotest.Transport{ReceiveFunc: broken}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := radiotest.NewHandle()
			scripted(h, tt.tx, tt.rx)

			o := New(radio.NewDevice(h), testConfig())
			o.SetVisualizer(viz.Nop{})
			report, err := o.TransmitObserve(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, radio.ErrTransfer), "got %v", err)
			assert.Equal(t, tt.rounds, report.Rounds)
			assert.Equal(t, Faulted, o.State())

			for _, tr := range []*radiotest.Transport{tt.tx, tt.rx} {
				assert.Equal(t, 1, tr.StopCalls)
				assert.Equal(t, 1, tr.DestroyCalls)
			}
			assert.False(t, o.dev.Enabled(radio.TX, 0))
			assert.False(t, o.dev.Enabled(radio.RX, 0))
		})
	}
}

func TestTransmitObserveOnSimulator(t *testing.T) {
	opts := sim.DefaultOptions()
	opts.Unpaced = true
	h, err := sim.Open(opts)
	require.NoError(t, err)
	dev := radio.NewDevice(h)
	defer dev.Close()

	rec := &seriesRecorder{}
	o := New(dev, testConfig())
	o.SetVisualizer(rec)

	report, err := o.TransmitObserve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Rounds)
	assert.Len(t, rec.names, 3)
	assert.Greater(t, report.Received, uint64(0))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "State(9)", State(9).String())
}
