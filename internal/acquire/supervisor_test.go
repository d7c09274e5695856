package acquire

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/muon.report/internal/bus"
	"github.com/banshee-data/muon.report/internal/daq"
	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/serialmux"
	"github.com/banshee-data/muon.report/internal/timeutil"
)

func quiet(t *testing.T) {
	t.Helper()
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(orig) })
}

// opener adapts a mock factory to an OpenFunc.
func opener(f *serialmux.MockSerialPortFactory) OpenFunc {
	return func(ctx context.Context) (io.ReadCloser, error) {
		port, err := f.Open("/dev/ttyUSB0", serialmux.PortOptions{})
		if err != nil {
			return nil, err
		}
		return port, nil
	}
}

// waitAndAdvance blocks until the supervisor sleeps on the clock, then wakes it.
func waitAndAdvance(t *testing.T, clock *timeutil.MockClock, d time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return clock.Waiters() > 0 }, time.Second, time.Millisecond)
	clock.Advance(d)
}

func TestSupervisor_ReconnectsAfterDisconnect(t *testing.T) {
	quiet(t)
	a, _, rec, errs := setup(t)

	first := serialmux.NewTestableSerialPort()
	first.BlockReads = true
	first.AddReadData([]byte(trigger(1) + trigger(2)))
	first.Hangup(io.ErrUnexpectedEOF)

	second := serialmux.NewTestableSerialPort()
	second.AddReadData([]byte(trigger(10) + trigger(11)))

	factory := serialmux.NewMockSerialPortFactory(nil)
	factory.Ports = []serialmux.SerialPorter{first, second}
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	s := &Supervisor{Acquirer: a, Open: opener(factory), Clock: clock, InitialBackoff: time.Second}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitAndAdvance(t, clock, time.Second)

	select {
	case err := <-done:
		require.NoError(t, err, "clean end of the second stream")
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish")
	}
	assert.Equal(t, 2, factory.Calls())
	assert.Equal(t, 3, rec.len(), "one event from the first port, two from the second")
	assert.Equal(t, 1, errs.count(bus.DeviceDisconnected))
}

func TestSupervisor_GivesUpWithBackoff(t *testing.T) {
	quiet(t)
	a, _, _, errs := setup(t)
	factory := serialmux.NewMockSerialPortFactory(nil)
	factory.Error = errors.New("no such device")
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	s := &Supervisor{
		Acquirer:       a,
		Open:           opener(factory),
		Clock:          clock,
		InitialBackoff: time.Second,
		MaxBackoff:     3 * time.Second,
		MaxAttempts:    4,
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	// waits of 1s, 2s, then capped at 3s
	waitAndAdvance(t, clock, time.Second)
	require.Eventually(t, func() bool { return factory.Calls() == 2 }, time.Second, time.Millisecond)

	waitAndAdvance(t, clock, time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, factory.Calls(), "second wait is two seconds")
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return factory.Calls() == 3 }, time.Second, time.Millisecond)

	waitAndAdvance(t, clock, 3*time.Second)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrGaveUp)
		assert.ErrorIs(t, err, daq.ErrDeviceDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not give up")
	}
	assert.Equal(t, 4, factory.Calls())
	assert.Equal(t, 4, errs.count(bus.DeviceDisconnected))
}

func TestSupervisor_Cancel(t *testing.T) {
	quiet(t)
	a, _, _, _ := setup(t)
	factory := serialmux.NewMockSerialPortFactory(nil)
	factory.Error = errors.New("no such device")
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{Acquirer: a, Open: opener(factory), Clock: clock}
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return clock.Waiters() > 0 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("supervisor ignored cancellation")
	}
}

func TestSupervisor_Backoffs(t *testing.T) {
	initial, ceiling := (&Supervisor{}).backoffs()
	assert.Equal(t, DefaultInitialBackoff, initial)
	assert.Equal(t, DefaultMaxBackoff, ceiling)

	initial, ceiling = (&Supervisor{InitialBackoff: 2 * time.Minute}).backoffs()
	assert.Equal(t, 2*time.Minute, initial)
	assert.Equal(t, 2*time.Minute, ceiling)
}
