package bus

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/timing"
)

func TestBufferedSink_ForwardsInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	inner := SinkFuncs{
		Event:    func(ev *timing.Event) { mu.Lock(); got = append(got, "event"); mu.Unlock() },
		Snapshot: func(string, Snapshot) { mu.Lock(); got = append(got, "snapshot"); mu.Unlock() },
		Error:    func(ErrorKind, error) { mu.Lock(); got = append(got, "error"); mu.Unlock() },
	}

	s := NewBufferedSink(16, inner)
	s.OnEvent(&timing.Event{})
	s.OnSnapshot("rate", fakeSnapshot("x"))
	s.OnError(FramingError, errors.New("bad"))
	assert.NoError(t, s.Close())

	assert.Equal(t, []string{"event", "snapshot", "error"}, got)
	assert.Zero(t, s.Dropped())

	// calls after Close are ignored
	s.OnEvent(&timing.Event{})
}

func TestBufferedSink_DropsWhenFull(t *testing.T) {
	original := monitoring.Logf
	defer func() { monitoring.Logf = original }()
	monitoring.SetLogger(nil)

	release := make(chan struct{})
	blocking := SinkFuncs{Event: func(*timing.Event) { <-release }}

	s := NewBufferedSink(1, blocking)
	for i := 0; i < 10; i++ {
		s.OnEvent(&timing.Event{})
	}
	close(release)
	assert.NoError(t, s.Close())

	// one call in flight, one queued, the rest dropped
	assert.GreaterOrEqual(t, s.Dropped(), uint64(8))
}

func TestBufferedSink_NeverDropsErrors(t *testing.T) {
	original := monitoring.Logf
	defer func() { monitoring.Logf = original }()
	monitoring.SetLogger(nil)

	release := make(chan struct{})
	var mu sync.Mutex
	var kinds []ErrorKind
	inner := SinkFuncs{
		Event: func(*timing.Event) { <-release },
		Error: func(kind ErrorKind, _ error) { mu.Lock(); kinds = append(kinds, kind); mu.Unlock() },
	}

	s := NewBufferedSink(1, inner)
	for i := 0; i < 5; i++ {
		s.OnEvent(&timing.Event{})
	}

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		s.OnError(FramingError, errors.New("bad frame"))
		s.OnError(DeviceDisconnected, errors.New("unplugged"))
	}()
	close(release)
	<-sent
	assert.NoError(t, s.Close())

	assert.Equal(t, []ErrorKind{FramingError, DeviceDisconnected}, kinds)
	assert.GreaterOrEqual(t, s.Dropped(), uint64(3))
}
