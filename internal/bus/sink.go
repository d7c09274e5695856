package bus

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/timing"
)

// Snapshot is an immutable copy of a pipeline's aggregated state.
type Snapshot interface {
	PipelineName() string
	// Summary is a one-line human readable rendering for logs.
	Summary() string
}

// Sink receives events, snapshots and errors pushed by the bus. Calls are
// made on the publishing goroutine, so implementations must return quickly;
// wrap slow consumers in a BufferedSink.
type Sink interface {
	OnEvent(ev *timing.Event)
	OnSnapshot(pipeline string, snap Snapshot)
	OnError(kind ErrorKind, err error)
}

// SinkFuncs adapts plain functions to a Sink. Nil fields are ignored.
type SinkFuncs struct {
	Event    func(ev *timing.Event)
	Snapshot func(pipeline string, snap Snapshot)
	Error    func(kind ErrorKind, err error)
}

func (f SinkFuncs) OnEvent(ev *timing.Event) {
	if f.Event != nil {
		f.Event(ev)
	}
}

func (f SinkFuncs) OnSnapshot(pipeline string, snap Snapshot) {
	if f.Snapshot != nil {
		f.Snapshot(pipeline, snap)
	}
}

func (f SinkFuncs) OnError(kind ErrorKind, err error) {
	if f.Error != nil {
		f.Error(kind, err)
	}
}

// LogSink writes snapshots and errors to the diagnostic logger, and events
// too when Events is set.
type LogSink struct {
	Events bool
}

func (s LogSink) OnEvent(ev *timing.Event) {
	if s.Events {
		monitoring.Logf("event %s", ev.Tuple())
	}
}

func (LogSink) OnSnapshot(pipeline string, snap Snapshot) {
	monitoring.Logf("%s: %s", pipeline, snap.Summary())
}

func (LogSink) OnError(kind ErrorKind, err error) {
	monitoring.Logf("%s: %v", kind, err)
}

type sinkCall struct {
	ev       *timing.Event
	pipeline string
	snap     Snapshot
	kind     ErrorKind
	err      error
}

// BufferedSink queues calls in memory and forwards them to its sinks from a
// single goroutine, so the publisher never waits on a slow consumer. When the
// queue is full new events and snapshots are dropped and counted. Errors are
// never dropped: OnError waits for room in the queue instead.
type BufferedSink struct {
	sinks   []Sink
	queue   chan sinkCall
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewBufferedSink starts a BufferedSink with room for size pending calls.
func NewBufferedSink(size int, sinks ...Sink) *BufferedSink {
	if size <= 0 {
		size = 255
	}
	b := &BufferedSink{
		sinks: sinks,
		queue: make(chan sinkCall, size),
		done:  make(chan struct{}),
	}
	go b.process()
	return b
}

func (b *BufferedSink) process() {
	defer close(b.done)
	for c := range b.queue {
		for _, s := range b.sinks {
			switch {
			case c.ev != nil:
				s.OnEvent(c.ev)
			case c.snap != nil:
				s.OnSnapshot(c.pipeline, c.snap)
			default:
				s.OnError(c.kind, c.err)
			}
		}
	}
}

func (b *BufferedSink) enqueue(c sinkCall) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if c.ev == nil && c.snap == nil {
		b.queue <- c
		return
	}
	select {
	case b.queue <- c:
	default:
		if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
			monitoring.Logf("buffered sink: buffer limit reached, %d calls dropped", n)
		}
	}
}

func (b *BufferedSink) OnEvent(ev *timing.Event) { b.enqueue(sinkCall{ev: ev}) }

func (b *BufferedSink) OnSnapshot(pipeline string, snap Snapshot) {
	b.enqueue(sinkCall{pipeline: pipeline, snap: snap})
}

func (b *BufferedSink) OnError(kind ErrorKind, err error) {
	b.enqueue(sinkCall{kind: kind, err: err})
}

// Dropped returns the number of events and snapshots discarded because the
// queue was full.
func (b *BufferedSink) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting calls and waits for the queued ones to be forwarded.
func (b *BufferedSink) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
	return nil
}
