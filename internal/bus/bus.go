// Package bus delivers normalized events to measurement pipelines and pushes
// events, snapshots and errors to external sinks.
package bus

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/timing"
)

// Handler processes one event. Handlers must treat the event as read-only;
// the same value is handed to every subscriber.
type Handler interface {
	HandleEvent(ev *timing.Event) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ev *timing.Event) error

func (f HandlerFunc) HandleEvent(ev *timing.Event) error { return f(ev) }

// ID identifies a subscription.
type ID uint64

type subscription struct {
	id      ID
	name    string
	handler Handler

	// inline subscriptions only use closed; worker subscriptions guard the
	// queue with mu so that a send never races with close.
	closed atomic.Bool
	mu     sync.Mutex
	queue  chan *timing.Event
}

// Option configures a subscription.
type Option func(*subscription)

// WithWorker runs the handler on its own goroutine, fed by an ordered queue
// of the given depth. Publish blocks when the queue is full rather than drop
// events, so ordering and completeness are kept.
func WithWorker(depth int) Option {
	return func(s *subscription) {
		if depth <= 0 {
			depth = 1
		}
		s.queue = make(chan *timing.Event, depth)
	}
}

// Stats are running counters of a Bus.
type Stats struct {
	Published     uint64 `json:"published"`
	HandlerErrors uint64 `json:"handler_errors"`
	Subscribers   int    `json:"subscribers"`
}

// Bus fans events out to subscribers in publish order. Publish is expected to
// be called from a single goroutine; Subscribe, Unsubscribe and AddSink may
// be called concurrently with it.
type Bus struct {
	mu     sync.Mutex
	subs   atomic.Pointer[[]*subscription]
	sinks  atomic.Pointer[[]Sink]
	nextID ID
	wg     sync.WaitGroup

	published     atomic.Uint64
	handlerErrors atomic.Uint64
}

// New returns an empty Bus.
func New() *Bus {
	b := &Bus{}
	b.subs.Store(&[]*subscription{})
	b.sinks.Store(&[]Sink{})
	return b
}

// Subscribe registers h under a diagnostic name. The subscriber receives
// events published after Subscribe returns.
func (b *Bus) Subscribe(name string, h Handler, opts ...Option) ID {
	s := &subscription{name: name, handler: h}
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s.id = b.nextID

	if s.queue != nil {
		b.wg.Add(1)
		go b.work(s)
	}

	subs := slices.Clone(*b.subs.Load())
	subs = append(subs, s)
	b.subs.Store(&subs)
	return s.id
}

// Unsubscribe removes a subscription. A worker subscription finishes the
// events already queued for it. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id ID) {
	b.mu.Lock()
	subs := *b.subs.Load()
	i := slices.IndexFunc(subs, func(s *subscription) bool { return s.id == id })
	if i < 0 {
		b.mu.Unlock()
		return
	}
	s := subs[i]
	next := slices.Delete(slices.Clone(subs), i, i+1)
	b.subs.Store(&next)
	b.mu.Unlock()

	s.mu.Lock()
	if !s.closed.Swap(true) && s.queue != nil {
		close(s.queue)
	}
	s.mu.Unlock()
}

// AddSink registers an external consumer.
func (b *Bus) AddSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sinks := slices.Clone(*b.sinks.Load())
	sinks = append(sinks, sink)
	b.sinks.Store(&sinks)
}

// Publish delivers ev to every current subscriber and then to the sinks. A
// failing subscriber is reported and does not affect the others.
func (b *Bus) Publish(ev *timing.Event) {
	for _, s := range *b.subs.Load() {
		if s.queue == nil {
			if !s.closed.Load() {
				b.invoke(s, ev)
			}
			continue
		}
		s.mu.Lock()
		if !s.closed.Load() {
			s.queue <- ev
		}
		s.mu.Unlock()
	}
	for _, sink := range *b.sinks.Load() {
		sink.OnEvent(ev)
	}
	b.published.Add(1)
}

// PublishSnapshot pushes a pipeline snapshot to the sinks.
func (b *Bus) PublishSnapshot(pipeline string, snap Snapshot) {
	for _, sink := range *b.sinks.Load() {
		sink.OnSnapshot(pipeline, snap)
	}
}

// ReportError pushes an error to the sinks.
func (b *Bus) ReportError(kind ErrorKind, err error) {
	sinks := *b.sinks.Load()
	if len(sinks) == 0 {
		monitoring.Logf("%s: %v", kind, err)
		return
	}
	for _, sink := range sinks {
		sink.OnError(kind, err)
	}
}

// Stats returns the running counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Subscribers:   len(*b.subs.Load()),
	}
}

// Close removes every subscription and waits for worker subscriptions to
// drain their queues.
func (b *Bus) Close() {
	for _, s := range *b.subs.Load() {
		b.Unsubscribe(s.id)
	}
	b.wg.Wait()
}

func (b *Bus) work(s *subscription) {
	defer b.wg.Done()
	for ev := range s.queue {
		b.invoke(s, ev)
	}
}

func (b *Bus) invoke(s *subscription, ev *timing.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.fail(fmt.Errorf("%w: %s: panic: %v", ErrHandler, s.name, r))
		}
	}()
	if err := s.handler.HandleEvent(ev); err != nil {
		b.fail(fmt.Errorf("%w: %s: %w", ErrHandler, s.name, err))
	}
}

func (b *Bus) fail(err error) {
	b.handlerErrors.Add(1)
	b.ReportError(PipelineHandlerError, err)
}
