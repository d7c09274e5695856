package measure

import (
	"fmt"
	"sync"

	"github.com/banshee-data/muon.report/internal/bus"
	"github.com/banshee-data/muon.report/internal/timing"
)

// DefaultPulseBufferSize is the number of events kept by the pulse pipeline.
const DefaultPulseBufferSize = 100

// Pulse keeps the latest N events for inspection. It does no aggregation.
type Pulse struct {
	base

	mu   sync.Mutex
	ring []timing.Event
	next int // slot the next insert writes
	full bool
	seen uint64
}

// NewPulse returns a pulse pipeline holding up to size events.
func NewPulse(size int, opts ...Option) (*Pulse, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: pulse buffer size %d", ErrInvalidConfig, size)
	}
	return &Pulse{base: newBase(PulseName, opts), ring: make([]timing.Event, size)}, nil
}

// HandleEvent stores a copy of ev, evicting the oldest event when full.
func (p *Pulse) HandleEvent(ev *timing.Event) error {
	c := ev.Clone()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring[p.next] = c
	p.next++
	if p.next == len(p.ring) {
		p.next = 0
		p.full = true
	}
	p.seen++
	return nil
}

// Len returns the number of buffered events.
func (p *Pulse) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lenLocked()
}

func (p *Pulse) lenLocked() int {
	if p.full {
		return len(p.ring)
	}
	return p.next
}

// Events returns copies of the buffered events, oldest first.
func (p *Pulse) Events() []timing.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eventsLocked()
}

func (p *Pulse) eventsLocked() []timing.Event {
	n := p.lenLocked()
	out := make([]timing.Event, 0, n)
	start := 0
	if p.full {
		start = p.next
	}
	for i := range n {
		ev := &p.ring[(start+i)%len(p.ring)]
		out = append(out, ev.Clone())
	}
	return out
}

// Reset empties the buffer.
func (p *Pulse) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.ring)
	p.next, p.full, p.seen = 0, false, 0
}

// Snapshot implements Pipeline.
func (p *Pulse) Snapshot() bus.Snapshot {
	return p.PulseSnapshot()
}

// PulseSnapshot returns the buffered events and the pulse widths of the most
// recent one.
func (p *Pulse) PulseSnapshot() PulseSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PulseSnapshot{
		Meta:     p.meta(),
		Capacity: len(p.ring),
		Seen:     p.seen,
		Events:   p.eventsLocked(),
	}
	if n := len(s.Events); n > 0 {
		s.LatestWidths = s.Events[n-1].Widths()
	}
	return s
}
