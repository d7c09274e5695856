// Package measure implements the measurement pipelines fed by the event bus:
// trigger rates, a pulse ring buffer, muon decay times and two-plane time of
// flight. Each pipeline owns its state behind a mutex and hands out immutable
// snapshots.
package measure

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/muon.report/internal/bus"
	"github.com/banshee-data/muon.report/internal/daq"
	"github.com/banshee-data/muon.report/internal/timeutil"
)

// Pipeline names, also used as bus subscriber names.
const (
	RateName     = "rate"
	PulseName    = "pulse"
	DecayName    = "decay"
	VelocityName = "velocity"
)

// ErrInvalidConfig is returned by pipeline constructors for unusable settings.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// Snapshotter produces named snapshots for the Reporter.
type Snapshotter interface {
	Name() string
	Snapshot() bus.Snapshot
}

// IntervalCloser is implemented by Snapshotters that keep per-report-interval
// statistics. The Reporter closes an interval before each snapshot, so other
// readers never shift the interval boundaries.
type IntervalCloser interface {
	CloseInterval()
}

// Pipeline is a bus subscriber that aggregates events into a snapshot.
type Pipeline interface {
	bus.Handler
	Snapshotter
	Reset()
}

// Option configures the clock and run id shared by every pipeline.
type Option func(*base)

// WithClock sets the clock used for elapsed times and snapshot stamps.
func WithClock(c timeutil.Clock) Option {
	return func(b *base) { b.clock = c }
}

// WithRunID tags every snapshot with the given acquisition run.
func WithRunID(id uuid.UUID) Option {
	return func(b *base) { b.runID = id }
}

type base struct {
	name  string
	clock timeutil.Clock
	runID uuid.UUID
}

func newBase(name string, opts []Option) base {
	b := base{name: name, clock: timeutil.RealClock{}}
	for _, o := range opts {
		o(&b)
	}
	return b
}

func (b *base) Name() string { return b.name }

func (b *base) meta() Meta {
	return Meta{Pipeline: b.name, RunID: b.runID, TakenAt: b.clock.Now()}
}

// Meta identifies a snapshot.
type Meta struct {
	Pipeline string    `json:"pipeline"`
	RunID    uuid.UUID `json:"run_id"`
	TakenAt  time.Time `json:"taken_at"`
}

// PipelineName implements bus.Snapshot.
func (m Meta) PipelineName() string { return m.Pipeline }

// Subscribe registers p on b under its own name.
func Subscribe(b *bus.Bus, p Pipeline, opts ...bus.Option) bus.ID {
	return b.Subscribe(p.Name(), p, opts...)
}

func checkChannels(what string, chs []int) error {
	for _, ch := range chs {
		if ch < 0 || ch >= daq.NumChannels {
			return fmt.Errorf("%w: %s channel %d out of range [0, %d)", ErrInvalidConfig, what, ch, daq.NumChannels)
		}
	}
	return nil
}

func containsChannel(chs []int, ch int) bool {
	for _, c := range chs {
		if c == ch {
			return true
		}
	}
	return false
}
