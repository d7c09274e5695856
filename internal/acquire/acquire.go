// Package acquire runs the acquisition loop: it reads the card, decodes and
// normalizes trigger events and publishes them on the bus in wire order.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/muon.report/internal/bus"
	"github.com/banshee-data/muon.report/internal/daq"
	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/timeutil"
	"github.com/banshee-data/muon.report/internal/timing"
)

// Name identifies acquisition snapshots on the bus.
const Name = "acquire"

// Tail receives every raw frame read from the card. serialmux.SerialMux
// implements it.
type Tail interface {
	Publish(line string)
}

// Acquirer owns the decoder of one card. Run may be called again after it
// returns, with a new source, to resume after a reconnect; the decoder's
// diagnostics carry over.
type Acquirer struct {
	bus        *bus.Bus
	decoder    *daq.Decoder
	normalizer timing.Normalizer
	tail       Tail
	clock      timeutil.Clock
	runID      uuid.UUID

	mu       sync.Mutex
	settings daq.CardSettings
	initial  daq.CardSettings
	scalers  scalerTracker
	reported daq.Diagnostics
}

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithNormalizer overrides the default 40 ns / 1.25 ns bin widths.
func WithNormalizer(n timing.Normalizer) Option {
	return func(a *Acquirer) { a.normalizer = n }
}

// WithTail mirrors raw frames to t.
func WithTail(t Tail) Option {
	return func(a *Acquirer) { a.tail = t }
}

// WithDecoderOptions passes options to the frame decoder.
func WithDecoderOptions(opts ...daq.DecoderOption) Option {
	return func(a *Acquirer) { a.decoder = daq.NewDecoder(nil, opts...) }
}

// WithClock sets the clock used to stamp snapshots.
func WithClock(c timeutil.Clock) Option {
	return func(a *Acquirer) { a.clock = c }
}

// WithRunID tags snapshots with the acquisition run.
func WithRunID(id uuid.UUID) Option {
	return func(a *Acquirer) { a.runID = id }
}

// New returns an Acquirer publishing to b.
func New(b *bus.Bus, opts ...Option) *Acquirer {
	a := &Acquirer{
		bus:        b,
		normalizer: timing.DefaultNormalizer(),
		clock:      timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.decoder == nil {
		a.decoder = daq.NewDecoder(nil)
	}
	a.decoder.OnMessage = a.onMessage
	a.decoder.OnError = func(err error) {
		monitoring.Debugf("acquire: recovered: %v", err)
	}
	if a.tail != nil {
		a.decoder.OnFrame = func(frame []byte) {
			if len(frame) > 0 {
				a.tail.Publish(string(frame))
			}
		}
	}
	return a
}

func (a *Acquirer) onMessage(msg string) {
	if sc, ok := daq.ParseScalers(msg); ok {
		a.mu.Lock()
		updated := a.scalers.update(sc, a.clock.Now())
		r := a.scalers.rates
		a.mu.Unlock()
		if updated {
			monitoring.Debugf("acquire: scaler trigger rate %.2f Hz over %s", r.TriggerHz, r.Window)
		}
		return
	}

	a.mu.Lock()
	changed := a.settings.Apply(msg)
	s := a.settings
	if changed && !a.initial.HaveChannels && s.HaveChannels {
		a.initial = s
	}
	a.mu.Unlock()
	if changed {
		monitoring.Logf("acquire: card settings %+v", s)
	}
}

// Run reads src until ctx is done, the stream ends or the device fails. A
// clean end of stream returns nil. A read failure is reported to the sinks as
// DeviceDisconnected and returned wrapping daq.ErrDeviceDisconnected.
//
// The blocking read happens on a separate goroutine; if src is an io.Closer
// it is closed on cancellation so that goroutine can exit. Run does not
// return before it has.
func (a *Acquirer) Run(ctx context.Context, src io.Reader) error {
	a.decoder.Reset(src)

	type result struct {
		ev  daq.TriggerEvent
		err error
	}
	results := make(chan result)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(results)
		for {
			ev, err := a.decoder.Next()
			select {
			case results <- result{ev, err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		close(stop)
		if c, ok := src.(io.Closer); ok {
			c.Close()
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-results:
			if !ok {
				return nil
			}
			if errors.Is(r.err, io.EOF) {
				return nil
			}
			if r.err != nil {
				a.bus.ReportError(bus.DeviceDisconnected, r.err)
				return r.err
			}
			// a fresh event per publish; worker subscribers hold on to it
			ev := a.normalizer.Normalize(r.ev)
			a.bus.Publish(&ev)
		}
	}
}

// Settings returns the card configuration reported so far.
func (a *Acquirer) Settings() daq.CardSettings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// InitialSettings returns the settings from the first DC reply, before any
// later register writes. Its RestoreCommands undo those writes.
func (a *Acquirer) InitialSettings() daq.CardSettings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initial
}

// ScalerRates returns the rates from the card's scaler counters and whether
// two usable DS replies have been seen.
func (a *Acquirer) ScalerRates() (ScalerRates, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scalers.rates, a.scalers.rates.Readings > 0
}

// Diagnostics returns the decoder counters.
func (a *Acquirer) Diagnostics() daq.Diagnostics {
	return a.decoder.Diagnostics()
}

// Name implements measure.Snapshotter.
func (a *Acquirer) Name() string { return Name }

// Snapshot returns the acquisition counters. Recovered framing and pulse
// errors since the previous snapshot are reported to the sinks as one
// aggregate error per kind.
func (a *Acquirer) Snapshot() bus.Snapshot {
	d := a.decoder.Diagnostics()

	a.mu.Lock()
	prev := a.reported
	a.reported = d
	settings := a.settings
	scalers := a.scalers.rates
	a.mu.Unlock()

	if n := d.FramesDropped - prev.FramesDropped; n > 0 {
		a.bus.ReportError(bus.FramingError,
			fmt.Errorf("%w: %d frames dropped since last report", daq.ErrFraming, n))
	}
	if n := d.MalformedPulses - prev.MalformedPulses; n > 0 {
		a.bus.ReportError(bus.EdgeOrderingError,
			fmt.Errorf("%w: %d malformed pulses since last report", daq.ErrEdgeOrdering, n))
	}

	return Snapshot{
		Pipeline:    Name,
		RunID:       a.runID,
		TakenAt:     a.clock.Now(),
		Diagnostics: d,
		Bus:         a.bus.Stats(),
		Settings:    settings,
		Scalers:     scalers,
	}
}

// Snapshot is the acquisition state published alongside pipeline snapshots.
type Snapshot struct {
	Pipeline    string           `json:"pipeline"`
	RunID       uuid.UUID        `json:"run_id"`
	TakenAt     time.Time        `json:"taken_at"`
	Diagnostics daq.Diagnostics  `json:"diagnostics"`
	Bus         bus.Stats        `json:"bus"`
	Settings    daq.CardSettings `json:"settings"`
	Scalers     ScalerRates      `json:"scalers"`
}

// PipelineName implements bus.Snapshot.
func (s Snapshot) PipelineName() string { return s.Pipeline }

// Summary implements bus.Snapshot.
func (s Snapshot) Summary() string {
	d := s.Diagnostics
	line := fmt.Sprintf("frames=%d events=%d dropped=%d discarded=%d malformed=%d published=%d",
		d.FramesSeen, d.EventsDecoded, d.FramesDropped, d.EventsDiscarded, d.MalformedPulses, s.Bus.Published)
	if s.Scalers.Readings > 0 {
		line += fmt.Sprintf(" scaler_trigger=%.2fHz", s.Scalers.TriggerHz)
	}
	return line
}
