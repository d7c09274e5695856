package measure

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/banshee-data/muon.report/internal/bus"
	"github.com/banshee-data/muon.report/internal/daq"
	"github.com/banshee-data/muon.report/internal/histogram"
	"github.com/banshee-data/muon.report/internal/timing"
)

// NoVeto disables the veto channel.
const NoVeto = -1

// WidthRange bounds the accepted pulse width in nanoseconds. A zero Max
// means no upper bound.
type WidthRange struct {
	Min float64
	Max float64
}

func (w WidthRange) accepts(width float64) bool {
	return width >= w.Min && (w.Max <= 0 || width <= w.Max)
}

// DecayConfig configures the decay pipeline.
type DecayConfig struct {
	StopChannels  []int
	DecayChannels []int
	// VetoChannel rejects every event with a pulse on it. NoVeto disables.
	VetoChannel int
	MinDecayNS  float64
	MaxDecayNS  float64
	BinWidthNS  float64
	StopWidth   WidthRange
	DecayWidth  WidthRange
	// MaxPending bounds the number of unmatched stops held at once.
	MaxPending int
}

// DefaultDecayConfig returns a 20 µs window on channel 0 with 250 ns bins.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		StopChannels:  []int{0},
		DecayChannels: []int{0},
		VetoChannel:   NoVeto,
		MinDecayNS:    0,
		MaxDecayNS:    20000,
		BinWidthNS:    250,
		MaxPending:    16,
	}
}

// Decay pairs stop pulses with later decay-electron pulses and histograms the
// time between them. Times are compared on the wire clock, so stops carried
// by one event can be matched by pulses of a later one.
type Decay struct {
	base
	cfg DecayConfig

	mu       sync.Mutex
	hist     *histogram.Histogram
	pending  *pendingQueue
	stops    uint64
	matched  uint64
	vetoed   uint64
	rejected uint64
}

// NewDecay validates cfg and returns an empty decay pipeline.
func NewDecay(cfg DecayConfig, opts ...Option) (*Decay, error) {
	if len(cfg.StopChannels) == 0 || len(cfg.DecayChannels) == 0 {
		return nil, fmt.Errorf("%w: decay needs stop and decay channels", ErrInvalidConfig)
	}
	if err := checkChannels("stop", cfg.StopChannels); err != nil {
		return nil, err
	}
	if err := checkChannels("decay", cfg.DecayChannels); err != nil {
		return nil, err
	}
	if cfg.VetoChannel != NoVeto {
		if err := checkChannels("veto", []int{cfg.VetoChannel}); err != nil {
			return nil, err
		}
	}
	if cfg.MinDecayNS < 0 {
		return nil, fmt.Errorf("%w: negative minimum decay time %v", ErrInvalidConfig, cfg.MinDecayNS)
	}
	hist, err := histogram.New(cfg.MinDecayNS, cfg.MaxDecayNS, cfg.BinWidthNS)
	if err != nil {
		return nil, fmt.Errorf("%w: decay histogram: %w", ErrInvalidConfig, err)
	}
	if cfg.MaxPending < 1 {
		cfg.MaxPending = DefaultDecayConfig().MaxPending
	}
	return &Decay{
		base:    newBase(DecayName, opts),
		cfg:     cfg,
		hist:    hist,
		pending: newPendingQueue(cfg.MaxPending),
	}, nil
}

type decayPulse struct {
	at    float64
	stop  bool
	decay bool
}

// HandleEvent advances the pending stops to the event's time, then walks its
// pulses in time order. A pulse on a decay channel first tries to close the
// earliest open stop; if it does not, a pulse on a stop channel opens a new
// one.
func (d *Decay) HandleEvent(ev *timing.Event) error {
	if d.cfg.VetoChannel != NoVeto && ev.HasPulse(d.cfg.VetoChannel) {
		d.mu.Lock()
		d.vetoed++
		d.mu.Unlock()
		return nil
	}

	pulses, rejected := d.candidates(ev)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected += rejected
	d.pending.expire(ev.TriggerTimeNS)
	for _, p := range pulses {
		d.pending.expire(p.at)
		if p.decay {
			if dt, ok := d.pending.match(p.at, d.minGap(), d.cfg.MaxDecayNS); ok {
				d.hist.Add(dt)
				d.matched++
				continue
			}
		}
		if p.stop {
			d.pending.open(p.at, p.at+d.cfg.MaxDecayNS)
			d.stops++
		}
	}
	return nil
}

// minGap keeps a pulse from pairing with itself when stop and decay channels
// overlap.
func (d *Decay) minGap() float64 {
	if d.cfg.MinDecayNS > 0 {
		return d.cfg.MinDecayNS
	}
	return smallestGapNS
}

// smallestGapNS is below one TMC bin, so any two distinct edges qualify.
const smallestGapNS = timing.TMCBinNS / 2

func (d *Decay) candidates(ev *timing.Event) ([]decayPulse, uint64) {
	var (
		out      []decayPulse
		rejected uint64
	)
	for ch := range daq.NumChannels {
		isStop := containsChannel(d.cfg.StopChannels, ch)
		isDecay := containsChannel(d.cfg.DecayChannels, ch)
		if !isStop && !isDecay {
			continue
		}
		for _, p := range ev.Pulses[ch] {
			w := p.Width()
			c := decayPulse{
				at:    ev.AbsoluteNS(p.LeadingNS),
				stop:  isStop && d.cfg.StopWidth.accepts(w),
				decay: isDecay && d.cfg.DecayWidth.accepts(w),
			}
			if !c.stop && !c.decay {
				rejected++
				continue
			}
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(a, b decayPulse) int { return cmp.Compare(a.at, b.at) })
	return out, rejected
}

// Pending returns the number of stops waiting for a decay.
func (d *Decay) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.size()
}

// Reset clears the histogram, the pending stops and every counter.
func (d *Decay) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hist.Reset()
	d.pending.reset()
	d.stops, d.matched, d.vetoed, d.rejected = 0, 0, 0, 0
}

// Snapshot implements Pipeline.
func (d *Decay) Snapshot() bus.Snapshot {
	return d.DecaySnapshot()
}

// DecaySnapshot returns a copy of the decay histogram and counters.
func (d *Decay) DecaySnapshot() DecaySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DecaySnapshot{
		Meta:      d.meta(),
		Histogram: d.hist.Snapshot(),
		Stops:     d.stops,
		Matched:   d.matched,
		Expired:   d.pending.expired,
		Pending:   d.pending.size(),
		Vetoed:    d.vetoed,
		Rejected:  d.rejected,
	}
}
