package measure

import (
	"fmt"
	"slices"
	"sync"

	"github.com/banshee-data/muon.report/internal/bus"
	"github.com/banshee-data/muon.report/internal/histogram"
	"github.com/banshee-data/muon.report/internal/timing"
)

// VelocityConfig configures the time-of-flight pipeline.
type VelocityConfig struct {
	UpperChannels []int
	LowerChannels []int
	// WindowNS bounds |Δt|; the histogram covers [-WindowNS, WindowNS].
	WindowNS   float64
	BinWidthNS float64
}

// DefaultVelocityConfig returns channel 0 above channel 1 with a ±100 ns
// window in 2.5 ns bins.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		UpperChannels: []int{0},
		LowerChannels: []int{1},
		WindowNS:      100,
		BinWidthNS:    2.5,
	}
}

// Velocity histograms Δt = lower - upper between the earliest leading edges
// seen on two detector planes in the same trigger. Turning Δt into a speed
// needs the plane separation and is left to consumers.
type Velocity struct {
	base
	cfg VelocityConfig

	mu      sync.Mutex
	hist    *histogram.Histogram
	pending *pendingQueue
	matched uint64
	ignored uint64
	down    uint64
	up      uint64
	level   uint64
	downSum float64
	upSum   float64
}

// NewVelocity validates cfg and returns an empty velocity pipeline.
func NewVelocity(cfg VelocityConfig, opts ...Option) (*Velocity, error) {
	if len(cfg.UpperChannels) == 0 || len(cfg.LowerChannels) == 0 {
		return nil, fmt.Errorf("%w: velocity needs upper and lower channels", ErrInvalidConfig)
	}
	if err := checkChannels("upper", cfg.UpperChannels); err != nil {
		return nil, err
	}
	if err := checkChannels("lower", cfg.LowerChannels); err != nil {
		return nil, err
	}
	for _, ch := range cfg.UpperChannels {
		if slices.Contains(cfg.LowerChannels, ch) {
			return nil, fmt.Errorf("%w: channel %d is on both planes", ErrInvalidConfig, ch)
		}
	}
	hist, err := histogram.New(-cfg.WindowNS, cfg.WindowNS, cfg.BinWidthNS)
	if err != nil {
		return nil, fmt.Errorf("%w: velocity histogram: %w", ErrInvalidConfig, err)
	}
	return &Velocity{
		base:    newBase(VelocityName, opts),
		cfg:     cfg,
		hist:    hist,
		pending: newPendingQueue(1),
	}, nil
}

// HandleEvent records the flight time of ev when both planes fired. Events
// seeing only one plane are counted as ignored and leave the histogram alone.
func (v *Velocity) HandleEvent(ev *timing.Event) error {
	upper, okUpper := ev.EarliestLeading(v.cfg.UpperChannels)
	lower, okLower := ev.EarliestLeading(v.cfg.LowerChannels)

	v.mu.Lock()
	defer v.mu.Unlock()
	if !okUpper || !okLower {
		v.ignored++
		return nil
	}

	// the lower plane may fire first for upward going particles, so the
	// match window opens on both sides of the upper hit
	upper, lower = ev.AbsoluteNS(upper), ev.AbsoluteNS(lower)
	v.pending.open(upper, upper+v.cfg.WindowNS)
	dt, ok := v.pending.match(lower, -v.cfg.WindowNS, v.cfg.WindowNS)
	if !ok {
		// out of window; the start does not outlive its event
		v.pending.drain()
		return nil
	}
	v.hist.Add(dt)
	v.matched++
	switch {
	case dt > 0:
		v.down++
		v.downSum += dt
	case dt < 0:
		v.up++
		v.upSum -= dt
	default:
		v.level++
	}
	return nil
}

// Reset clears the histogram and every counter.
func (v *Velocity) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hist.Reset()
	v.pending.reset()
	v.matched, v.ignored, v.down, v.up, v.level = 0, 0, 0, 0, 0
	v.downSum, v.upSum = 0, 0
}

// Snapshot implements Pipeline.
func (v *Velocity) Snapshot() bus.Snapshot {
	return v.VelocitySnapshot()
}

// VelocitySnapshot returns a copy of the Δt histogram and counters.
func (v *Velocity) VelocitySnapshot() VelocitySnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return VelocitySnapshot{
		Meta:      v.meta(),
		Histogram: v.hist.Snapshot(),
		Matched:   v.matched,
		Ignored:   v.ignored,
		Expired:   v.pending.expired,
		Down:      v.down,
		Up:        v.up,
		Level:     v.level,
		DownSumNS: v.downSum,
		UpSumNS:   v.upSum,
	}
}
