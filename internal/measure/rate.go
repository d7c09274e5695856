package measure

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/muon.report/internal/bus"
	"github.com/banshee-data/muon.report/internal/daq"
	"github.com/banshee-data/muon.report/internal/timing"
)

// TriggerKey is the rate key counting every event.
const TriggerKey = "trigger"

// ChannelKey returns the rate key of a single channel, "ch0" to "ch3".
func ChannelKey(ch int) string {
	return "ch" + strconv.Itoa(ch)
}

// CoincidenceKey returns the rate key of a channel combination, for example
// "ch0+ch1". Channel order does not matter.
func CoincidenceKey(chs []int) string {
	sorted := slices.Clone(chs)
	slices.Sort(sorted)
	parts := make([]string, len(sorted))
	for i, ch := range sorted {
		parts[i] = ChannelKey(ch)
	}
	return strings.Join(parts, "+")
}

// RateConfig configures the rate pipeline.
type RateConfig struct {
	// Coincidences lists channel sets counted when all of them fire in the
	// same trigger.
	Coincidences [][]int
}

// Rate counts triggers per channel and per coincidence combination since the
// last reset.
type Rate struct {
	base
	combos [][]int
	keys   []string

	mu       sync.Mutex
	start    time.Time
	channels [daq.NumChannels]uint64
	coinc    []uint64
	triggers uint64

	// interval rate bookkeeping for min/max across snapshots
	lastAt       time.Time
	lastTriggers uint64
	minRate      float64
	maxRate      float64
	intervals    int
}

// NewRate builds a rate pipeline. Duplicate combinations are collapsed.
func NewRate(cfg RateConfig, opts ...Option) (*Rate, error) {
	r := &Rate{base: newBase(RateName, opts)}
	seen := map[string]bool{}
	for _, combo := range cfg.Coincidences {
		if len(combo) < 2 {
			return nil, fmt.Errorf("%w: coincidence %v needs at least two channels", ErrInvalidConfig, combo)
		}
		if err := checkChannels("coincidence", combo); err != nil {
			return nil, err
		}
		key := CoincidenceKey(combo)
		if seen[key] {
			continue
		}
		seen[key] = true
		r.combos = append(r.combos, slices.Clone(combo))
		r.keys = append(r.keys, key)
	}
	r.coinc = make([]uint64, len(r.combos))
	r.start = r.clock.Now()
	r.lastAt = r.start
	return r, nil
}

// HandleEvent counts ev.
func (r *Rate) HandleEvent(ev *timing.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers++
	for ch := range daq.NumChannels {
		if ev.HasPulse(ch) {
			r.channels[ch]++
		}
	}
	for i, combo := range r.combos {
		if allFired(ev, combo) {
			r.coinc[i]++
		}
	}
	return nil
}

func allFired(ev *timing.Event, chs []int) bool {
	for _, ch := range chs {
		if !ev.HasPulse(ch) {
			return false
		}
	}
	return true
}

// Count returns the count for key and whether the key is known.
func (r *Rate) Count(key string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked(key)
}

func (r *Rate) countLocked(key string) (uint64, bool) {
	if key == TriggerKey {
		return r.triggers, true
	}
	for ch := range daq.NumChannels {
		if key == ChannelKey(ch) {
			return r.channels[ch], true
		}
	}
	if i := slices.Index(r.keys, key); i >= 0 {
		return r.coinc[i], true
	}
	return 0, false
}

// Rate returns count(key) divided by the seconds elapsed since the last
// reset. Unknown keys and a zero elapsed time give 0.
func (r *Rate) Rate(key string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, _ := r.countLocked(key)
	return perSecond(n, r.clock.Since(r.start))
}

func perSecond(n uint64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}

// Reset zeroes every counter and restarts the timer. Snapshots never observe
// a partial reset.
func (r *Rate) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = [daq.NumChannels]uint64{}
	clear(r.coinc)
	r.triggers = 0
	r.start = r.clock.Now()
	r.lastAt = r.start
	r.lastTriggers = 0
	r.minRate, r.maxRate, r.intervals = 0, 0, 0
}

// CloseInterval ends the current reporting interval and folds its trigger
// rate into the min/max seen. The Reporter calls it once per report.
func (r *Rate) CloseInterval() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	d := now.Sub(r.lastAt)
	if d <= 0 {
		return
	}
	ir := perSecond(r.triggers-r.lastTriggers, d)
	if r.intervals == 0 {
		r.minRate, r.maxRate = ir, ir
	} else {
		r.minRate = math.Min(r.minRate, ir)
		r.maxRate = math.Max(r.maxRate, ir)
	}
	r.intervals++
	r.lastAt = now
	r.lastTriggers = r.triggers
}

// Snapshot returns the counts and rates without touching interval state.
func (r *Rate) Snapshot() bus.Snapshot {
	return r.RateSnapshot()
}

// RateSnapshot is Snapshot with the concrete type.
func (r *Rate) RateSnapshot() RateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.meta()
	elapsed := m.TakenAt.Sub(r.start)
	s := RateSnapshot{
		Meta:           m,
		Elapsed:        elapsed,
		Counts:         make(map[string]uint64, daq.NumChannels+len(r.keys)+1),
		Rates:          make(map[string]float64, daq.NumChannels+len(r.keys)+1),
		MinTriggerRate: r.minRate,
		MaxTriggerRate: r.maxRate,
	}
	add := func(key string, n uint64) {
		s.Counts[key] = n
		s.Rates[key] = perSecond(n, elapsed)
	}
	add(TriggerKey, r.triggers)
	for ch, n := range r.channels {
		add(ChannelKey(ch), n)
	}
	for i, key := range r.keys {
		add(key, r.coinc[i])
	}
	return s
}
