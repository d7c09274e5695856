package measure

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/banshee-data/muon.report/internal/daq"
	"github.com/banshee-data/muon.report/internal/histogram"
	"github.com/banshee-data/muon.report/internal/timing"
)

// RateSnapshot carries counts and rates keyed by TriggerKey, ChannelKey and
// CoincidenceKey.
type RateSnapshot struct {
	Meta
	Elapsed        time.Duration      `json:"elapsed"`
	Counts         map[string]uint64  `json:"counts"`
	Rates          map[string]float64 `json:"rates"`
	MinTriggerRate float64            `json:"min_trigger_rate"`
	MaxTriggerRate float64            `json:"max_trigger_rate"`
}

// Summary implements bus.Snapshot.
func (s RateSnapshot) Summary() string {
	keys := make([]string, 0, len(s.Rates))
	for k := range s.Rates {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "elapsed=%s", s.Elapsed.Round(time.Second))
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%.2f/s", k, s.Rates[k])
	}
	return b.String()
}

// PulseSnapshot carries the buffered events, oldest first.
type PulseSnapshot struct {
	Meta
	Capacity     int                        `json:"capacity"`
	Seen         uint64                     `json:"seen"`
	Events       []timing.Event             `json:"events"`
	LatestWidths [daq.NumChannels][]float64 `json:"latest_widths"`
}

// Summary implements bus.Snapshot.
func (s PulseSnapshot) Summary() string {
	return fmt.Sprintf("buffered=%d/%d seen=%d", len(s.Events), s.Capacity, s.Seen)
}

// DecaySnapshot carries the decay time histogram and match counters.
type DecaySnapshot struct {
	Meta
	Histogram histogram.Snapshot `json:"histogram"`
	Stops     uint64             `json:"stops"`
	Matched   uint64             `json:"matched"`
	Expired   uint64             `json:"expired"`
	Pending   int                `json:"pending"`
	Vetoed    uint64             `json:"vetoed"`
	Rejected  uint64             `json:"rejected"`
}

// Lifetime fits an exponential to the current histogram. It is recomputed on
// every call.
func (s DecaySnapshot) Lifetime() (histogram.ExpFit, error) {
	return s.Histogram.FitExponential()
}

// Summary implements bus.Snapshot.
func (s DecaySnapshot) Summary() string {
	tau := "n/a"
	if fit, err := s.Lifetime(); err == nil {
		tau = fmt.Sprintf("%.0fns", fit.Tau)
	}
	return fmt.Sprintf("decays=%d stops=%d expired=%d pending=%d tau=%s",
		s.Matched, s.Stops, s.Expired, s.Pending, tau)
}

// VelocitySnapshot carries the Δt histogram and direction counters. Down
// counts upper-before-lower hits. DownSumNS and UpSumNS hold the summed
// |Δt| of each direction.
type VelocitySnapshot struct {
	Meta
	Histogram histogram.Snapshot `json:"histogram"`
	Matched   uint64             `json:"matched"`
	Ignored   uint64             `json:"ignored"`
	Expired   uint64             `json:"expired"`
	Down      uint64             `json:"down"`
	Up        uint64             `json:"up"`
	Level     uint64             `json:"level"`
	DownSumNS float64            `json:"down_sum_ns"`
	UpSumNS   float64            `json:"up_sum_ns"`
}

// MeanFlightNS returns the mean flight time of downward particles, or NaN
// when none were seen. Upward and level hits are excluded.
func (s VelocitySnapshot) MeanFlightNS() float64 {
	if s.Down == 0 {
		return math.NaN()
	}
	return s.DownSumNS / float64(s.Down)
}

// MeanUpFlightNS returns the mean |Δt| of upward particles, or NaN when none
// were seen.
func (s VelocitySnapshot) MeanUpFlightNS() float64 {
	if s.Up == 0 {
		return math.NaN()
	}
	return s.UpSumNS / float64(s.Up)
}

// DownFraction returns the share of matched particles travelling downwards.
func (s VelocitySnapshot) DownFraction() float64 {
	if s.Matched == 0 {
		return math.NaN()
	}
	return float64(s.Down) / float64(s.Matched)
}

// Summary implements bus.Snapshot.
func (s VelocitySnapshot) Summary() string {
	return fmt.Sprintf("matched=%d ignored=%d expired=%d down=%d up=%d mean_down_dt=%.2fns",
		s.Matched, s.Ignored, s.Expired, s.Down, s.Up, s.MeanFlightNS())
}
