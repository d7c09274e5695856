// Package timing converts raw card counters into nanosecond times.
package timing

import (
	"github.com/banshee-data/muon.report/internal/daq"
)

// Default bin widths of the 6000-series cards.
const (
	CPLDBinNS = 40.0
	TMCBinNS  = 1.25
)

// Pulse is one pulse on a channel. Both times are offsets in nanoseconds from
// the trigger time of the event that carries it.
type Pulse struct {
	LeadingNS float64 `json:"le_ns"`
	FallingNS float64 `json:"fe_ns"`
}

// Width returns the time over threshold of the pulse.
func (p Pulse) Width() float64 {
	return p.FallingNS - p.LeadingNS
}

// Event is a trigger with every counter converted to nanoseconds. Times are
// only as precise as the bin widths they were derived from.
type Event struct {
	TriggerTimeNS float64                  `json:"trigger_time_ns"`
	Pulses        [daq.NumChannels][]Pulse `json:"pulses"`
}

// Normalizer applies fixed bin widths to trigger events.
type Normalizer struct {
	CPLDBinNS float64
	TMCBinNS  float64
}

// DefaultNormalizer returns a Normalizer with the 40 ns / 1.25 ns bins.
func DefaultNormalizer() Normalizer {
	return Normalizer{CPLDBinNS: CPLDBinNS, TMCBinNS: TMCBinNS}
}

// Normalize converts ev. It preserves the number and order of pulses on every
// channel and never rounds.
func (n Normalizer) Normalize(ev daq.TriggerEvent) Event {
	out := Event{TriggerTimeNS: float64(ev.TriggerCounter) * n.CPLDBinNS}
	for ch, edges := range ev.Channels {
		if len(edges) == 0 {
			continue
		}
		pulses := make([]Pulse, len(edges))
		for i, e := range edges {
			pulses[i] = Pulse{
				LeadingNS: float64(e.Leading) * n.TMCBinNS,
				FallingNS: float64(e.Falling) * n.TMCBinNS,
			}
		}
		out.Pulses[ch] = pulses
	}
	return out
}

// HasPulse reports whether channel ch saw at least one pulse.
func (e *Event) HasPulse(ch int) bool {
	return ch >= 0 && ch < daq.NumChannels && len(e.Pulses[ch]) > 0
}

// AbsoluteNS returns the wire time of an offset carried by this event.
func (e *Event) AbsoluteNS(offsetNS float64) float64 {
	return e.TriggerTimeNS + offsetNS
}

// EarliestLeading returns the earliest leading edge offset among the given
// channels and whether any of them had a pulse.
func (e *Event) EarliestLeading(channels []int) (float64, bool) {
	var (
		best  float64
		found bool
	)
	for _, ch := range channels {
		if !e.HasPulse(ch) {
			continue
		}
		// pulses are time ordered, the first is the earliest
		le := e.Pulses[ch][0].LeadingNS
		if !found || le < best {
			best, found = le, true
		}
	}
	return best, found
}

// Widths returns the pulse widths per channel.
func (e *Event) Widths() [daq.NumChannels][]float64 {
	var out [daq.NumChannels][]float64
	for ch, pulses := range e.Pulses {
		if len(pulses) == 0 {
			continue
		}
		w := make([]float64, len(pulses))
		for i, p := range pulses {
			w[i] = p.Width()
		}
		out[ch] = w
	}
	return out
}

// Clone returns a deep copy of e.
func (e *Event) Clone() Event {
	out := Event{TriggerTimeNS: e.TriggerTimeNS}
	for ch, pulses := range e.Pulses {
		if pulses != nil {
			out.Pulses[ch] = append([]Pulse(nil), pulses...)
		}
	}
	return out
}
