package acquire

import (
	"context"
	"time"

	"github.com/banshee-data/muon.report/internal/daq"
	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/timeutil"
)

// ScalerQuery asks the card for its scaler counters.
const ScalerQuery = "DS"

// Commander sends a command line to the card. serialmux.SerialMux
// implements it.
type Commander interface {
	SendCommand(command string) error
}

// ScalerRates are the hardware counting rates derived from consecutive DS
// replies. They complement the event rates, which only see triggers that
// made it through the serial link.
type ScalerRates struct {
	At           time.Time                `json:"at"`
	Window       time.Duration            `json:"window"`
	ChannelsHz   [daq.NumChannels]float64 `json:"channels_hz"`
	TriggerHz    float64                  `json:"trigger_hz"`
	MinTriggerHz float64                  `json:"min_trigger_hz"`
	MaxTriggerHz float64                  `json:"max_trigger_hz"`
	// Counts accumulate the scaler differences since the first reply.
	ChannelCounts [daq.NumChannels]uint64 `json:"channel_counts"`
	TriggerCount  uint64                  `json:"trigger_count"`
	Readings      int                     `json:"readings"`
}

type scalerTracker struct {
	prev   daq.Scalers
	prevAt time.Time
	have   bool
	rates  ScalerRates
}

// update folds a DS reply received at at into the rates. The first usable
// reply only opens the first window. Replies with a zero counter are skipped.
func (t *scalerTracker) update(s daq.Scalers, at time.Time) bool {
	if s.HasZero() {
		return false
	}
	if !t.have || !at.After(t.prevAt) {
		t.prev, t.prevAt, t.have = s, at, true
		return false
	}

	d := s.Since(t.prev)
	window := at.Sub(t.prevAt)
	secs := window.Seconds()
	r := &t.rates
	r.At, r.Window = at, window
	for ch, n := range d.Channels {
		r.ChannelsHz[ch] = float64(n) / secs
		r.ChannelCounts[ch] += uint64(n)
	}
	r.TriggerHz = float64(d.Trigger) / secs
	r.TriggerCount += uint64(d.Trigger)
	if r.Readings == 0 || r.TriggerHz < r.MinTriggerHz {
		r.MinTriggerHz = r.TriggerHz
	}
	if r.TriggerHz > r.MaxTriggerHz {
		r.MaxTriggerHz = r.TriggerHz
	}
	r.Readings++

	t.prev, t.prevAt = s, at
	return true
}

// PollScalers sends ScalerQuery every interval until ctx is done. Failed
// writes are logged and polling continues, so a reconnect does not stop it.
func PollScalers(ctx context.Context, c Commander, clock timeutil.Clock, interval time.Duration) error {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := c.SendCommand(ScalerQuery); err != nil {
				monitoring.Debugf("acquire: scaler query: %v", err)
			}
		}
	}
}
