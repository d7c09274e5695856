package measure

import (
	"context"
	"time"

	"github.com/banshee-data/muon.report/internal/bus"
	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/timeutil"
)

// DefaultReportInterval is how often the Reporter publishes snapshots.
const DefaultReportInterval = 10 * time.Second

// Reporter periodically snapshots pipelines and pushes the snapshots to the
// bus sinks.
type Reporter struct {
	bus       *bus.Bus
	interval  time.Duration
	clock     timeutil.Clock
	pipelines []Snapshotter
}

// NewReporter returns a Reporter for the given snapshot sources. A non-positive
// interval selects DefaultReportInterval; a nil clock the real one.
func NewReporter(b *bus.Bus, interval time.Duration, clock timeutil.Clock, pipelines ...Snapshotter) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Reporter{bus: b, interval: interval, clock: clock, pipelines: pipelines}
}

// Report publishes one snapshot of every pipeline.
func (r *Reporter) Report() {
	for _, p := range r.pipelines {
		if c, ok := p.(IntervalCloser); ok {
			c.CloseInterval()
		}
		r.bus.PublishSnapshot(p.Name(), p.Snapshot())
	}
}

// Run reports every interval until ctx is done, then reports once more so
// consumers see the final state.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	monitoring.Debugf("reporter: snapshotting %d pipelines every %s", len(r.pipelines), r.interval)
	for {
		select {
		case <-ctx.Done():
			r.Report()
			return ctx.Err()
		case <-ticker.C():
			r.Report()
		}
	}
}
