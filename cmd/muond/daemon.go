package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/muon.report/internal/acquire"
	"github.com/banshee-data/muon.report/internal/bus"
	"github.com/banshee-data/muon.report/internal/config"
	"github.com/banshee-data/muon.report/internal/daq"
	"github.com/banshee-data/muon.report/internal/measure"
	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/serialmux"
	"github.com/banshee-data/muon.report/internal/timeutil"
	"github.com/banshee-data/muon.report/internal/units"
)

type options struct {
	Port       string
	Replay     string
	Listen     string
	LogEvents  bool
	SpeedUnits string

	// Opener replaces serialmux.OpenSerial; tests inject mock ports.
	Opener serialmux.Opener
	// Clock replaces the real clock for reporting and reconnect backoff.
	Clock timeutil.Clock
	// Sinks receive everything in addition to the log.
	Sinks []bus.Sink
	// Ready, if set, is called with the debug server address once listening.
	Ready func(addr string)
}

type daemon struct {
	runID     uuid.UUID
	clock     timeutil.Clock
	bus       *bus.Bus
	sink      *bus.BufferedSink
	port      *serialmux.SwitchPort
	mux       *serialmux.SerialMux[*serialmux.SwitchPort]
	acquirer  *acquire.Acquirer
	rate      *measure.Rate
	pulse     *measure.Pulse
	decay     *measure.Decay
	velocity  *measure.Velocity
	reporter  *measure.Reporter
	supervise *acquire.Supervisor
}

// status is served at /debug/diagnostics.
type status struct {
	RunID       uuid.UUID            `json:"run_id"`
	Connected   bool                 `json:"connected"`
	TailDropped uint64               `json:"tail_dropped"`
	SinkDropped uint64               `json:"sink_dropped"`
	Bus         bus.Stats            `json:"bus"`
	Diagnostics daq.Diagnostics      `json:"diagnostics"`
	Settings    daq.CardSettings     `json:"settings"`
	TriggerRate float64              `json:"trigger_rate_hz"`
	Scalers     *acquire.ScalerRates `json:"scalers,omitempty"`
	Decay       bus.Snapshot         `json:"decay"`
	Velocity    bus.Snapshot         `json:"velocity"`
}

func newDaemon(cfg *config.Config, opts options) (*daemon, error) {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	d := &daemon{runID: uuid.New(), clock: clock, bus: bus.New(), port: &serialmux.SwitchPort{}}
	d.mux = serialmux.NewSerialMux(d.port)

	sinks := append([]bus.Sink{bus.LogSink{Events: opts.LogEvents}}, opts.Sinks...)
	d.sink = bus.NewBufferedSink(cfg.GetSinkBufferSize(), sinks...)
	d.bus.AddSink(d.sink)

	popts := []measure.Option{measure.WithRunID(d.runID), measure.WithClock(clock)}
	var err error
	if d.rate, err = measure.NewRate(cfg.GetRateConfig(), popts...); err != nil {
		return nil, err
	}
	if d.pulse, err = measure.NewPulse(cfg.GetPulseBufferSize(), popts...); err != nil {
		return nil, err
	}
	if d.decay, err = measure.NewDecay(cfg.GetDecayConfig(), popts...); err != nil {
		return nil, err
	}
	if d.velocity, err = measure.NewVelocity(cfg.GetVelocityConfig(), popts...); err != nil {
		return nil, err
	}

	var subOpts []bus.Option
	if depth := cfg.GetWorkerQueueDepth(); depth > 0 {
		subOpts = append(subOpts, bus.WithWorker(depth))
	}
	for _, p := range []measure.Pipeline{d.rate, d.pulse, d.decay, d.velocity} {
		measure.Subscribe(d.bus, p, subOpts...)
	}

	d.acquirer = acquire.New(d.bus,
		acquire.WithNormalizer(cfg.GetNormalizer()),
		acquire.WithDecoderOptions(daq.WithTMCPerCPLD(cfg.GetTMCPerCPLD())),
		acquire.WithTail(d.mux),
		acquire.WithClock(clock),
		acquire.WithRunID(d.runID),
	)

	d.reporter = measure.NewReporter(d.bus, cfg.GetReportInterval(), clock,
		d.acquirer, d.rate, d.pulse, d.decay, d.velocity)

	d.supervise = &acquire.Supervisor{
		Acquirer:       d.acquirer,
		Open:           d.opener(cfg, opts),
		Clock:          clock,
		InitialBackoff: cfg.GetReconnectInitialBackoff(),
		MaxBackoff:     cfg.GetReconnectMaxBackoff(),
		MaxAttempts:    cfg.GetReconnectMaxAttempts(),
	}
	return d, nil
}

// opener attaches a fresh device to the shared port and configures the card.
func (d *daemon) opener(cfg *config.Config, opts options) acquire.OpenFunc {
	open := opts.Opener
	path := opts.Port
	if opts.Replay != "" {
		path = opts.Replay
		open = func(path string, _ serialmux.PortOptions) (serialmux.SerialPorter, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			return serialmux.NewReplayPort(f), nil
		}
	}
	if open == nil {
		open = serialmux.OpenSerial
	}
	serialOpts := cfg.GetSerialOptions()
	commands := cfg.GetInitCommands()
	decaySetup := cfg.GetDecayCardSetup()
	if decaySetup {
		commands = append(commands, daq.DecaySetupCommands...)
	}

	return func(ctx context.Context) (io.ReadCloser, error) {
		port, err := open(path, serialOpts)
		if err != nil {
			return nil, err
		}
		d.port.Attach(port)
		if err := d.mux.Initialize(commands...); err != nil {
			d.port.Detach()
			return nil, err
		}
		monitoring.Logf("acquiring from %s", path)
		if decaySetup {
			return cardSession{ReadCloser: d.port.Session(), restore: d.restoreCard}, nil
		}
		return d.port.Session(), nil
	}
}

// cardSession puts the card registers back before the port is released.
type cardSession struct {
	io.ReadCloser
	restore func()
}

func (s cardSession) Close() error {
	s.restore()
	return s.ReadCloser.Close()
}

// restoreCard undoes the decay register writes using the card's own DC reply.
func (d *daemon) restoreCard() {
	commands := d.acquirer.InitialSettings().RestoreCommands()
	if commands == nil {
		monitoring.Logf("card registers not restored: no DC reply seen")
		return
	}
	for _, command := range commands {
		if err := d.mux.SendCommand(command); err != nil {
			monitoring.Logf("failed to restore card registers: %v", err)
			return
		}
	}
	monitoring.Debugf("card registers restored: %v", commands)
}

func (d *daemon) status() any {
	st := status{
		RunID:       d.runID,
		Connected:   d.port.Attached(),
		TailDropped: d.mux.Dropped(),
		SinkDropped: d.sink.Dropped(),
		Bus:         d.bus.Stats(),
		Diagnostics: d.acquirer.Diagnostics(),
		Settings:    d.acquirer.Settings(),
		TriggerRate: d.rate.Rate(measure.TriggerKey),
		Decay:       d.decay.Snapshot(),
		Velocity:    d.velocity.Snapshot(),
	}
	if r, ok := d.acquirer.ScalerRates(); ok {
		st.Scalers = &r
	}
	return st
}

func (d *daemon) serve(ctx context.Context, addr string, ready func(string)) error {
	mux := http.NewServeMux()
	d.mux.AttachAdminRoutes(mux, d.status)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debug server: %w", err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	monitoring.Logf("debug server listening on %s", ln.Addr())
	if ready != nil {
		ready(ln.Addr().String())
	}

	errc := make(chan error, 1)
	go func() { errc <- server.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("debug server shutdown error: %v", err)
	}
	return nil
}

// run acquires until ctx is done or the source ends, then publishes a final
// round of snapshots and logs a summary.
func run(ctx context.Context, cfg *config.Config, opts options) error {
	d, err := newDaemon(cfg, opts)
	if err != nil {
		return err
	}
	monitoring.Logf("starting run %s", d.runID)

	// The reporter outlives acquisition so its last round sees every event.
	reportCtx, stopReporting := context.WithCancel(context.Background())
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		d.reporter.Run(reportCtx)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A clean end of stream stops the debug server too.
		defer cancel()
		return d.supervise.Run(gctx)
	})
	if opts.Listen != "" {
		g.Go(func() error { return d.serve(gctx, opts.Listen, opts.Ready) })
	}
	if interval := cfg.GetScalerPollInterval(); interval > 0 && opts.Replay == "" {
		g.Go(func() error {
			acquire.PollScalers(gctx, d.mux, d.clock, interval)
			return nil
		})
	}
	err = g.Wait()

	d.bus.Close()
	stopReporting()
	<-reported
	d.logSummary(cfg.GetPlaneDistanceM(), opts.SpeedUnits)
	d.sink.Close()
	d.mux.Close()
	return err
}

func (d *daemon) logSummary(distanceM float64, speedUnits string) {
	diag := d.acquirer.Diagnostics()
	monitoring.Logf("run %s: %d frames, %d events, %d frames dropped, %d malformed pulses",
		d.runID, diag.FramesSeen, diag.EventsDecoded, diag.FramesDropped, diag.MalformedPulses)
	if r, ok := d.acquirer.ScalerRates(); ok {
		monitoring.Logf("scalers: %d triggers over %d readings, last %.2f Hz (min %.2f, max %.2f)",
			r.TriggerCount, r.Readings, r.TriggerHz, r.MinTriggerHz, r.MaxTriggerHz)
	}

	v, ok := d.velocity.Snapshot().(measure.VelocitySnapshot)
	if !ok || v.Down == 0 {
		return
	}
	speed, err := units.SpeedFromFlight(distanceM, v.MeanFlightNS())
	if err != nil {
		monitoring.Logf("velocity: %v", err)
		return
	}
	if speedUnits == "" {
		speedUnits = units.MPS
	}
	monitoring.Logf("velocity: mean downward flight %.2f ns over %.2f m, %.4g %s",
		v.MeanFlightNS(), distanceM, units.ConvertSpeed(speed, speedUnits), speedUnits)
}
