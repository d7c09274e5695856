// Command muond reads a QuarkNet DAQ card, decodes its trigger events and
// feeds them to the rate, pulse, decay and velocity pipelines, logging
// periodic snapshots.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/muon.report/internal/config"
	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/units"
	"github.com/banshee-data/muon.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON config file (defaults are built in)")
	port        = flag.String("port", "/dev/ttyUSB0", "Serial port of the DAQ card")
	replay      = flag.String("replay", "", "Replay a recorded card stream from this file instead of reading the port")
	listen      = flag.String("listen", "localhost:8081", "Listen address for the debug server (empty disables)")
	debug       = flag.Bool("debug", false, "Log per-frame diagnostics")
	logEvents   = flag.Bool("log-events", false, "Log every decoded event as a tuple")
	speedUnits  = flag.String("units", units.MPS, "Speed units for the velocity summary ("+units.GetValidUnitsString()+")")
	versionFlag = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("muond v%s (git SHA: %s, built: %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if !units.IsValid(*speedUnits) {
		log.Fatalf("invalid -units %q: expected one of %s", *speedUnits, units.GetValidUnitsString())
	}
	if *replay == "" && *port == "" {
		log.Fatal("Serial port is required")
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		log.Printf("loaded config from %s", *configPath)
	}
	monitoring.SetDebug(*debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options{
		Port:       *port,
		Replay:     *replay,
		Listen:     *listen,
		LogEvents:  *logEvents,
		SpeedUnits: *speedUnits,
	}
	if err := run(ctx, cfg, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("muond: %v", err)
		os.Exit(1)
	}
	log.Print("muond stopped")
}
