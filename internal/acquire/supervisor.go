package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/muon.report/internal/bus"
	"github.com/banshee-data/muon.report/internal/daq"
	"github.com/banshee-data/muon.report/internal/monitoring"
	"github.com/banshee-data/muon.report/internal/timeutil"
)

// ErrGaveUp is returned by Supervisor.Run once MaxAttempts consecutive
// connections have failed.
var ErrGaveUp = errors.New("giving up on device")

// Defaults for Supervisor backoff.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = time.Minute
)

// OpenFunc opens the card. The returned reader is closed by the Acquirer.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// Supervisor reopens the device after it disconnects, waiting with
// exponential backoff between attempts. Every failure is reported to the bus.
type Supervisor struct {
	Acquirer *Acquirer
	Open     OpenFunc
	Clock    timeutil.Clock

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts bounds consecutive failures; zero retries forever.
	MaxAttempts int
}

func (s *Supervisor) backoffs() (initial, ceiling time.Duration) {
	initial, ceiling = s.InitialBackoff, s.MaxBackoff
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if ceiling < initial {
		ceiling = max(initial, DefaultMaxBackoff)
	}
	return initial, ceiling
}

// Run acquires until ctx is done, the stream ends cleanly or MaxAttempts
// consecutive attempts fail. A connection that delivered at least one event
// resets the backoff.
func (s *Supervisor) Run(ctx context.Context) error {
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	initial, ceiling := s.backoffs()
	backoff := initial
	failures := 0

	for {
		decoded := s.Acquirer.Diagnostics().EventsDecoded

		err := s.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}

		if s.Acquirer.Diagnostics().EventsDecoded > decoded {
			failures, backoff = 0, initial
		}
		failures++
		if s.MaxAttempts > 0 && failures >= s.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, failures, err)
		}

		monitoring.Logf("acquire: %v; retrying in %s", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(backoff):
		}
		backoff = min(backoff*2, ceiling)
	}
}

func (s *Supervisor) connect(ctx context.Context) error {
	src, err := s.Open(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", daq.ErrDeviceDisconnected, err)
		s.Acquirer.bus.ReportError(bus.DeviceDisconnected, err)
		return err
	}
	return s.Acquirer.Run(ctx, src)
}
