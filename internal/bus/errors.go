package bus

import (
	"errors"

	"github.com/banshee-data/muon.report/internal/daq"
)

// ErrHandler wraps failures returned or raised by a subscriber.
var ErrHandler = errors.New("pipeline handler failed")

// ErrorKind classifies errors reported to sinks.
type ErrorKind int

const (
	// FramingError: malformed or unsynchronised frame, recovered by resync.
	FramingError ErrorKind = iota + 1
	// EdgeOrderingError: a pulse was dropped for inconsistent edges.
	EdgeOrderingError
	// DeviceDisconnected: the serial link was lost.
	DeviceDisconnected
	// PipelineHandlerError: a subscriber failed to process an event.
	PipelineHandlerError
)

func (k ErrorKind) String() string {
	switch k {
	case FramingError:
		return "FramingError"
	case EdgeOrderingError:
		return "EdgeOrderingError"
	case DeviceDisconnected:
		return "DeviceDisconnected"
	case PipelineHandlerError:
		return "PipelineHandlerError"
	default:
		return "UnknownError"
	}
}

// KindOf maps an error onto its reporting kind.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, daq.ErrFraming):
		return FramingError
	case errors.Is(err, daq.ErrEdgeOrdering), errors.Is(err, daq.ErrUnpairedEdge):
		return EdgeOrderingError
	case errors.Is(err, daq.ErrDeviceDisconnected):
		return DeviceDisconnected
	default:
		return PipelineHandlerError
	}
}
