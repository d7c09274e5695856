package daq

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming is reported for a frame that cannot be parsed. The decoder
	// resynchronises on the next trigger line.
	ErrFraming = errors.New("malformed frame")

	// ErrForeignLine is reported for a line that is neither data nor a card
	// message, such as a power-on banner. It wraps ErrFraming but does not
	// interrupt the event being assembled.
	ErrForeignLine = fmt.Errorf("%w: not a data line", ErrFraming)

	// ErrEdgeOrdering is reported for a pulse whose falling edge precedes its
	// leading edge, or which overlaps the previous pulse on the channel.
	ErrEdgeOrdering = errors.New("edge ordering violation")

	// ErrUnpairedEdge is reported for a leading or falling edge without a
	// partner on the same channel.
	ErrUnpairedEdge = errors.New("unpaired edge")

	// ErrDeviceDisconnected wraps read failures on the underlying device.
	ErrDeviceDisconnected = errors.New("device disconnected")
)
