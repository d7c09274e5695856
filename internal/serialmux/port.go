package serialmux

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Opener opens the port at path. OpenSerial is the real implementation;
// MockSerialPortFactory.Open stands in for it in tests.
type Opener func(path string, opts PortOptions) (SerialPorter, error)
