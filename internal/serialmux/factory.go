package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerial opens a real serial port at path using the provided options.
func OpenSerial(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	port, err := OpenSerial(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
