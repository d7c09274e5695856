package serialmux

import (
	"errors"
	"io"
	"sync"
)

// ErrNoPort is returned by a SwitchPort with no device attached.
var ErrNoPort = errors.New("no serial port attached")

// SwitchPort forwards to whichever port is currently attached, so a single
// SerialMux and its debug routes outlive device reconnects.
type SwitchPort struct {
	mu   sync.Mutex
	port SerialPorter
}

// Attach makes port the current device, closing any previous one.
func (p *SwitchPort) Attach(port SerialPorter) {
	p.mu.Lock()
	old := p.port
	p.port = port
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Detach closes the current device. Blocked reads on it return.
func (p *SwitchPort) Detach() error {
	p.mu.Lock()
	old := p.port
	p.port = nil
	p.mu.Unlock()
	if old == nil {
		return nil
	}
	return old.Close()
}

// Attached reports whether a device is attached.
func (p *SwitchPort) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port != nil
}

func (p *SwitchPort) current() (SerialPorter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil, ErrNoPort
	}
	return p.port, nil
}

func (p *SwitchPort) Read(b []byte) (int, error) {
	port, err := p.current()
	if err != nil {
		return 0, err
	}
	return port.Read(b)
}

func (p *SwitchPort) Write(b []byte) (int, error) {
	port, err := p.current()
	if err != nil {
		return 0, err
	}
	return port.Write(b)
}

// Close detaches the current device.
func (p *SwitchPort) Close() error {
	return p.Detach()
}

// Session returns a reader over the attached device whose Close detaches it
// and leaves the SwitchPort usable for the next device.
func (p *SwitchPort) Session() io.ReadCloser {
	return session{p}
}

type session struct {
	p *SwitchPort
}

func (s session) Read(b []byte) (int, error) { return s.p.Read(b) }
func (s session) Close() error               { return s.p.Detach() }
