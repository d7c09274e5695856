package daq

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
)

// Diagnostics are running counters kept by a Decoder. They survive Reset so
// that data loss over reconnects stays observable.
type Diagnostics struct {
	FramesSeen      uint64 `json:"frames_seen"`
	EventsDecoded   uint64 `json:"events_decoded"`
	FramesDropped   uint64 `json:"frames_dropped"`
	EventsDiscarded uint64 `json:"events_discarded"`
	MalformedPulses uint64 `json:"malformed_pulses"`
	Messages        uint64 `json:"messages"`
}

type decoderStats struct {
	framesSeen      atomic.Uint64
	eventsDecoded   atomic.Uint64
	framesDropped   atomic.Uint64
	eventsDiscarded atomic.Uint64
	malformedPulses atomic.Uint64
	messages        atomic.Uint64
}

// assembly collects the lines of one trigger until the next trigger closes it.
type assembly struct {
	trigger uint32
	event   TriggerEvent
	leading [NumChannels][]uint64
	falling [NumChannels][]uint64
}

// Decoder turns a byte stream into TriggerEvents. A Decoder is not safe for
// concurrent use except for Diagnostics, which may be called from any
// goroutine.
type Decoder struct {
	proto      Protocol
	scanner    *bufio.Scanner
	tmcPerCPLD uint64

	pending   *assembly
	resyncing bool

	haveCounter bool
	lastCounter uint32
	epoch       uint64
	rebase      bool

	stats decoderStats

	// OnFrame, if set, receives every raw frame before it is parsed. The
	// slice is only valid for the duration of the call.
	OnFrame func(frame []byte)
	// OnMessage, if set, receives card messages (command echoes, scalers).
	OnMessage func(msg string)
	// OnError, if set, receives every recovered framing or pulse error.
	OnError func(err error)
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithProtocol replaces the default QuarkNet line protocol.
func WithProtocol(p Protocol) DecoderOption {
	return func(d *Decoder) { d.proto = p }
}

// WithTMCPerCPLD sets the number of TMC ticks per CPLD tick for cards with
// non-default clocks.
func WithTMCPerCPLD(n uint64) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.tmcPerCPLD = n
		}
	}
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		proto:      QuarkNetProtocol{},
		tmcPerCPLD: TMCPerCPLD,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.Reset(r)
	return d
}

// Reset discards any partially assembled event and starts reading from r.
// It is used after the device has been reopened. Unfolded trigger counters
// keep increasing across a Reset.
func (d *Decoder) Reset(r io.Reader) {
	d.scanner = bufio.NewScanner(r)
	d.scanner.Buffer(make([]byte, 0, 4096), 4*MaxFrameLen)
	d.scanner.Split(d.proto.Split)
	if d.pending != nil {
		d.stats.eventsDiscarded.Add(1)
	}
	d.pending = nil
	d.resyncing = false
	// the new stream restarts the card counter; keep unfolded counters
	// increasing across the reconnect
	d.rebase = d.haveCounter
}

// Diagnostics returns a copy of the running counters.
func (d *Decoder) Diagnostics() Diagnostics {
	return Diagnostics{
		FramesSeen:      d.stats.framesSeen.Load(),
		EventsDecoded:   d.stats.eventsDecoded.Load(),
		FramesDropped:   d.stats.framesDropped.Load(),
		EventsDiscarded: d.stats.eventsDiscarded.Load(),
		MalformedPulses: d.stats.malformedPulses.Load(),
		Messages:        d.stats.messages.Load(),
	}
}

// Next blocks until the next complete event is available. It returns io.EOF
// once the stream has ended cleanly, after flushing the last event, and an
// error wrapping ErrDeviceDisconnected if the reader fails. Malformed input
// never ends the stream.
func (d *Decoder) Next() (TriggerEvent, error) {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				if d.pending != nil {
					d.stats.eventsDiscarded.Add(1)
					d.pending = nil
				}
				return TriggerEvent{}, fmt.Errorf("%w: %v", ErrDeviceDisconnected, err)
			}
			if d.pending != nil {
				return d.finish(), nil
			}
			return TriggerEvent{}, io.EOF
		}

		raw := d.scanner.Bytes()
		d.stats.framesSeen.Add(1)
		if d.OnFrame != nil {
			d.OnFrame(raw)
		}

		f, err := d.proto.Parse(raw)
		if errors.Is(err, ErrForeignLine) {
			// skipped in place; the pending event and resync state stand
			d.stats.framesDropped.Add(1)
			d.report(err)
			continue
		}
		if err != nil {
			d.resync(err)
			continue
		}

		switch f.Kind {
		case FrameEmpty:
			continue
		case FrameMessage:
			d.stats.messages.Add(1)
			if d.OnMessage != nil {
				d.OnMessage(f.Message)
			}
			continue
		}

		if f.NewTrigger {
			d.resyncing = false
			var (
				ev    TriggerEvent
				ready bool
			)
			if d.pending != nil {
				ev, ready = d.finish(), true
			}
			d.start(f)
			if ready {
				return ev, nil
			}
			continue
		}

		if d.resyncing {
			continue
		}
		if d.pending == nil {
			d.resync(fmt.Errorf("%w: continuation line without a trigger", ErrFraming))
			continue
		}
		d.pending.add(f, d.tmcPerCPLD)
	}
}

// All returns the event stream as an iterator. Iteration stops at the end of
// the stream or on the first device error, which is yielded once.
func (d *Decoder) All() iter.Seq2[TriggerEvent, error] {
	return func(yield func(TriggerEvent, error) bool) {
		for {
			ev, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

func (d *Decoder) resync(err error) {
	if !d.resyncing {
		d.stats.framesDropped.Add(1)
		d.resyncing = true
	}
	if d.pending != nil {
		d.stats.eventsDiscarded.Add(1)
		d.pending = nil
	}
	d.report(err)
}

func (d *Decoder) report(err error) {
	if d.OnError != nil {
		d.OnError(err)
	}
}

func (d *Decoder) start(f Frame) {
	a := &assembly{trigger: f.Counter}
	a.event.TriggerCounter = d.unfold(f.Counter)
	a.event.PPSCounter = f.PPSCounter
	a.event.GPSTime = f.GPSTime
	a.event.GPSDate = f.GPSDate
	a.event.GPSValid = f.GPSValid
	a.add(f, d.tmcPerCPLD)
	d.pending = a
}

// unfold extends the 32-bit card counter across wraps.
func (d *Decoder) unfold(c uint32) uint64 {
	switch {
	case d.rebase:
		// first trigger after Reset: move to a fresh epoch unless the
		// counter kept running past the last one seen
		d.rebase = false
		if c <= d.lastCounter {
			d.epoch += 1 << 32
		}
	case d.haveCounter && c < d.lastCounter && d.lastCounter-c > 1<<31:
		d.epoch += 1 << 32
	}
	d.haveCounter = true
	d.lastCounter = c
	return d.epoch + uint64(c)
}

func (a *assembly) add(f Frame, tmcPerCPLD uint64) {
	// uint32 subtraction keeps the offset correct across a counter wrap
	base := uint64(f.Counter-a.trigger) * tmcPerCPLD
	for ch := 0; ch < NumChannels; ch++ {
		if e := f.Leading[ch]; e.Valid {
			a.leading[ch] = append(a.leading[ch], base+uint64(e.TMC))
		}
		if e := f.Falling[ch]; e.Valid {
			a.falling[ch] = append(a.falling[ch], base+uint64(e.TMC))
		}
	}
}

// finish pairs the collected edges of the pending event and returns it.
func (d *Decoder) finish() TriggerEvent {
	a := d.pending
	d.pending = nil

	ev := a.event
	for ch := 0; ch < NumChannels; ch++ {
		ev.Channels[ch] = d.pairEdges(ch, a.leading[ch], a.falling[ch])
	}
	d.stats.eventsDecoded.Add(1)
	return ev
}

func (d *Decoder) pairEdges(ch int, leading, falling []uint64) EdgeList {
	n := min(len(leading), len(falling))
	if extra := len(leading) + len(falling) - 2*n; extra > 0 {
		d.stats.malformedPulses.Add(uint64(extra))
		d.report(fmt.Errorf("%w: channel %d has %d leading and %d falling edges",
			ErrUnpairedEdge, ch, len(leading), len(falling)))
	}
	if n == 0 {
		return nil
	}

	out := make(EdgeList, 0, n)
	for i := 0; i < n; i++ {
		p := EdgePair{Leading: leading[i], Falling: falling[i]}
		if p.Falling < p.Leading {
			d.stats.malformedPulses.Add(1)
			d.report(fmt.Errorf("%w: channel %d falling edge %d before leading edge %d",
				ErrEdgeOrdering, ch, p.Falling, p.Leading))
			continue
		}
		if len(out) > 0 && p.Leading < out[len(out)-1].Falling {
			d.stats.malformedPulses.Add(1)
			d.report(fmt.Errorf("%w: channel %d pulse at %d overlaps previous pulse",
				ErrEdgeOrdering, ch, p.Leading))
			continue
		}
		out = append(out, p)
	}
	return out
}
