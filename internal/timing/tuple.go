package timing

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/muon.report/internal/daq"
)

// Tuple renders the event in the pulse-file format read by existing analysis
// tooling:
//
//	(69.15291364, [(0.0, 12.5)], [(2.5, 20.0)], [], [])
//
// The first element is the trigger time in seconds, followed by one list of
// (leading, falling) offsets in nanoseconds per channel.
func (e *Event) Tuple() string {
	var b strings.Builder
	b.WriteByte('(')
	b.WriteString(reprFloat(e.TriggerTimeNS / 1e9))
	for _, pulses := range e.Pulses {
		b.WriteString(", [")
		for i, p := range pulses {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('(')
			b.WriteString(reprFloat(p.LeadingNS))
			b.WriteString(", ")
			b.WriteString(reprFloat(p.FallingNS))
			b.WriteByte(')')
		}
		b.WriteByte(']')
	}
	b.WriteByte(')')
	return b.String()
}

// String implements fmt.Stringer using the tuple format.
func (e *Event) String() string {
	return e.Tuple()
}

// reprFloat formats f the way the pulse files have always been written: the
// shortest round-tripping representation with a trailing ".0" on integral
// values.
func reprFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	if a := math.Abs(f); a != 0 && (a >= 1e16 || a < 1e-4) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// ParseTuple reads a line written by Tuple. Whitespace between tokens is
// optional.
func ParseTuple(s string) (Event, error) {
	p := tupleParser{s: s}
	var ev Event

	if err := p.expect('('); err != nil {
		return Event{}, err
	}
	secs, err := p.number()
	if err != nil {
		return Event{}, err
	}
	ev.TriggerTimeNS = secs * 1e9

	for ch := 0; ch < daq.NumChannels; ch++ {
		if err := p.expect(','); err != nil {
			return Event{}, err
		}
		pulses, err := p.pulseList()
		if err != nil {
			return Event{}, fmt.Errorf("channel %d: %w", ch, err)
		}
		ev.Pulses[ch] = pulses
	}
	if err := p.expect(')'); err != nil {
		return Event{}, err
	}
	p.skipSpace()
	if p.pos != len(p.s) {
		return Event{}, fmt.Errorf("trailing data at offset %d", p.pos)
	}
	return ev, nil
}

type tupleParser struct {
	s   string
	pos int
}

func (p *tupleParser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t' || p.s[p.pos] == '\n' || p.s[p.pos] == '\r') {
		p.pos++
	}
}

func (p *tupleParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return 0
	}
	return p.s[p.pos]
}

func (p *tupleParser) expect(c byte) error {
	if p.peek() != c {
		return fmt.Errorf("expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *tupleParser) number() (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.s) && strings.IndexByte("+-.0123456789eE", p.s[p.pos]) >= 0 {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at offset %d", start)
	}
	return strconv.ParseFloat(p.s[start:p.pos], 64)
}

func (p *tupleParser) pulseList() ([]Pulse, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}
	var pulses []Pulse
	for p.peek() != ']' {
		if len(pulses) > 0 {
			if err := p.expect(','); err != nil {
				return nil, err
			}
		}
		if err := p.expect('('); err != nil {
			return nil, err
		}
		le, err := p.number()
		if err != nil {
			return nil, err
		}
		if err := p.expect(','); err != nil {
			return nil, err
		}
		fe, err := p.number()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		pulses = append(pulses, Pulse{LeadingNS: le, FallingNS: fe})
	}
	p.pos++
	return pulses, nil
}
