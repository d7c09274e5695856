package daq

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// MaxFrameLen bounds a single frame. Longer runs without a line terminator are
// cut into frames of this size so that garbage on the line cannot stall the
// scanner.
const MaxFrameLen = 256

// FrameKind classifies a parsed frame.
type FrameKind int

const (
	FrameEmpty FrameKind = iota
	FrameData
	FrameMessage
)

// Edge is a single edge report from a data line.
type Edge struct {
	Valid bool
	TMC   uint8
}

// Frame is one parsed line of card output.
type Frame struct {
	Kind FrameKind

	// Data frames.
	Counter    uint32
	NewTrigger bool
	Leading    [NumChannels]Edge
	Falling    [NumChannels]Edge
	PPSCounter uint32
	GPSTime    string
	GPSDate    string
	GPSValid   bool

	// Message frames (command echoes, scalers, status).
	Message string
}

// Protocol splits a byte stream into frames and parses them. Implementations
// must be stateless; the Decoder owns event assembly.
type Protocol interface {
	// Split is a bufio.SplitFunc that finds frame boundaries.
	Split(data []byte, atEOF bool) (advance int, token []byte, err error)
	// Parse parses one frame. Errors should wrap ErrFraming.
	Parse(frame []byte) (Frame, error)
}

// Bits of the rising/falling edge bytes.
const (
	bitNewTrigger = 0x80
	bitEdgeValid  = 0x20
	maskTMC       = 0x1f
)

// QuarkNetProtocol parses the line-oriented output of the 6000-series cards
// with counters enabled ("CE"):
//
//	80EE0049 80 01 00 01 38 01 3C 01 7E4F0BD6 151243.000 080513 A 04 2 +0058
//
// Field 0 is the CPLD counter at the line, fields 1-8 the rising/falling edge
// bytes of channels 0-3, field 9 the CPLD counter latched at the last 1PPS and
// the remaining fields GPS time, date, validity, satellites, status and 1PPS
// delay.
type QuarkNetProtocol struct{}

func (QuarkNetProtocol) Split(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance := i + 1
		if data[i] == '\r' && advance < len(data) && data[advance] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if len(data) >= MaxFrameLen {
		return MaxFrameLen, data[:MaxFrameLen], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	// request more data
	return 0, nil, nil
}

func (QuarkNetProtocol) Parse(frame []byte) (Frame, error) {
	for _, b := range frame {
		if b != '\t' && (b < 0x20 || b > 0x7e) {
			return Frame{}, fmt.Errorf("%w: non-printable byte 0x%02x", ErrFraming, b)
		}
	}
	fields := strings.Fields(string(frame))
	if len(fields) == 0 {
		return Frame{Kind: FrameEmpty}, nil
	}

	if !isHexWord(fields[0], 8) {
		if isCommandWord(fields[0]) {
			return Frame{Kind: FrameMessage, Message: strings.Join(fields, " ")}, nil
		}
		return Frame{}, fmt.Errorf("%w: unexpected leading token %q", ErrForeignLine, fields[0])
	}

	if len(fields) < 10 || len(fields) > 16 {
		return Frame{}, fmt.Errorf("%w: data line has %d fields", ErrFraming, len(fields))
	}

	f := Frame{Kind: FrameData}
	counter, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: trigger counter: %v", ErrFraming, err)
	}
	f.Counter = uint32(counter)

	for ch := 0; ch < NumChannels; ch++ {
		re, err := parseEdgeByte(fields[1+2*ch])
		if err != nil {
			return Frame{}, fmt.Errorf("%w: channel %d rising edge: %v", ErrFraming, ch, err)
		}
		fe, err := parseEdgeByte(fields[2+2*ch])
		if err != nil {
			return Frame{}, fmt.Errorf("%w: channel %d falling edge: %v", ErrFraming, ch, err)
		}
		if ch == 0 {
			f.NewTrigger = re&bitNewTrigger != 0
		}
		f.Leading[ch] = Edge{Valid: re&bitEdgeValid != 0, TMC: re & maskTMC}
		f.Falling[ch] = Edge{Valid: fe&bitEdgeValid != 0, TMC: fe & maskTMC}
	}

	if !isHexWord(fields[9], 8) {
		return Frame{}, fmt.Errorf("%w: 1PPS counter %q", ErrFraming, fields[9])
	}
	pps, _ := strconv.ParseUint(fields[9], 16, 32)
	f.PPSCounter = uint32(pps)

	if len(fields) > 10 {
		f.GPSTime = fields[10]
	}
	if len(fields) > 11 {
		f.GPSDate = fields[11]
	}
	if len(fields) > 12 {
		f.GPSValid = fields[12] == "A"
	}
	return f, nil
}

func parseEdgeByte(s string) (uint8, error) {
	if len(s) != 2 {
		return 0, fmt.Errorf("edge byte %q must be two hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

func isHexWord(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'A' <= c && c <= 'F' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

// isCommandWord reports whether s looks like the mnemonic the card prefixes
// to command echoes and replies (DS, ST, TL, DC, CE, WC, V1, ...).
func isCommandWord(s string) bool {
	if len(s) < 1 || len(s) > 4 {
		return false
	}
	if s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !('A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}
