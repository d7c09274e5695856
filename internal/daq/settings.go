package daq

import (
	"fmt"
	"strconv"
	"strings"
)

// DecaySetupCommands put the card into decay mode: a 0x040A gate of about
// 10 µs so a decay electron lands in the trigger of its muon, all channels
// enabled and singles coincidence.
var DecaySetupCommands = []string{"WC 03 04", "WC 02 0A", "WC 00 0F"}

// CardSettings is the card configuration as reported by its TL and DC
// replies. Zero values mean the reply has not been seen yet.
type CardSettings struct {
	// ThresholdsMV are the discriminator thresholds per channel.
	ThresholdsMV   [NumChannels]int  `json:"thresholds_mv"`
	HaveThresholds bool              `json:"have_thresholds"`
	Enabled        [NumChannels]bool `json:"enabled"`
	// Coincidence is the number of channels that must fire, 1 to 4.
	Coincidence int `json:"coincidence"`
	// VetoChannel is the hardware veto channel, or -1 when disabled.
	VetoChannel  int  `json:"veto_channel"`
	GateWidthNS  int  `json:"gate_width_ns"`
	HaveChannels bool `json:"have_channels"`
}

// Apply updates s from a card message and reports whether the message
// carried settings.
func (s *CardSettings) Apply(msg string) bool {
	switch {
	case strings.HasPrefix(msg, "TL "):
		return s.applyThresholds(msg)
	case strings.HasPrefix(msg, "DC "):
		return s.applyChannels(msg)
	}
	return false
}

// applyThresholds reads "TL L0=300 L1=300 L2=300 L3=300".
func (s *CardSettings) applyThresholds(msg string) bool {
	var (
		out  [NumChannels]int
		seen int
	)
	for _, field := range strings.Fields(msg)[1:] {
		key, val, ok := strings.Cut(field, "=")
		if !ok || len(key) != 2 || key[0] != 'L' {
			continue
		}
		ch := int(key[1] - '0')
		mv, err := strconv.Atoi(val)
		if ch < 0 || ch >= NumChannels || err != nil {
			return false
		}
		out[ch] = mv
		seen++
	}
	if seen != NumChannels {
		return false
	}
	s.ThresholdsMV = out
	s.HaveThresholds = true
	return true
}

// applyChannels reads "DC C0=23 C1=71 C2=0A C3=00". C0 packs the veto,
// coincidence and channel enable bits; C3:C2 is the gate width in 10 ns
// units.
func (s *CardSettings) applyChannels(msg string) bool {
	regs := map[string]uint64{}
	for _, field := range strings.Fields(msg)[1:] {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(val, 16, 8)
		if err != nil {
			return false
		}
		regs[key] = v
	}
	c0, ok0 := regs["C0"]
	c2, ok2 := regs["C2"]
	c3, ok3 := regs["C3"]
	if !ok0 || !ok2 || !ok3 {
		return false
	}

	for ch := range NumChannels {
		s.Enabled[ch] = c0&(1<<ch) != 0
	}
	s.Coincidence = int(c0>>4&0x3) + 1
	// veto code 0 is off, 1 to 3 select channels 0 to 2
	s.VetoChannel = int(c0>>6&0x3) - 1
	s.GateWidthNS = int(c3<<8|c2) * 10
	s.HaveChannels = true
	return true
}

// RestoreCommands returns the WC writes that put the gate width and channel
// control registers back to s, undoing DecaySetupCommands. It returns nil
// until a DC reply has been seen.
func (s CardSettings) RestoreCommands() []string {
	if !s.HaveChannels {
		return nil
	}
	gate := s.GateWidthNS / 10
	var c0 int
	for ch, on := range s.Enabled {
		if on {
			c0 |= 1 << ch
		}
	}
	c0 |= (s.Coincidence - 1) & 0x3 << 4
	c0 |= (s.VetoChannel + 1) & 0x3 << 6
	return []string{
		fmt.Sprintf("WC 03 %02X", gate>>8&0xFF),
		fmt.Sprintf("WC 02 %02X", gate&0xFF),
		fmt.Sprintf("WC 00 %02X", c0),
	}
}
