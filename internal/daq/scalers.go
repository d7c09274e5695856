package daq

import (
	"strconv"
	"strings"
)

// Scalers are the card's free-running counters from a DS reply, one per
// channel plus the trigger counter. They wrap at 2^32.
type Scalers struct {
	Channels [NumChannels]uint32 `json:"channels"`
	Trigger  uint32              `json:"trigger"`
}

// ParseScalers reads "DS S0=00000123 S1=00000456 S2=00000000 S3=00000000
// S4=00000042". S4 is the trigger counter. It reports false unless all five
// counters are present.
func ParseScalers(msg string) (Scalers, bool) {
	fields := strings.Fields(msg)
	if len(fields) == 0 || fields[0] != "DS" {
		return Scalers{}, false
	}
	var (
		s    Scalers
		seen [NumChannels + 1]bool
	)
	for _, field := range fields[1:] {
		if len(field) != 11 || field[0] != 'S' || field[2] != '=' {
			continue
		}
		i := int(field[1] - '0')
		if i < 0 || i > NumChannels {
			continue
		}
		v, err := strconv.ParseUint(field[3:], 16, 32)
		if err != nil {
			return Scalers{}, false
		}
		if i == NumChannels {
			s.Trigger = uint32(v)
		} else {
			s.Channels[i] = uint32(v)
		}
		seen[i] = true
	}
	for _, ok := range seen {
		if !ok {
			return Scalers{}, false
		}
	}
	return s, true
}

// Since returns the counts accumulated between prev and s, allowing for one
// wrap of each counter.
func (s Scalers) Since(prev Scalers) Scalers {
	d := Scalers{Trigger: s.Trigger - prev.Trigger}
	for ch := range NumChannels {
		d.Channels[ch] = s.Channels[ch] - prev.Channels[ch]
	}
	return d
}

// HasZero reports whether any counter reads zero. The card answers with
// zeroed counters while it is being reset, so such replies are not used.
func (s Scalers) HasZero() bool {
	if s.Trigger == 0 {
		return true
	}
	for _, v := range s.Channels {
		if v == 0 {
			return true
		}
	}
	return false
}
