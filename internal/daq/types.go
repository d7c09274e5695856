// Package daq decodes the serial output of QuarkNet cosmic-ray DAQ cards into
// trigger events.
package daq

// NumChannels is the number of discriminator inputs on the card.
const NumChannels = 4

// TMCPerCPLD is the number of TMC ticks in one CPLD clock tick on the
// 6000-series cards (40 ns / 1.25 ns).
const TMCPerCPLD = 32

// EdgePair is one pulse on a channel: leading and falling edge counters in TMC
// ticks, relative to the trigger counter of the event.
type EdgePair struct {
	Leading uint64
	Falling uint64
}

// EdgeList holds the pulses seen on one channel, in time order.
type EdgeList []EdgePair

// TriggerEvent is a decoded trigger with the pulse edges of every channel.
// TriggerCounter is the CPLD counter at the trigger, unfolded across 32-bit
// counter wraps so that it increases monotonically within a connection.
type TriggerEvent struct {
	TriggerCounter uint64
	Channels       [NumChannels]EdgeList

	// GPS metadata of the first line of the event, when the card reports it.
	PPSCounter uint32
	GPSTime    string
	GPSDate    string
	GPSValid   bool
}

// PulseCount returns the total number of pulses over all channels.
func (e *TriggerEvent) PulseCount() int {
	n := 0
	for _, ch := range e.Channels {
		n += len(ch)
	}
	return n
}
