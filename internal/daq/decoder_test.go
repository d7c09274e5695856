package daq

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exampleLine encodes trigger counter 0x670BBE39 (69.15291364 s at 40 ns)
// with a pulse of 0-10 TMC ticks on channel 0 and 2-16 ticks on channel 1.
const exampleLine = "670BBE39 A0 2A 22 30 00 00 00 00 670BBE00 151243.000 080513 A 04 2 +0058"

func decodeAll(t *testing.T, d *Decoder) []TriggerEvent {
	t.Helper()
	var out []TriggerEvent
	for {
		ev, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestDecoder_SingleEvent(t *testing.T) {
	d := NewDecoder(strings.NewReader(exampleLine + "\r\n"))
	events := decodeAll(t, d)
	require.Len(t, events, 1)

	want := TriggerEvent{
		TriggerCounter: 1728822841,
		Channels: [NumChannels]EdgeList{
			{{Leading: 0, Falling: 10}},
			{{Leading: 2, Falling: 16}},
			nil,
			nil,
		},
		PPSCounter: 0x670BBE00,
		GPSTime:    "151243.000",
		GPSDate:    "080513",
		GPSValid:   true,
	}
	if diff := cmp.Diff(want, events[0]); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, events[0].PulseCount())

	diag := d.Diagnostics()
	assert.Equal(t, uint64(1), diag.FramesSeen)
	assert.Equal(t, uint64(1), diag.EventsDecoded)
	assert.Zero(t, diag.FramesDropped)
}

func TestDecoder_MultiLineEvent(t *testing.T) {
	// leading edge on the trigger line, falling edge one CPLD tick later
	stream := strings.Join([]string{
		"00001000 A5 00 00 00 00 00 00 00 00000000",
		"00001001 00 23 00 00 00 00 00 00 00000000",
		"00002000 80 00 00 00 00 00 00 00 00000000",
	}, "\n") + "\n"

	d := NewDecoder(strings.NewReader(stream))
	events := decodeAll(t, d)
	require.Len(t, events, 2)

	assert.Equal(t, uint64(0x1000), events[0].TriggerCounter)
	assert.Equal(t, EdgeList{{Leading: 5, Falling: TMCPerCPLD + 3}}, events[0].Channels[0])
	assert.Equal(t, uint64(0x2000), events[1].TriggerCounter)
	assert.Zero(t, events[1].PulseCount())
}

func TestDecoder_ResyncAfterCorruptFrame(t *testing.T) {
	const n = 5
	lines := []string{"670BBE39 A0 2A 22 ZZ 00 00"}
	for i := 0; i < n; i++ {
		lines = append(lines, exampleLine)
	}

	d := NewDecoder(strings.NewReader(strings.Join(lines, "\r\n") + "\r\n"))
	var recovered []error
	d.OnError = func(err error) { recovered = append(recovered, err) }

	events := decodeAll(t, d)
	assert.Len(t, events, n)
	assert.Equal(t, uint64(1), d.Diagnostics().FramesDropped)
	require.Len(t, recovered, 1)
	assert.ErrorIs(t, recovered[0], ErrFraming)
}

func TestDecoder_ResyncSkipsOrphanContinuations(t *testing.T) {
	stream := strings.Join([]string{
		"00001000 A0 ZZ 00 00 00 00 00 00 00000000", // corrupt edge byte
		"00001001 21 00 00 00 00 00 00 00 00000000", // continuation while resyncing
		"0000\x01\x02",                              // still the same resync
		exampleLine,
	}, "\n")

	d := NewDecoder(strings.NewReader(stream))
	events := decodeAll(t, d)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), d.Diagnostics().FramesDropped)
}

func TestDecoder_ContinuationWithoutTrigger(t *testing.T) {
	stream := "00001001 21 22 00 00 00 00 00 00 00000000\n" + exampleLine + "\n"
	d := NewDecoder(strings.NewReader(stream))
	events := decodeAll(t, d)
	assert.Len(t, events, 1)
	assert.Equal(t, uint64(1), d.Diagnostics().FramesDropped)
}

func TestDecoder_CorruptFrameDiscardsPendingEvent(t *testing.T) {
	stream := strings.Join([]string{exampleLine, "670BBE3A A0 ZZ", exampleLine}, "\n")
	d := NewDecoder(strings.NewReader(stream))
	events := decodeAll(t, d)
	assert.Len(t, events, 1)

	diag := d.Diagnostics()
	assert.Equal(t, uint64(1), diag.FramesDropped)
	assert.Equal(t, uint64(1), diag.EventsDiscarded)
}

func TestDecoder_ForeignLineKeepsPendingEvent(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"banner", "Quarknet Scintillator Card,  Qnet2.5  Vers 1.12"},
		{"garbage", "#corrupt#"},
		{"lowercase word", "garbage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := strings.Join([]string{exampleLine, tt.line, exampleLine, exampleLine}, "\n")
			d := NewDecoder(strings.NewReader(stream))
			var recovered []error
			d.OnError = func(err error) { recovered = append(recovered, err) }

			events := decodeAll(t, d)
			assert.Len(t, events, 3)

			diag := d.Diagnostics()
			assert.Equal(t, uint64(1), diag.FramesDropped)
			assert.Zero(t, diag.EventsDiscarded)
			require.Len(t, recovered, 1)
			assert.ErrorIs(t, recovered[0], ErrForeignLine)
			assert.ErrorIs(t, recovered[0], ErrFraming)
		})
	}
}

func TestDecoder_ForeignLineKeepsContinuations(t *testing.T) {
	// the banner sits between a trigger line and its continuation
	stream := strings.Join([]string{
		"00001000 A5 00 00 00 00 00 00 00 00000000",
		"Quarknet Scintillator Card",
		"00001001 00 23 00 00 00 00 00 00 00000000",
	}, "\n")
	d := NewDecoder(strings.NewReader(stream))
	events := decodeAll(t, d)
	require.Len(t, events, 1)
	assert.Equal(t, EdgeList{{Leading: 5, Falling: TMCPerCPLD + 3}}, events[0].Channels[0])
}

func TestDecoder_EdgeOrderingDropsPulse(t *testing.T) {
	// channel 0: leading at 10, falling at 2; channel 1 is valid
	stream := "00000100 AA 22 22 30 00 00 00 00 00000000\n"
	d := NewDecoder(strings.NewReader(stream))
	var recovered []error
	d.OnError = func(err error) { recovered = append(recovered, err) }

	events := decodeAll(t, d)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Channels[0])
	assert.Equal(t, EdgeList{{Leading: 2, Falling: 16}}, events[0].Channels[1])
	assert.Equal(t, uint64(1), d.Diagnostics().MalformedPulses)
	require.Len(t, recovered, 1)
	assert.ErrorIs(t, recovered[0], ErrEdgeOrdering)
}

func TestDecoder_OverlappingPulseDropped(t *testing.T) {
	stream := strings.Join([]string{
		"00000100 A2 3E 00 00 00 00 00 00 00000000", // 2..30
		"00000100 24 00 00 00 00 00 00 00 00000000", // leading 4 inside previous pulse
		"00000101 00 21 00 00 00 00 00 00 00000000", // falling 33
	}, "\n")
	d := NewDecoder(strings.NewReader(stream))
	events := decodeAll(t, d)
	require.Len(t, events, 1)
	assert.Equal(t, EdgeList{{Leading: 2, Falling: 30}}, events[0].Channels[0])
	assert.Equal(t, uint64(1), d.Diagnostics().MalformedPulses)
}

func TestDecoder_UnpairedEdge(t *testing.T) {
	stream := "00000100 A3 00 00 00 00 00 00 00 00000000\n"
	d := NewDecoder(strings.NewReader(stream))
	var recovered []error
	d.OnError = func(err error) { recovered = append(recovered, err) }

	events := decodeAll(t, d)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Channels[0])
	require.Len(t, recovered, 1)
	assert.ErrorIs(t, recovered[0], ErrUnpairedEdge)
}

func TestDecoder_PartialReads(t *testing.T) {
	stream := strings.Repeat(exampleLine+"\r\n", 3)
	d := NewDecoder(iotest.OneByteReader(strings.NewReader(stream)))
	events := decodeAll(t, d)
	assert.Len(t, events, 3)
	assert.Zero(t, d.Diagnostics().FramesDropped)
}

func TestDecoder_CounterWrap(t *testing.T) {
	stream := strings.Join([]string{
		"FFFFFFF0 80 00 00 00 00 00 00 00 00000000",
		"00000010 80 00 00 00 00 00 00 00 00000000",
	}, "\n")
	d := NewDecoder(strings.NewReader(stream))
	events := decodeAll(t, d)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(0xFFFFFFF0), events[0].TriggerCounter)
	assert.Equal(t, uint64(1<<32+0x10), events[1].TriggerCounter)
}

func TestDecoder_ContinuationAcrossWrap(t *testing.T) {
	stream := strings.Join([]string{
		"FFFFFFFF A1 00 00 00 00 00 00 00 00000000",
		"00000000 00 22 00 00 00 00 00 00 00000000",
	}, "\n")
	d := NewDecoder(strings.NewReader(stream))
	events := decodeAll(t, d)
	require.Len(t, events, 1)
	assert.Equal(t, EdgeList{{Leading: 1, Falling: TMCPerCPLD + 2}}, events[0].Channels[0])
}

func TestDecoder_Messages(t *testing.T) {
	stream := "DS S0=00000001 S1=00000002 S2=00000000 S3=00000000 S4=00000001\n\n" + exampleLine + "\n"
	d := NewDecoder(strings.NewReader(stream))
	var msgs []string
	var frames int
	d.OnMessage = func(m string) { msgs = append(msgs, m) }
	d.OnFrame = func([]byte) { frames++ }

	events := decodeAll(t, d)
	assert.Len(t, events, 1)
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "DS S0="))
	assert.Equal(t, 3, frames)
	assert.Equal(t, uint64(1), d.Diagnostics().Messages)
}

func TestDecoder_DeviceError(t *testing.T) {
	unplugged := errors.New("read /dev/ttyUSB0: input/output error")
	r := io.MultiReader(strings.NewReader(exampleLine+"\n"), iotest.ErrReader(unplugged))
	d := NewDecoder(r)

	_, err := d.Next()
	require.ErrorIs(t, err, ErrDeviceDisconnected)
	assert.Equal(t, uint64(1), d.Diagnostics().EventsDiscarded)
}

func TestDecoder_ResetAfterReconnect(t *testing.T) {
	d := NewDecoder(iotest.ErrReader(errors.New("gone")))
	_, err := d.Next()
	require.ErrorIs(t, err, ErrDeviceDisconnected)

	d.Reset(strings.NewReader(exampleLine + "\n"))
	events := decodeAll(t, d)
	assert.Len(t, events, 1)
}

func TestDecoder_ResetKeepsCountersIncreasing(t *testing.T) {
	tests := []struct {
		name   string
		second string
		want   uint64
	}{
		{"card restarted", "00000010 A0 2A 00 00 00 00 00 00 00000000", 1<<32 + 0x10},
		{"same counter", exampleLine, 1<<32 + 0x670BBE39},
		{"counter kept running", "670BBE40 A0 2A 00 00 00 00 00 00 00000000", 0x670BBE40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(strings.NewReader(exampleLine + "\n"))
			first := decodeAll(t, d)
			require.Len(t, first, 1)

			d.Reset(strings.NewReader(tt.second + "\n"))
			second := decodeAll(t, d)
			require.Len(t, second, 1)
			assert.Equal(t, tt.want, second[0].TriggerCounter)
			assert.Greater(t, second[0].TriggerCounter, first[0].TriggerCounter)
		})
	}
}

func TestDecoder_All(t *testing.T) {
	d := NewDecoder(strings.NewReader(strings.Repeat(exampleLine+"\n", 4)))
	n := 0
	for ev, err := range d.All() {
		require.NoError(t, err)
		assert.Equal(t, uint64(1728822841), ev.TriggerCounter)
		n++
	}
	assert.Equal(t, 4, n)
}

type stubProtocol struct{ QuarkNetProtocol }

func (stubProtocol) Parse(frame []byte) (Frame, error) {
	// every frame is a new trigger with one pulse on channel 3
	f := Frame{Kind: FrameData, NewTrigger: true, Counter: uint32(len(frame))}
	f.Leading[3] = Edge{Valid: true, TMC: 1}
	f.Falling[3] = Edge{Valid: true, TMC: 4}
	return f, nil
}

func TestDecoder_PluggableProtocol(t *testing.T) {
	d := NewDecoder(strings.NewReader("a\nbb\nccc\n"), WithProtocol(stubProtocol{}), WithTMCPerCPLD(16))
	events := decodeAll(t, d)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.TriggerCounter)
		assert.Equal(t, EdgeList{{Leading: 1, Falling: 4}}, ev.Channels[3])
	}
}
