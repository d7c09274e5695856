package measure

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/muon.report/internal/daq"
)

func TestPulse_RingEvictsOldestFirst(t *testing.T) {
	p, err := NewPulse(3)
	require.NoError(t, err)

	for i := range 5 {
		require.NoError(t, p.HandleEvent(ev(float64(i), map[int][][2]float64{0: {{0, float64(i + 1)}}})))
	}
	require.Equal(t, 3, p.Len())

	var got []float64
	for _, e := range p.Events() {
		got = append(got, e.TriggerTimeNS)
	}
	if diff := cmp.Diff([]float64{2, 3, 4}, got); diff != "" {
		t.Errorf("buffered events mismatch (-want +got):\n%s", diff)
	}
}

func TestPulse_SnapshotIsACopy(t *testing.T) {
	p, err := NewPulse(2)
	require.NoError(t, err)

	src := ev(100, map[int][][2]float64{1: {{2.5, 20}}, 3: {{0, 5}, {10, 12.5}}})
	require.NoError(t, p.HandleEvent(src))
	src.Pulses[1][0].FallingNS = 999

	s := p.PulseSnapshot()
	require.Len(t, s.Events, 1)
	assert.Equal(t, 20.0, s.Events[0].Pulses[1][0].FallingNS, "stored event not aliased to the caller's")
	assert.Equal(t, uint64(1), s.Seen)
	assert.Equal(t, 2, s.Capacity)

	want := [daq.NumChannels][]float64{nil, {17.5}, nil, {5, 2.5}}
	if diff := cmp.Diff(want, s.LatestWidths); diff != "" {
		t.Errorf("widths mismatch (-want +got):\n%s", diff)
	}

	s.Events[0].Pulses[1][0].LeadingNS = -1
	assert.Equal(t, 2.5, p.Events()[0].Pulses[1][0].LeadingNS)
}

func TestPulse_Reset(t *testing.T) {
	p, err := NewPulse(2)
	require.NoError(t, err)
	require.NoError(t, p.HandleEvent(ev(1, nil)))
	require.NoError(t, p.HandleEvent(ev(2, nil)))
	require.NoError(t, p.HandleEvent(ev(3, nil)))

	p.Reset()
	assert.Equal(t, 0, p.Len())
	assert.Empty(t, p.Events())
	assert.Equal(t, "buffered=0/2 seen=0", p.PulseSnapshot().Summary())
}

func TestPulse_InvalidSize(t *testing.T) {
	_, err := NewPulse(0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
