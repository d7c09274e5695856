package histogram

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidDomain(t *testing.T) {
	for _, tc := range []struct{ lo, hi, w float64 }{
		{0, 0, 1},
		{10, 0, 1},
		{0, 10, 0},
		{0, 10, -1},
		{math.Inf(-1), 10, 1},
		{0, math.NaN(), 1},
	} {
		_, err := New(tc.lo, tc.hi, tc.w)
		assert.ErrorIs(t, err, ErrInvalidDomain)
	}
}

func TestHistogram_AddAndSnapshot(t *testing.T) {
	h, err := New(0, 1000, 100)
	require.NoError(t, err)

	h.Add(0)
	h.Add(99.9)
	h.Add(500)
	h.Add(1000) // closed upper bound lands in the last bin
	h.Add(-1)
	h.Add(1000.1)

	s := h.Snapshot()
	require.Len(t, s.Counts, 10)
	assert.Equal(t, uint64(2), s.Counts[0])
	assert.Equal(t, uint64(1), s.Counts[5])
	assert.Equal(t, uint64(1), s.Counts[9])
	assert.Equal(t, uint64(1), s.Underflow)
	assert.Equal(t, uint64(1), s.Overflow)
	assert.Equal(t, uint64(4), s.Entries)
	assert.Equal(t, uint64(1), s.Count(550))
	assert.Zero(t, s.Count(-5))

	// the snapshot does not follow later updates
	h.Add(500)
	assert.Equal(t, uint64(1), s.Count(500))
	assert.Equal(t, uint64(2), h.Snapshot().Count(500))
}

func TestHistogram_PartialLastBin(t *testing.T) {
	h, err := New(-10, 10, 3)
	require.NoError(t, err)
	s := h.Snapshot()
	require.Len(t, s.Counts, 7)
	assert.Equal(t, 9.0, s.BinCenter(6))

	i, ok := h.Bin(10)
	require.True(t, ok)
	assert.Equal(t, 6, i)
}

func TestHistogram_Reset(t *testing.T) {
	h, err := New(0, 10, 1)
	require.NoError(t, err)
	h.Add(3)
	h.Add(-3)
	h.Reset()

	s := h.Snapshot()
	assert.Zero(t, s.Entries)
	assert.Zero(t, s.Underflow)
	assert.Len(t, s.Counts, 10)
}

func TestSnapshot_MeanStdDev(t *testing.T) {
	h, err := New(-10, 10, 2)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(h.Snapshot().Mean()))

	for _, x := range []float64{-5, -5, 5, 5} {
		h.Add(x)
	}
	s := h.Snapshot()
	assert.InDelta(t, 0, s.Mean(), 1e-12)
	assert.Greater(t, s.StdDev(), 5.0)
}

func TestSnapshot_FitExponential(t *testing.T) {
	const tau = 2197.0
	h, err := New(0, 20000, 250)
	require.NoError(t, err)

	s := h.Snapshot()
	for i := range s.Counts {
		s.Counts[i] = uint64(math.Round(5000 * math.Exp(-s.BinCenter(i)/tau)))
		s.Entries += s.Counts[i]
	}

	fit, err := s.FitExponential()
	require.NoError(t, err)
	assert.InEpsilon(t, tau, fit.Tau, 0.02)
	assert.InEpsilon(t, 5000, fit.Amplitude, 0.05)
	assert.Greater(t, fit.Bins, 10)

	_, err = s.FitExponentialRange(100000, 200000)
	assert.ErrorIs(t, err, ErrNoFit)
}

func TestSnapshot_FitRejectsRisingCounts(t *testing.T) {
	h, err := New(0, 10, 1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		for k := 0; k <= i; k++ {
			h.Add(float64(i) + 0.5)
		}
	}
	_, err = h.Snapshot().FitExponential()
	assert.ErrorIs(t, err, ErrNoFit)

	empty, err := New(0, 10, 1)
	require.NoError(t, err)
	_, err = empty.Snapshot().FitExponential()
	assert.ErrorIs(t, err, ErrNoFit)
}
