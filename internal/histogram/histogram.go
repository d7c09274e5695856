// Package histogram implements fixed-width count histograms and the derived
// statistics computed from them.
package histogram

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidDomain is returned by New for an empty or non-finite domain.
var ErrInvalidDomain = errors.New("invalid histogram domain")

// Histogram counts values into fixed-width bins over the closed domain
// [Min, Max]. Values outside it are counted as underflow or overflow. A
// Histogram is not safe for concurrent use; owners guard it.
type Histogram struct {
	min, max, width float64
	counts          []uint64
	underflow       uint64
	overflow        uint64
}

// New returns an empty histogram with bins of the given width covering
// [lo, hi]. The last bin is widened to include hi.
func New(lo, hi, width float64) (*Histogram, error) {
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return nil, fmt.Errorf("%w: non-finite bounds [%v, %v]", ErrInvalidDomain, lo, hi)
	}
	if !(hi > lo) || !(width > 0) {
		return nil, fmt.Errorf("%w: [%v, %v] with bin width %v", ErrInvalidDomain, lo, hi, width)
	}
	n := int(math.Ceil((hi - lo) / width))
	return &Histogram{
		min:    lo,
		max:    hi,
		width:  width,
		counts: make([]uint64, n),
	}, nil
}

// Bin returns the index of the bin holding x, or false if x is outside the
// domain.
func (h *Histogram) Bin(x float64) (int, bool) {
	if math.IsNaN(x) || x < h.min || x > h.max {
		return 0, false
	}
	i := int((x - h.min) / h.width)
	if i >= len(h.counts) {
		i = len(h.counts) - 1
	}
	return i, true
}

// Add counts one value.
func (h *Histogram) Add(x float64) {
	i, ok := h.Bin(x)
	switch {
	case ok:
		h.counts[i]++
	case x < h.min:
		h.underflow++
	default:
		h.overflow++
	}
}

// Reset zeroes every count, keeping the binning.
func (h *Histogram) Reset() {
	clear(h.counts)
	h.underflow = 0
	h.overflow = 0
}

// Snapshot returns an immutable copy of the current counts.
func (h *Histogram) Snapshot() Snapshot {
	s := Snapshot{
		Min:       h.min,
		Max:       h.max,
		BinWidth:  h.width,
		Counts:    append([]uint64(nil), h.counts...),
		Underflow: h.underflow,
		Overflow:  h.overflow,
	}
	for _, c := range h.counts {
		s.Entries += c
	}
	return s
}
