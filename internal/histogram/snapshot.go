package histogram

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrNoFit is returned when the counts cannot support a fit.
var ErrNoFit = errors.New("not enough data to fit")

// Snapshot is a copy of a histogram's state. It is never modified after
// creation; derived statistics are computed from it on demand.
type Snapshot struct {
	Min       float64  `json:"min"`
	Max       float64  `json:"max"`
	BinWidth  float64  `json:"bin_width"`
	Counts    []uint64 `json:"counts"`
	Underflow uint64   `json:"underflow"`
	Overflow  uint64   `json:"overflow"`
	Entries   uint64   `json:"entries"`
}

// BinCenter returns the center of bin i.
func (s Snapshot) BinCenter(i int) float64 {
	lo := s.Min + float64(i)*s.BinWidth
	hi := math.Min(lo+s.BinWidth, s.Max)
	return (lo + hi) / 2
}

// Count returns the count of the bin holding x, or zero outside the domain.
func (s Snapshot) Count(x float64) uint64 {
	if len(s.Counts) == 0 || math.IsNaN(x) || x < s.Min || x > s.Max {
		return 0
	}
	i := min(int((x-s.Min)/s.BinWidth), len(s.Counts)-1)
	return s.Counts[i]
}

// centers returns the bin centers and counts as float64 weights.
func (s Snapshot) centers() (xs, ws []float64) {
	xs = make([]float64, len(s.Counts))
	ws = make([]float64, len(s.Counts))
	for i, c := range s.Counts {
		xs[i] = s.BinCenter(i)
		ws[i] = float64(c)
	}
	return xs, ws
}

// Mean returns the count-weighted mean of the bin centers, or NaN when the
// histogram is empty.
func (s Snapshot) Mean() float64 {
	if s.Entries == 0 {
		return math.NaN()
	}
	xs, ws := s.centers()
	return stat.Mean(xs, ws)
}

// StdDev returns the count-weighted standard deviation of the bin centers, or
// NaN with fewer than two entries.
func (s Snapshot) StdDev() float64 {
	if s.Entries < 2 {
		return math.NaN()
	}
	xs, ws := s.centers()
	return stat.StdDev(xs, ws)
}

// ExpFit is the result of fitting N(t) = Amplitude * exp(-t/Tau) to the bin
// counts.
type ExpFit struct {
	Tau       float64 `json:"tau"`
	Amplitude float64 `json:"amplitude"`
	// Bins is the number of non-empty bins used by the fit.
	Bins int `json:"bins"`
}

// FitExponential fits an exponential decay to every non-empty bin.
func (s Snapshot) FitExponential() (ExpFit, error) {
	return s.FitExponentialRange(s.Min, s.Max)
}

// FitExponentialRange fits an exponential decay to the non-empty bins whose
// centers lie in [lo, hi]. The fit is a linear regression of ln(count)
// against time, weighted by count since the variance of ln(N) for Poisson N
// is about 1/N.
func (s Snapshot) FitExponentialRange(lo, hi float64) (ExpFit, error) {
	var xs, ys, ws []float64
	for i, c := range s.Counts {
		if c == 0 {
			continue
		}
		x := s.BinCenter(i)
		if x < lo || x > hi {
			continue
		}
		xs = append(xs, x)
		ys = append(ys, math.Log(float64(c)))
		ws = append(ws, float64(c))
	}
	if len(xs) < 2 || floats.Min(xs) == floats.Max(xs) {
		return ExpFit{}, ErrNoFit
	}

	alpha, beta := stat.LinearRegression(xs, ys, ws, false)
	if !(beta < 0) {
		return ExpFit{}, ErrNoFit
	}
	return ExpFit{
		Tau:       -1 / beta,
		Amplitude: math.Exp(alpha),
		Bins:      len(xs),
	}, nil
}
