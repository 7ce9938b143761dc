// Package phasemodel defines the dispersive/non-dispersive phase model that
// separates ionospheric TEC from instrumental clock delay. The model for a
// single station and frequency ν is
//
// φ(ν) = DispersiveConst·TEC/ν + ClockConst·δt·ν [+ ThirdOrderConst·c₃/ν³]
//
// with TEC in TECU, δt in ns and c₃ the optional third order ionospheric
// coefficient relevant at the lowest frequencies.
package phasemodel

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/tikk3r/losoto/gonumExtensions"
)

const (
	// DispersiveConst converts dTEC in TECU into radians when divided by
	// the frequency in Hz.
	DispersiveConst = -8.44797245e9
	// ClockConst converts a clock delay in ns into radians per Hz.
	ClockConst = 2 * math.Pi * 1e-9
	// ThirdOrderConst scales the 1/ν³ ionospheric term.
	ThirdOrderConst = -1e21
)

// MinFreqSpan is the smallest frequency span (Hz) over which clock and TEC
// can still be told apart.
const MinFreqSpan = 1e3

// Basis is the design matrix of the phase model over a fixed frequency
// grid. Column 0 is the dispersive (TEC) term, column 1 the non-dispersive
// (clock) term and column 2, when present, the third order term.
type Basis struct {
	freqs []float64
	a     *mat.Dense
	nPar  int
}

// New builds the design matrix for the given frequency grid. The grid must
// be strictly increasing, positive, and span enough bandwidth to separate
// the parameters.
func New(freqs []float64, thirdOrder bool) (*Basis, error) {
	nPar := 2
	if thirdOrder {
		nPar = 3
	}
	if len(freqs) <= nPar {
		return nil, fmt.Errorf("phasemodel: need more than %d frequency channels, got %d", nPar, len(freqs))
	}
	for i, f := range freqs {
		if f <= 0 {
			return nil, fmt.Errorf("phasemodel: frequency %d is not positive: %g", i, f)
		}
		if i > 0 && f <= freqs[i-1] {
			return nil, fmt.Errorf("phasemodel: frequency grid not strictly increasing at channel %d", i)
		}
	}
	if freqs[len(freqs)-1]-freqs[0] < MinFreqSpan {
		return nil, errors.New("phasemodel: frequency span too small to separate clock and TEC")
	}
	a := mat.NewDense(len(freqs), nPar, nil)
	for i, f := range freqs {
		a.Set(i, 0, DispersiveConst/f)
		a.Set(i, 1, ClockConst*f)
		if thirdOrder {
			a.Set(i, 2, ThirdOrderConst/(f*f*f))
		}
	}
	grid := make([]float64, len(freqs))
	copy(grid, freqs)
	return &Basis{freqs: grid, a: a, nPar: nPar}, nil
}

// NumParams returns the number of model parameters (2, or 3 with the third
// order term).
func (b *Basis) NumParams() int { return b.nPar }

// NumChannels returns the number of frequency channels.
func (b *Basis) NumChannels() int { return len(b.freqs) }

// Freqs returns the frequency grid backing the basis.
func (b *Basis) Freqs() []float64 { return b.freqs }

// Matrix returns the full design matrix.
func (b *Basis) Matrix() *mat.Dense { return b.a }

// SubMatrix returns the design matrix restricted to the first ncols
// parameters.
func (b *Basis) SubMatrix(ncols int) mat.Matrix {
	if ncols == b.nPar {
		return b.a
	}
	return b.a.Slice(0, len(b.freqs), 0, ncols)
}

// Eval returns the model phase per channel for the given parameters. Only
// the first len(par) columns are used, so a 2-vector evaluates the pure
// clock/TEC model even on a third order basis.
func (b *Basis) Eval(par []float64) []float64 {
	if len(par) > b.nPar {
		panic(errors.New("phasemodel: more parameters than basis columns"))
	}
	out := make([]float64, len(b.freqs))
	for i := range b.freqs {
		s := 0.0
		for j, p := range par {
			s += b.a.At(i, j) * p
		}
		out[i] = s
	}
	return out
}

// WrapSteps returns, for the first ncols parameters, the parameter change
// equivalent to one 2π wrap across the band: pinv(A)·2π𝟙. These are the
// lattice step sizes of the wrap ambiguity.
func (b *Basis) WrapSteps(ncols int) []float64 {
	pinv := gonumExtensions.PseudoInverse(b.SubMatrix(ncols))
	var steps mat.Dense
	steps.Mul(pinv, gonumExtensions.Full(len(b.freqs), 1, 2*math.Pi))
	out := make([]float64, ncols)
	for j := range out {
		out[j] = steps.At(j, 0)
	}
	return out
}

// MaskedWrapSteps is WrapSteps computed from the unmasked channels only.
func (b *Basis) MaskedWrapSteps(ncols int, mask []bool) ([]float64, error) {
	twopi := gonumExtensions.Full(len(b.freqs), 1, 2*math.Pi).RawMatrix().Data
	return gonumExtensions.MaskedLeastSquares(b.SubMatrix(ncols), twopi, mask)
}

// PhaseWrapBase returns, for a frequency grid, the per channel phase
// pattern of a single 2π wrap (A·steps − 2π) together with the lattice
// steps of the two parameter model. The pattern is what a residual looks
// like when a fit is off by exactly one wrap.
func PhaseWrapBase(freqs []float64) (basef, steps []float64, err error) {
	b, err := New(freqs, false)
	if err != nil {
		return nil, nil, err
	}
	steps = b.WrapSteps(2)
	basef = b.Eval(steps)
	for i := range basef {
		basef[i] -= 2 * math.Pi
	}
	return basef, steps, nil
}
