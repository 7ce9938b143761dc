// Package lattice resolves the 2π wrap ambiguity of a single station's
// phase spectrum by brute force. The fit objective has a periodic local
// minimum at every whole-wrap offset of the parameters, so a gradient
// method would settle in whichever well it starts in; enumerating the
// integer lattice of candidate offsets and keeping the variance minimum is
// the only search that cannot get stuck.
package lattice

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/tikk3r/losoto/gonumExtensions"
	"github.com/tikk3r/losoto/phasemodel"
	"github.com/tikk3r/losoto/unwrap"
)

// Search finds the clock/TEC (and optional third order) parameters that
// minimise the residual variance of the unwrapped spectrum, scanning the
// integer wrap lattice within win around the least squares estimate. When
// initSol holds a non-zero previous solution the data is first snapped to
// that model instead of being unwrapped blind. data and mask are adjusted
// in place and returned together with the winning parameter vector, which
// always has basis.NumParams() entries.
func Search(data []float64, mask []bool, basis *phasemodel.Basis, win phasemodel.SearchWindow, initSol []float64, maskRange int) ([]float64, []float64, []bool) {
	nPar := basis.NumParams()
	nTEC, nClock := win.NTEC, win.NClock

	if len(initSol) >= 2 && !(initSol[0] == 0 && initSol[1] == 0) {
		fitdata := basis.Eval(initSol)
		data, mask = unwrap.Unwrap(data, mask, fitdata, maskRange)
	} else {
		data, mask = unwrap.Unwrap(data, mask, nil, maskRange)
		steps := basis.WrapSteps(2)
		par := coarseEstimate(basis, data, mask)
		// bring the whole spectrum near the lattice origin and widen the
		// window by however many wraps the coarse estimate sits away
		shift := math.Round((math.Round(par[0]/steps[0]) + math.Round(par[1]/steps[1])) / 2)
		for i := range data {
			data[i] -= shift * 2 * math.Pi
		}
		par = coarseEstimate(basis, data, mask)
		nTEC += int(math.Abs(math.Round(par[0] / steps[0])))
		nClock += int(math.Abs(math.Round(par[1] / steps[1])))
	}

	steps, err := basis.MaskedWrapSteps(2, mask)
	if err != nil {
		return make([]float64, nPar), data, mask
	}
	par, err := gonumExtensions.MaskedLeastSquares(basis.SubMatrix(2), data, mask)
	if err != nil {
		return make([]float64, nPar), data, mask
	}

	best := bestOnLattice(basis, data, mask, par, steps, 2,
		[][2]int{{-nTEC / 2, nTEC / 2}, {-nClock / 2, nClock / 2}})
	fitdata := basis.Eval(best)
	data, mask = unwrap.Unwrap(data, mask, fitdata, maskRange)

	if nPar == 3 && win.NThird > 0 {
		steps3, err := basis.MaskedWrapSteps(3, mask)
		if err != nil {
			return pad(best, nPar), data, mask
		}
		par3, err := gonumExtensions.MaskedLeastSquares(basis.Matrix(), data, mask)
		if err != nil {
			return pad(best, nPar), data, mask
		}
		// TEC and clock are already close after the first pass, so their
		// range collapses to at most one step either way
		best = bestOnLattice(basis, data, mask, par3, steps3, 3, [][2]int{
			{maxInt(-1, -nTEC/2), minInt(1, nTEC/2)},
			{maxInt(-1, -nClock/2), minInt(1, nClock/2)},
			{-win.NThird / 2, win.NThird / 2},
		})
		fitdata = basis.Eval(best)
		data, mask = unwrap.Unwrap(data, mask, fitdata, maskRange)
		return best, data, mask
	}
	return pad(best, nPar), data, mask
}

// bestOnLattice enumerates every integer offset combination within ranges
// and returns the candidate parameters with the smallest residual variance
// over the unmasked channels.
func bestOnLattice(basis *phasemodel.Basis, data []float64, mask []bool, par, steps []float64, ncols int, ranges [][2]int) []float64 {
	nF := basis.NumChannels()
	a := basis.Matrix()
	weights := make([]float64, nF)
	for i := range weights {
		if !mask[i] {
			weights[i] = 1
		}
	}
	resid := make([]float64, nF)
	cand := make([]float64, ncols)
	best := make([]float64, ncols)
	offsets := make([]int, ncols)
	for i := range offsets {
		offsets[i] = ranges[i][0]
	}
	bestVar := math.Inf(1)
	for {
		for j := 0; j < ncols; j++ {
			cand[j] = par[j] + float64(offsets[j])*steps[j]
		}
		for i := 0; i < nF; i++ {
			if mask[i] {
				resid[i] = 0
				continue
			}
			model := 0.0
			for j := 0; j < ncols; j++ {
				model += a.At(i, j) * cand[j]
			}
			resid[i] = model - data[i]
		}
		if v := stat.Variance(resid, weights); v < bestVar {
			bestVar = v
			copy(best, cand)
		}
		// odometer walk over the lattice
		j := ncols - 1
		for ; j >= 0; j-- {
			offsets[j]++
			if offsets[j] <= ranges[j][1] {
				break
			}
			offsets[j] = ranges[j][0]
		}
		if j < 0 {
			return best
		}
	}
}

// coarseEstimate is the zero-filled least squares estimate of the two main
// parameters, keeping the full-band normal matrix while masked channels
// drop out of the data product only.
func coarseEstimate(basis *phasemodel.Basis, data []float64, mask []bool) []float64 {
	pinv := gonumExtensions.PseudoInverse(basis.SubMatrix(2))
	filled := gonumExtensions.ZeroFilled(data, mask)
	par := make([]float64, 2)
	for j := 0; j < 2; j++ {
		s := 0.0
		for i, v := range filled {
			s += pinv.At(j, i) * v
		}
		par[j] = s
	}
	return par
}

func pad(par []float64, nPar int) []float64 {
	if len(par) == nPar {
		return par
	}
	out := make([]float64, nPar)
	copy(out, par)
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
