// Package spatial removes the integer 2π wrap offsets that the temporal
// fit cannot see. A per station wrap shifts TEC and clock together along
// the lattice, leaving the per timestep residual almost unchanged; only the
// assumption that the true TEC varies smoothly across the array geography
// pins the solutions to a common well.
package spatial

import (
	"errors"
	"io"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/tikk3r/losoto/phasemodel"
)

// refineRounds is the number of planar screen refinements; in practice the
// wrap corrections converge in two.
const refineRounds = 2

// WrapsFromResiduals estimates the integer wrap count per station from the
// time averaged residuals. residuals is indexed [time][freq][station];
// flags marks failed (time, station) samples, and exact zero residuals are
// treated as placeholders. The returned wraps are not yet rounded or
// referenced.
func WrapsFromResiduals(residuals [][][]float64, flags [][]bool, freqs []float64) (wraps, steps []float64, err error) {
	nT := len(residuals)
	if nT == 0 {
		return nil, nil, errors.New("spatial: empty residual array")
	}
	nF := len(freqs)
	nSt := len(residuals[0][0])

	avg := make([][]float64, nF)
	avgMask := make([][]bool, nF)
	for f := 0; f < nF; f++ {
		avg[f] = make([]float64, nSt)
		avgMask[f] = make([]bool, nSt)
		for ist := 0; ist < nSt; ist++ {
			sum, count := 0.0, 0
			for t := 0; t < nT; t++ {
				r := residuals[t][f][ist]
				if flags[t][ist] || r == 0 {
					continue
				}
				sum += r
				count++
			}
			if count == 0 {
				avgMask[f][ist] = true
			} else {
				avg[f][ist] = sum / float64(count)
			}
		}
	}

	// drop channels where most stations have no usable average
	chanBad := make([]bool, nF)
	var goodFreqs []float64
	for f := 0; f < nF; f++ {
		masked := 0
		for ist := 0; ist < nSt; ist++ {
			if avgMask[f][ist] {
				masked++
			}
		}
		if float64(masked)/float64(nSt) > 0.5 {
			chanBad[f] = true
		} else {
			goodFreqs = append(goodFreqs, freqs[f])
		}
	}
	// no usable residual signal at all (an ideal fit leaves only zero
	// placeholders): report zero wraps with the full band steps
	if len(goodFreqs) <= 2 {
		_, steps, err = phasemodel.PhaseWrapBase(freqs)
		if err != nil {
			return nil, nil, err
		}
		return make([]float64, nSt), steps, nil
	}
	baseGood, steps, err := phasemodel.PhaseWrapBase(goodFreqs)
	if err != nil {
		return nil, nil, err
	}
	basef := make([]float64, nF)
	k := 0
	for f := 0; f < nF; f++ {
		if !chanBad[f] {
			basef[f] = baseGood[k]
			k++
		}
	}

	// one scalar least squares per station: how many wrap patterns explain
	// its average residual
	wraps = make([]float64, nSt)
	for ist := 0; ist < nSt; ist++ {
		num, den := 0.0, 0.0
		for f := 0; f < nF; f++ {
			if chanBad[f] || avgMask[f][ist] {
				continue
			}
			num += basef[f] * avg[f][ist]
			den += basef[f] * basef[f]
		}
		if den > 0 {
			wraps[ist] = num / den
		}
	}
	return wraps, steps, nil
}

// CorrectWrapsFromResiduals rounds the residual derived wrap estimates and
// references them to station 0.
func CorrectWrapsFromResiduals(residuals [][][]float64, flags [][]bool, freqs []float64) (wraps, steps []float64, err error) {
	wraps, steps, err = WrapsFromResiduals(residuals, flags, freqs)
	if err != nil {
		return nil, nil, err
	}
	ref := wraps[0]
	for ist := range wraps {
		wraps[ist] = math.Round(wraps[ist] - ref)
	}
	return wraps, steps, nil
}

// CorrectWraps resolves the remaining wrap ambiguity through the spatial
// coherence of TEC: a planar screen over station longitude/latitude offsets
// is fitted to the wrap corrected TEC, outlier timesteps are trimmed in two
// below-average chi square passes, and per station offsets from the plane
// are converted into additional whole wraps. It returns the constant phase
// offset per station, the total integer wrap counts and the lattice steps.
// tec is indexed [time][station], positions [station][3] geocentric metres.
func CorrectWraps(tec [][]float64, residuals [][][]float64, freqs []float64, positions [][]float64, logger *slog.Logger) (offsets, wraps, steps []float64, err error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	nT := len(tec)
	if nT == 0 {
		return nil, nil, nil, errors.New("spatial: empty TEC array")
	}
	nSt := len(tec[0])
	flags := make([][]bool, nT)
	for t := range flags {
		flags[t] = make([]bool, nSt)
		for ist := 0; ist < nSt; ist++ {
			flags[t][ist] = tec[t][ist] < -5
		}
	}
	wraps, steps, err = CorrectWrapsFromResiduals(residuals, flags, freqs)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Debug("wraps from residuals", "wraps", wraps)

	lons := make([]float64, nSt)
	lats := make([]float64, nSt)
	for ist, p := range positions {
		lats[ist] = math.Atan2(p[2], math.Hypot(p[0], p[1])) * 180 / math.Pi
		lons[ist] = math.Atan2(p[1], p[0]) * 180 / math.Pi
	}
	for ist := nSt - 1; ist >= 0; ist-- {
		lats[ist] -= lats[0]
		lons[ist] -= lons[0]
	}

	// normal matrix of the two parameter screen, full station set
	var m mat.Dense
	lonlat := mat.NewDense(2, nSt, nil)
	for ist := 0; ist < nSt; ist++ {
		lonlat.Set(0, ist, lons[ist])
		lonlat.Set(1, ist, lats[ist])
	}
	m.Mul(lonlat, lonlat.T())
	var minv mat.Dense
	if err := minv.Inverse(&m); err != nil {
		return nil, nil, nil, errors.New("spatial: degenerate station layout for screen fit")
	}

	offsets = make([]float64, nSt)
	corrected := make([][]float64, nT)
	fit := make([][]float64, nT)
	for t := range corrected {
		corrected[t] = make([]float64, nSt)
		fit[t] = make([]float64, nSt)
	}
	for iter := 0; iter < refineRounds; iter++ {
		// best current TEC including the wrap corrections so far
		for t := 0; t < nT; t++ {
			for ist := 0; ist < nSt; ist++ {
				corrected[t][ist] = tec[t][ist] - tec[t][0] + steps[0]*(math.Round(wraps[ist])-math.Round(wraps[0]))
			}
		}
		chi2 := make([]float64, nT)
		valid := make([]bool, nT)
		for t := 0; t < nT; t++ {
			b0, b1 := 0.0, 0.0
			for ist := 0; ist < nSt; ist++ {
				if flags[t][ist] {
					continue
				}
				b0 += lons[ist] * corrected[t][ist]
				b1 += lats[ist] * corrected[t][ist]
			}
			s0 := minv.At(0, 0)*b0 + minv.At(0, 1)*b1
			s1 := minv.At(1, 0)*b0 + minv.At(1, 1)*b1
			for ist := 0; ist < nSt; ist++ {
				fit[t][ist] = lons[ist]*s0 + lats[ist]*s1
				if !flags[t][ist] {
					d := corrected[t][ist] - fit[t][ist]
					chi2[t] += d * d
					valid[t] = true
				}
			}
			chi2[t] /= float64(nSt)
		}
		selected := trimByChi2(chi2, valid)

		remaining := 0.0
		for ist := 0; ist < nSt; ist++ {
			sum, count := 0.0, 0
			for t := 0; t < nT; t++ {
				if !selected[t] || flags[t][ist] {
					continue
				}
				sum += corrected[t][ist] - fit[t][ist]
				count++
			}
			if count == 0 {
				offsets[ist] = 0
				continue
			}
			offsets[ist] = -(sum / float64(count)) * 2 * math.Pi / steps[0]
			r := math.Round(offsets[ist] / (2 * math.Pi))
			wraps[ist] += r
			remaining += math.Abs(r)
		}
		logger.Debug("screen refinement", "iter", iter, "offsets", offsets, "remaining", remaining)
		if remaining == 0 {
			break
		}
	}
	return offsets, wraps, steps, nil
}

// trimByChi2 selects the better behaved timesteps: twice in a row, keep
// only those below the average chi square of the current selection. If the
// trim empties the selection (noise free or degenerate data), it falls back
// to every valid timestep.
func trimByChi2(chi2 []float64, valid []bool) []bool {
	selected := make([]bool, len(chi2))
	cut := meanWhere(chi2, valid)
	any := false
	for t := range chi2 {
		selected[t] = valid[t] && chi2[t] < cut
		any = any || selected[t]
	}
	if any {
		cut = meanWhere(chi2, selected)
		any = false
		for t := range chi2 {
			selected[t] = valid[t] && chi2[t] < cut
			any = any || selected[t]
		}
	}
	if !any {
		copy(selected, valid)
	}
	return selected
}

func meanWhere(x []float64, sel []bool) float64 {
	var vals, weights []float64
	for i, v := range x {
		if sel[i] {
			vals = append(vals, v)
			weights = append(weights, 1)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	return stat.Mean(vals, weights)
}
