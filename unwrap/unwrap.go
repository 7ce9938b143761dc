// Package unwrap removes 2π ambiguities from a masked phase series. Masked
// samples are repaired by local extrapolation before jump detection, so a
// data gap cannot be mistaken for a wrap.
package unwrap

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultMaskRange is the window length, in samples, used to repair masked
// points and to decide whether a point near the edges is simply copied.
const DefaultMaskRange = 15

const (
	// badSampleThreshold flags a first difference as a bad data artifact
	// rather than a real wrap, but only when its neighbour exceeds it too:
	// a single noisy sample must not be mistaken for a 2π jump.
	badSampleThreshold = 0.4 * math.Pi
	// jumpThreshold converts first differences into whole wrap counts. It
	// sits at 2.5π rather than 2π so that a pair of ~1π offset bad samples
	// does not register as a jump.
	jumpThreshold = 2.5 * math.Pi
)

// Unwrap unwraps phases in place and returns the adjusted series together
// with its augmented mask. When ref is non-nil and of equal length, each
// sample is brought within π of the reference model and the result is
// recentred around it; otherwise a cumulative unwrap is used and the result
// is recentred around zero. Points that look like isolated bad samples are
// added to the mask. The procedure iterates at most twice and returns early
// once no new wrap flags appear.
func Unwrap(phases []float64, mask []bool, ref []float64, maskRange int) ([]float64, []bool) {
	n := len(phases)
	if len(mask) != n {
		panic(errors.New("unwrap: phases and mask lengths differ"))
	}
	if maskRange <= 0 {
		maskRange = DefaultMaskRange
	}
	haveRef := ref != nil && len(ref) == n
	if n < 2 {
		return phases, mask
	}
	for iter := 0; iter < 2; iter++ {
		unmasked := make([]float64, n)
		if haveRef {
			for i := range phases {
				phases[i] -= math.Round((phases[i]-ref[i])/(2*math.Pi)) * 2 * math.Pi
			}
			copy(unmasked, phases)
		} else {
			copy(unmasked, phases)
			cumulativeUnwrap(unmasked)
			for i := range phases {
				phases[i] -= math.Round((phases[i]-unmasked[i])/(2*math.Pi)) * 2 * math.Pi
			}
		}
		repairMasked(unmasked, mask, maskRange)

		diff := make([]float64, n-1)
		for i := range diff {
			diff[i] = unmasked[i+1] - unmasked[i]
		}
		wrapFlags := make([]bool, n-1)
		flagged := 0
		for i := 0; i+1 < n-1; i++ {
			if math.Abs(diff[i]) > badSampleThreshold && math.Abs(diff[i+1]) > badSampleThreshold {
				wrapFlags[i] = true
				flagged++
			}
		}
		cum := 0.0
		for i := 0; i < n-1; i++ {
			if !wrapFlags[i] {
				cum += math.Round(diff[i] / jumpThreshold)
			}
			phases[i+1] -= cum * 2 * math.Pi
		}
		for i := 1; i < n-1; i++ {
			if wrapFlags[i-1] {
				mask[i] = true
			}
		}
		recentre(phases, mask, ref, haveRef)
		if flagged == 0 {
			return phases, mask
		}
	}
	return phases, mask
}

// repairMasked overwrites masked samples with plausible values. Points
// within maskRange of the start copy their predecessor (then a reverse pass
// extrapolates them backwards); interior points get a degree-1 polynomial
// extrapolation over the window just before (or, reversed, just after) the
// gap.
func repairMasked(unmasked []float64, mask []bool, maskRange int) {
	n := len(unmasked)
	var points []int
	for i, bad := range mask {
		if bad {
			points = append(points, i)
		}
	}
	if len(points) == 0 || maskRange >= n {
		return
	}
	inv := extrapolationInverse(maskRange)
	reverse := false
	for _, i := range points {
		if i < maskRange && i > 0 {
			unmasked[i] = unmasked[i-1]
			reverse = true
		}
		if i >= maskRange {
			c0, c1 := fitWindow(inv, unmasked[i-maskRange:i])
			unmasked[i] = c0 + c1*float64(maskRange)
		}
	}
	if reverse {
		for k := len(points) - 1; k >= 0; k-- {
			i := points[k]
			if i < n-1-maskRange {
				c0, c1 := fitWindow(inv, unmasked[i+1:i+maskRange+1])
				unmasked[i] = c0 - c1
			}
		}
	}
}

// extrapolationInverse precomputes (AᵀA)⁻¹ for the degree-1 design matrix
// over sample offsets 0..maskRange-1.
func extrapolationInverse(maskRange int) *mat.Dense {
	a := mat.NewDense(maskRange, 2, nil)
	for t := 0; t < maskRange; t++ {
		a.Set(t, 0, 1)
		a.Set(t, 1, float64(t))
	}
	var ata, inv mat.Dense
	ata.Mul(a.T(), a)
	if err := inv.Inverse(&ata); err != nil {
		panic(errors.New("unwrap: degenerate extrapolation window"))
	}
	return &inv
}

// fitWindow returns the intercept and slope of the degree-1 fit over the
// window, assuming sample offsets 0..len(window)-1.
func fitWindow(inv *mat.Dense, window []float64) (c0, c1 float64) {
	var sum, tsum float64
	for t, v := range window {
		sum += v
		tsum += float64(t) * v
	}
	c0 = inv.At(0, 0)*sum + inv.At(0, 1)*tsum
	c1 = inv.At(1, 0)*sum + inv.At(1, 1)*tsum
	return c0, c1
}

func recentre(phases []float64, mask []bool, ref []float64, haveRef bool) {
	sum, count := 0.0, 0
	for i, v := range phases {
		if mask[i] {
			continue
		}
		if haveRef {
			sum += v - ref[i]
		} else {
			sum += v
		}
		count++
	}
	if count == 0 {
		return
	}
	shift := math.Round(sum/float64(count)/(2*math.Pi)) * 2 * math.Pi
	for i := range phases {
		phases[i] -= shift
	}
}

// cumulativeUnwrap removes 2π discontinuities between neighbouring samples
// by folding each first difference into (−π, π].
func cumulativeUnwrap(p []float64) {
	carry := 0.0
	prev := p[0]
	for i := 1; i < len(p); i++ {
		d := p[i] - prev
		prev = p[i]
		dd := math.Mod(d+math.Pi, 2*math.Pi)
		if dd < 0 {
			dd += 2 * math.Pi
		}
		dd -= math.Pi
		if dd == -math.Pi && d > 0 {
			dd = math.Pi
		}
		carry += dd - d
		p[i] += carry
	}
}
