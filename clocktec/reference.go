package clocktec

import (
	"fmt"
	"math"

	"github.com/tikk3r/losoto/gonumExtensions"
	"github.com/tikk3r/losoto/phasemodel"
	"gonum.org/v1/gonum/mat"
)

// cube is the canonical (time, freq, station, pol) working layout with an
// elementwise validity mask.
type cube struct {
	data [][][][]float64
	mask [][][][]bool
}

func newCube(nT, nF, nSt, nPol int) *cube {
	c := &cube{
		data: make([][][][]float64, nT),
		mask: make([][][][]bool, nT),
	}
	for t := 0; t < nT; t++ {
		c.data[t] = make([][][]float64, nF)
		c.mask[t] = make([][][]bool, nF)
		for f := 0; f < nF; f++ {
			c.data[t][f] = make([][]float64, nSt)
			c.mask[t][f] = make([][]bool, nSt)
			for s := 0; s < nSt; s++ {
				c.data[t][f][s] = make([]float64, nPol)
				c.mask[t][f][s] = make([]bool, nPol)
			}
		}
	}
	return c
}

func (c *cube) dims() (nT, nF, nSt, nPol int) {
	return len(c.data), len(c.data[0]), len(c.data[0][0]), len(c.data[0][0][0])
}

// reorderAxes copies the flat row major input into the canonical layout.
// axes names the input dimensions and must contain time, freq, ant and pol.
func reorderAxes(phases []float64, mask []bool, dims []int, axes []string) (*cube, error) {
	if len(axes) != 4 || len(dims) != 4 {
		return nil, fmt.Errorf("clocktec: need 4 axes, got %d", len(axes))
	}
	idx := map[string]int{}
	for i, name := range axes {
		idx[name] = i
	}
	for _, name := range []string{"time", "freq", "ant", "pol"} {
		if _, ok := idx[name]; !ok {
			return nil, fmt.Errorf("clocktec: missing axis %q", name)
		}
	}
	total := 1
	for _, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("clocktec: non-positive axis length %d", d)
		}
		total *= d
	}
	if len(phases) != total || len(mask) != total {
		return nil, fmt.Errorf("clocktec: data length %d does not match axes product %d", len(phases), total)
	}
	ti, fi, si, pi := idx["time"], idx["freq"], idx["ant"], idx["pol"]
	c := newCube(dims[ti], dims[fi], dims[si], dims[pi])
	strides := [4]int{}
	acc := 1
	for i := 3; i >= 0; i-- {
		strides[i] = acc
		acc *= dims[i]
	}
	pos := [4]int{}
	for t := 0; t < dims[ti]; t++ {
		for f := 0; f < dims[fi]; f++ {
			for s := 0; s < dims[si]; s++ {
				for p := 0; p < dims[pi]; p++ {
					pos[ti], pos[fi], pos[si], pos[pi] = t, f, s, p
					flat := pos[0]*strides[0] + pos[1]*strides[1] + pos[2]*strides[2] + pos[3]*strides[3]
					c.data[t][f][s][p] = phases[flat]
					c.mask[t][f][s][p] = mask[flat]
				}
			}
		}
	}
	return c, nil
}

// keepDiagonalPols reduces 4 polarization data to the two diagonal ones.
func (c *cube) keepDiagonalPols() {
	nT, nF, nSt, _ := c.dims()
	for t := 0; t < nT; t++ {
		for f := 0; f < nF; f++ {
			for s := 0; s < nSt; s++ {
				c.data[t][f][s] = []float64{c.data[t][f][s][0], c.data[t][f][s][3]}
				c.mask[t][f][s] = []bool{c.mask[t][f][s][0], c.mask[t][f][s][3]}
			}
		}
	}
}

// referencePhase is the circular mean phase of the reference stations,
// unwrapped in time around its own mean so the common mode subtraction does
// not jump between timesteps.
func (c *cube) referencePhase(refIdx []int) (ref [][][]float64, refMask [][][]bool) {
	nT, nF, _, nPol := c.dims()
	ref = make([][][]float64, nT)
	refMask = make([][][]bool, nT)
	for t := 0; t < nT; t++ {
		ref[t] = make([][]float64, nF)
		refMask[t] = make([][]bool, nF)
		for f := 0; f < nF; f++ {
			ref[t][f] = make([]float64, nPol)
			refMask[t][f] = make([]bool, nPol)
			for p := 0; p < nPol; p++ {
				re, im := 0.0, 0.0
				count := 0
				for _, s := range refIdx {
					if c.mask[t][f][s][p] {
						continue
					}
					re += math.Cos(c.data[t][f][s][p])
					im += math.Sin(c.data[t][f][s][p])
					count++
				}
				if count == 0 {
					refMask[t][f][p] = true
					continue
				}
				ref[t][f][p] = math.Atan2(im, re)
			}
		}
	}
	for f := 0; f < nF; f++ {
		for p := 0; p < nPol; p++ {
			sum, count := 0.0, 0
			for t := 0; t < nT; t++ {
				if refMask[t][f][p] {
					continue
				}
				sum += ref[t][f][p]
				count++
			}
			if count == 0 {
				continue
			}
			mean := sum / float64(count)
			for t := 0; t < nT; t++ {
				v := math.Mod(ref[t][f][p]-mean+math.Pi, 2*math.Pi)
				if v < 0 {
					v += 2 * math.Pi
				}
				ref[t][f][p] = v + mean - math.Pi
			}
		}
	}
	return ref, refMask
}

// subtractReference removes the common mode phase from every station.
func (c *cube) subtractReference(ref [][][]float64, refMask [][][]bool) {
	nT, nF, nSt, nPol := c.dims()
	for t := 0; t < nT; t++ {
		for f := 0; f < nF; f++ {
			for s := 0; s < nSt; s++ {
				for p := 0; p < nPol; p++ {
					c.data[t][f][s][p] -= ref[t][f][p]
					if refMask[t][f][p] {
						c.mask[t][f][s][p] = true
					}
				}
			}
		}
	}
}

// flagBadChannels marks channels whose reference phase scatter across time
// stands out against the average, iterating twice so one rogue channel
// cannot hide another. Returns the per channel flags.
func flagBadChannels(ref [][][]float64, refMask [][][]bool, flagCut float64) []bool {
	nT := len(ref)
	nF := len(ref[0])
	nPol := len(ref[0][0])
	chanBad := make([]bool, nF)
	for iter := 0; iter < 2; iter++ {
		rms := make([]float64, nF)
		rmsOK := make([]bool, nF)
		for f := 0; f < nF; f++ {
			perPol := make([]float64, 0, nPol)
			for p := 0; p < nPol; p++ {
				sum, sq, count := 0.0, 0.0, 0
				for t := 0; t < nT; t++ {
					if refMask[t][f][p] || chanBad[f] {
						continue
					}
					v := ref[t][f][p]
					sum += v
					sq += v * v
					count++
				}
				if count == 0 {
					continue
				}
				mean := sum / float64(count)
				perPol = append(perPol, math.Sqrt(sq/float64(count)-mean*mean))
			}
			if len(perPol) == 0 {
				continue
			}
			mean := 0.0
			for _, v := range perPol {
				mean += v
			}
			mean /= float64(len(perPol))
			sq := 0.0
			for _, v := range perPol {
				sq += (v - mean) * (v - mean)
			}
			rms[f] = math.Sqrt(sq / float64(len(perPol)))
			rmsOK[f] = true
		}
		avg, count := 0.0, 0
		for f := 0; f < nF; f++ {
			if rmsOK[f] && !chanBad[f] {
				avg += rms[f]
				count++
			}
		}
		if count == 0 {
			return chanBad
		}
		avg /= float64(count)
		for f := 0; f < nF; f++ {
			if !rmsOK[f] {
				continue
			}
			if !(rms[f] < flagCut*avg) {
				chanBad[f] = true
			}
		}
	}
	return chanBad
}

// applyChannelFlags folds per channel flags into the cube mask.
func (c *cube) applyChannelFlags(chanBad []bool) {
	nT, nF, nSt, nPol := c.dims()
	for t := 0; t < nT; t++ {
		for f := 0; f < nF; f++ {
			if !chanBad[f] {
				continue
			}
			for s := 0; s < nSt; s++ {
				for p := 0; p < nPol; p++ {
					c.mask[t][f][s][p] = true
				}
			}
		}
	}
}

// usableStations returns the indices of stations with at least one valid
// sample.
func (c *cube) usableStations() []int {
	nT, nF, nSt, nPol := c.dims()
	var keep []int
	for s := 0; s < nSt; s++ {
		used := false
		for t := 0; t < nT && !used; t++ {
			for f := 0; f < nF && !used; f++ {
				for p := 0; p < nPol; p++ {
					if !c.mask[t][f][s][p] {
						used = true
						break
					}
				}
			}
		}
		if used {
			keep = append(keep, s)
		}
	}
	return keep
}

// selectStations reduces the cube to the given station indices.
func (c *cube) selectStations(keep []int) {
	nT, nF, _, _ := c.dims()
	for t := 0; t < nT; t++ {
		for f := 0; f < nF; f++ {
			data := make([][]float64, len(keep))
			mask := make([][]bool, len(keep))
			for i, s := range keep {
				data[i] = c.data[t][f][s]
				mask[i] = c.mask[t][f][s]
			}
			c.data[t][f] = data
			c.mask[t][f] = mask
		}
	}
}

// combinePolarizations merges the polarizations into one: a complex
// average for linear feeds, a plain sum for circular ones (where the
// ionospheric term adds up between hands).
func (c *cube) combinePolarizations(circular bool) {
	nT, nF, nSt, nPol := c.dims()
	for t := 0; t < nT; t++ {
		for f := 0; f < nF; f++ {
			for s := 0; s < nSt; s++ {
				var v float64
				bad := true
				if circular {
					v = 0
					for p := 0; p < nPol; p++ {
						if c.mask[t][f][s][p] {
							continue
						}
						v += c.data[t][f][s][p]
						bad = false
					}
				} else {
					re, im := 0.0, 0.0
					for p := 0; p < nPol; p++ {
						if c.mask[t][f][s][p] {
							continue
						}
						re += math.Cos(c.data[t][f][s][p])
						im += math.Sin(c.data[t][f][s][p])
						bad = false
					}
					v = math.Atan2(im, re)
				}
				c.data[t][f][s] = []float64{v}
				c.mask[t][f][s] = []bool{bad}
			}
		}
	}
}

// initialClock estimates a coarse non dispersive clock per station and
// polarization from the circular mean phase over a short time window,
// through a [1, 2πν·1e-9] linear fit across frequency. Stations where the
// fit is impossible get zero.
func (c *cube) initialClock(freqs []float64, stationIdx []int, t0, t1 int) [][]float64 {
	nT, nF, _, nPol := c.dims()
	if t1 > nT {
		t1 = nT
	}
	a := mat.NewDense(nF, 2, nil)
	for f, nu := range freqs {
		a.Set(f, 0, 1)
		a.Set(f, 1, phasemodel.ClockConst*nu)
	}
	clock := make([][]float64, len(stationIdx))
	for i, s := range stationIdx {
		clock[i] = make([]float64, nPol)
		for p := 0; p < nPol; p++ {
			avg := make([]float64, nF)
			bad := make([]bool, nF)
			for f := 0; f < nF; f++ {
				re, im := 0.0, 0.0
				count := 0
				for t := t0; t < t1; t++ {
					if c.mask[t][f][s][p] {
						continue
					}
					re += math.Cos(c.data[t][f][s][p])
					im += math.Sin(c.data[t][f][s][p])
					count++
				}
				if count == 0 {
					bad[f] = true
					continue
				}
				avg[f] = math.Atan2(im, re)
			}
			// unwrap the valid channels as one sequence before the fit
			compactUnwrap(avg, bad)
			par, err := gonumExtensions.MaskedLeastSquares(a, avg, bad)
			if err != nil {
				continue
			}
			clock[i][p] = par[1]
		}
	}
	return clock
}

// removeClock subtracts (or with sign -1 restores) a per station clock from
// the data.
func (c *cube) removeClock(freqs []float64, stationIdx []int, clock [][]float64, sign float64) {
	nT, _, _, nPol := c.dims()
	for t := 0; t < nT; t++ {
		for f, nu := range freqs {
			for i, s := range stationIdx {
				for p := 0; p < nPol; p++ {
					c.data[t][f][s][p] -= sign * phasemodel.ClockConst * nu * clock[i][p]
				}
			}
		}
	}
}

// addStationOffsets adds a constant per station phase to every sample of
// one polarization.
func (c *cube) addStationOffsets(offsets []float64, pol int) {
	nT, nF, nSt, _ := c.dims()
	for t := 0; t < nT; t++ {
		for f := 0; f < nF; f++ {
			for s := 0; s < nSt; s++ {
				c.data[t][f][s][pol] += offsets[s]
			}
		}
	}
}

// polSlice copies one polarization out as [time][freq][station].
func (c *cube) polSlice(pol int) (data [][][]float64, mask [][][]bool) {
	nT, nF, nSt, _ := c.dims()
	data = make([][][]float64, nT)
	mask = make([][][]bool, nT)
	for t := 0; t < nT; t++ {
		data[t] = make([][]float64, nF)
		mask[t] = make([][]bool, nF)
		for f := 0; f < nF; f++ {
			data[t][f] = make([]float64, nSt)
			mask[t][f] = make([]bool, nSt)
			for s := 0; s < nSt; s++ {
				data[t][f][s] = c.data[t][f][s][pol]
				mask[t][f][s] = c.mask[t][f][s][pol]
			}
		}
	}
	return data, mask
}

// compactUnwrap unwraps the unmasked entries of a sequence as if they were
// contiguous, leaving masked entries untouched.
func compactUnwrap(v []float64, mask []bool) {
	carry := 0.0
	havePrev := false
	prev := 0.0
	for i := range v {
		if mask[i] {
			continue
		}
		if !havePrev {
			prev = v[i]
			havePrev = true
			continue
		}
		d := v[i] - prev
		prev = v[i]
		dd := math.Mod(d+math.Pi, 2*math.Pi)
		if dd < 0 {
			dd += 2 * math.Pi
		}
		dd -= math.Pi
		if dd == -math.Pi && d > 0 {
			dd = math.Pi
		}
		carry += dd - d
		v[i] += carry
	}
}
