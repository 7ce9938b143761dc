package clocktec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fitFreqs() []float64 {
	freqs := make([]float64, 10)
	for i := range freqs {
		freqs[i] = 150e6 + float64(i)*2e6
	}
	return freqs
}

// model evaluates the dispersive plus clock phase at one frequency.
func model(nu, tecVal, clockVal float64) float64 {
	return -8.44797245e9*tecVal/nu + 2*math.Pi*1e-9*clockVal*nu
}

func wrapTo(v float64) float64 {
	return v - 2*math.Pi*math.Round(v/(2*math.Pi))
}

// fitPositions builds geocentric coordinates whose longitude/latitude
// offsets from the first entry, in degrees, equal the given pairs.
func fitPositions(offsets [][2]float64) [][]float64 {
	const r = 6.364e6
	lat0, lon0 := 52.9, 6.87
	out := make([][]float64, len(offsets))
	for i, o := range offsets {
		lat := (lat0 + o[1]) * math.Pi / 180
		lon := (lon0 + o[0]) * math.Pi / 180
		out[i] = []float64{
			r * math.Cos(lat) * math.Cos(lon),
			r * math.Cos(lat) * math.Sin(lon),
			r * math.Sin(lat),
		}
	}
	return out
}

// truthTEC/truthClock give the generating parameters, station 0 the zero
// reference. The second polarization carries slightly different values.
func truthTEC(itm, ist, pol int) float64 {
	if ist == 0 {
		return 0
	}
	return 0.10*float64(ist) + 0.01*float64(itm) + 0.02*float64(pol)
}

func truthClock(itm, ist, pol int) float64 {
	if ist == 0 {
		return 0
	}
	base := []float64{0, 0.5, -0.8}[ist]
	return base + 0.05*float64(itm) + 0.1*float64(pol)
}

func TestFitEndToEnd(t *testing.T) {
	freqs := fitFreqs()
	stations := []string{"CS002LBA", "RS305LBA", "DE601LBA"}
	positions := fitPositions([][2]float64{{0, 0}, {0.2, 0}, {0, 0.2}})
	nT, nF, nSt, nPolIn := 4, len(freqs), len(stations), 4

	dims := []int{nT, nF, nSt, nPolIn}
	axes := []string{"time", "freq", "ant", "pol"}
	phases := make([]float64, nT*nF*nSt*nPolIn)
	mask := make([]bool, len(phases))
	for itm := 0; itm < nT; itm++ {
		for f := 0; f < nF; f++ {
			for ist := 0; ist < nSt; ist++ {
				for p := 0; p < nPolIn; p++ {
					i := ((itm*nF+f)*nSt+ist)*nPolIn + p
					switch p {
					case 0:
						phases[i] = wrapTo(model(freqs[f], truthTEC(itm, ist, 0), truthClock(itm, ist, 0)))
					case 3:
						phases[i] = wrapTo(model(freqs[f], truthTEC(itm, ist, 1), truthClock(itm, ist, 1)))
					default:
						phases[i] = 9.9 // cross hands, dropped before fitting
					}
				}
			}
		}
	}

	cfg := DefaultConfig()
	cfg.RefStations = []int{0}
	cfg.FlagBadChannels = false

	sol, err := Fit(phases, mask, dims, axes, freqs, stations, positions, cfg)
	require.NoError(t, err)
	require.Len(t, sol.TEC, nT)
	require.Len(t, sol.TEC[0][0], 2)
	assert.Nil(t, sol.Third)

	for itm := 0; itm < nT; itm++ {
		for ist := 0; ist < nSt; ist++ {
			for p := 0; p < 2; p++ {
				assert.InDelta(t, truthTEC(itm, ist, p), sol.TEC[itm][ist][p], 1e-5,
					"tec t=%d st=%d pol=%d", itm, ist, p)
				assert.InDelta(t, truthClock(itm, ist, p), sol.Clock[itm][ist][p], 1e-5,
					"clock t=%d st=%d pol=%d", itm, ist, p)
			}
		}
	}
	for ist := 0; ist < nSt; ist++ {
		for p := 0; p < 2; p++ {
			assert.InDelta(t, 0, sol.Offset[ist][p], 1e-6, "offset st=%d pol=%d", ist, p)
		}
	}
}

// Large parameters put the spectra many whole wraps away from the model
// origin; the full pipeline still has to land on the generating values.
func TestFitEndToEndLargeParameters(t *testing.T) {
	freqs := fitFreqs()
	stations := []string{"CS002LBA", "RS305LBA", "DE601LBA"}
	positions := fitPositions([][2]float64{{0, 0}, {0.2, 0}, {0, 0.2}})
	nT, nF, nSt := 3, len(freqs), len(stations)

	tecBig := []float64{0, 1.2, -0.8}
	clockBig := []float64{0, 3.0, -1.5}

	dims := []int{nT, nF, nSt, 1}
	axes := []string{"time", "freq", "ant", "pol"}
	phases := make([]float64, nT*nF*nSt)
	mask := make([]bool, len(phases))
	for itm := 0; itm < nT; itm++ {
		for f := 0; f < nF; f++ {
			for ist := 0; ist < nSt; ist++ {
				phases[(itm*nF+f)*nSt+ist] = wrapTo(model(freqs[f], tecBig[ist], clockBig[ist]))
			}
		}
	}

	cfg := DefaultConfig()
	cfg.RefStations = []int{0}
	cfg.FlagBadChannels = false

	sol, err := Fit(phases, mask, dims, axes, freqs, stations, positions, cfg)
	require.NoError(t, err)
	for itm := 0; itm < nT; itm++ {
		for ist := 0; ist < nSt; ist++ {
			assert.InDelta(t, tecBig[ist], sol.TEC[itm][ist][0], 1e-4, "tec t=%d st=%d", itm, ist)
			assert.InDelta(t, clockBig[ist], sol.Clock[itm][ist][0], 1e-4, "clock t=%d st=%d", itm, ist)
		}
	}
}

func TestFitReinsertsFullyFlaggedStation(t *testing.T) {
	freqs := fitFreqs()
	stations := []string{"CS002LBA", "RS305LBA", "DE601LBA"}
	positions := fitPositions([][2]float64{{0, 0}, {0.2, 0}, {0, 0.2}})
	nT, nF, nSt := 3, len(freqs), len(stations)

	dims := []int{nT, nF, nSt, 1}
	axes := []string{"time", "freq", "ant", "pol"}
	phases := make([]float64, nT*nF*nSt)
	mask := make([]bool, len(phases))
	for itm := 0; itm < nT; itm++ {
		for f := 0; f < nF; f++ {
			for ist := 0; ist < nSt; ist++ {
				i := (itm*nF+f)*nSt + ist
				phases[i] = wrapTo(model(freqs[f], truthTEC(itm, ist, 0), truthClock(itm, ist, 0)))
				mask[i] = ist == 2
			}
		}
	}

	cfg := DefaultConfig()
	cfg.RefStations = []int{0}
	cfg.FlagBadChannels = false
	cfg.RemovePhaseWraps = false

	sol, err := Fit(phases, mask, dims, axes, freqs, stations, positions, cfg)
	require.NoError(t, err)

	for itm := 0; itm < nT; itm++ {
		assert.Equal(t, -5.0, sol.TEC[itm][2][0])
		assert.Equal(t, 0.0, sol.Clock[itm][2][0])
		for ist := 0; ist < 2; ist++ {
			assert.InDelta(t, truthTEC(itm, ist, 0), sol.TEC[itm][ist][0], 1e-5)
			assert.InDelta(t, truthClock(itm, ist, 0), sol.Clock[itm][ist][0], 1e-5)
		}
	}
	assert.Equal(t, 0.0, sol.Offset[2][0])
}

func TestFitCombinedCircularPolarizations(t *testing.T) {
	freqs := fitFreqs()
	stations := []string{"CS002LBA", "RS305LBA", "DE601LBA"}
	positions := fitPositions([][2]float64{{0, 0}, {0.2, 0}, {0, 0.2}})
	nT, nF, nSt := 3, len(freqs), len(stations)

	tecOf := func(itm, ist int) float64 {
		if ist == 0 {
			return 0
		}
		return 0.05*float64(ist) + 0.005*float64(itm)
	}
	clockOf := func(itm, ist int) float64 {
		if ist == 0 {
			return 0
		}
		return []float64{0, 0.3, -0.4}[ist] + 0.02*float64(itm)
	}

	dims := []int{nT, nF, nSt, 2}
	axes := []string{"time", "freq", "ant", "pol"}
	phases := make([]float64, nT*nF*nSt*2)
	mask := make([]bool, len(phases))
	for itm := 0; itm < nT; itm++ {
		for f := 0; f < nF; f++ {
			for ist := 0; ist < nSt; ist++ {
				v := wrapTo(model(freqs[f], tecOf(itm, ist), clockOf(itm, ist)))
				for p := 0; p < 2; p++ {
					phases[((itm*nF+f)*nSt+ist)*2+p] = v
				}
			}
		}
	}

	cfg := DefaultConfig()
	cfg.RefStations = []int{0}
	cfg.FlagBadChannels = false
	cfg.RemovePhaseWraps = false
	cfg.CombinePol = true
	cfg.Circular = true

	sol, err := Fit(phases, mask, dims, axes, freqs, stations, positions, cfg)
	require.NoError(t, err)
	require.Len(t, sol.TEC[0][0], 1)

	// both hands carried the same signal: the summed fit, halved, must land
	// back on the per hand parameters
	for itm := 0; itm < nT; itm++ {
		for ist := 0; ist < nSt; ist++ {
			assert.InDelta(t, tecOf(itm, ist), sol.TEC[itm][ist][0], 1e-5)
			assert.InDelta(t, clockOf(itm, ist), sol.Clock[itm][ist][0], 1e-5)
		}
	}
}

func TestFitRestoresInitialClock(t *testing.T) {
	freqs := fitFreqs()
	stations := []string{"CS002HBA", "DE601HBA"}
	positions := fitPositions([][2]float64{{0, 0}, {0.2, 0.1}})
	nT, nF, nSt := 4, len(freqs), len(stations)

	// a clock large enough that the coarse bootstrap alone would sit several
	// wraps out: the initial clock estimate absorbs the bulk of it
	clockBig, tecSmall := 2.0, 0.05

	dims := []int{nT, nF, nSt, 1}
	axes := []string{"time", "freq", "ant", "pol"}
	phases := make([]float64, nT*nF*nSt)
	mask := make([]bool, len(phases))
	for itm := 0; itm < nT; itm++ {
		for f := 0; f < nF; f++ {
			phases[(itm*nF+f)*nSt+1] = wrapTo(model(freqs[f], tecSmall, clockBig))
		}
	}

	cfg := DefaultConfig()
	cfg.RefStations = []int{0}
	cfg.FlagBadChannels = false
	cfg.RemovePhaseWraps = false

	sol, err := Fit(phases, mask, dims, axes, freqs, stations, positions, cfg)
	require.NoError(t, err)
	for itm := 0; itm < nT; itm++ {
		assert.InDelta(t, tecSmall, sol.TEC[itm][1][0], 1e-5)
		assert.InDelta(t, clockBig, sol.Clock[itm][1][0], 1e-5)
	}
}

func TestReorderAxes(t *testing.T) {
	// ant, time, pol, freq: scrambled relative to the canonical order
	dims := []int{2, 3, 1, 4}
	axes := []string{"ant", "time", "pol", "freq"}
	total := 2 * 3 * 1 * 4
	phases := make([]float64, total)
	mask := make([]bool, total)
	for s := 0; s < 2; s++ {
		for tm := 0; tm < 3; tm++ {
			for p := 0; p < 1; p++ {
				for f := 0; f < 4; f++ {
					i := ((s*3+tm)*1+p)*4 + f
					phases[i] = float64(tm*1000 + f*100 + s*10 + p)
					mask[i] = f == 2 && s == 1
				}
			}
		}
	}

	c, err := reorderAxes(phases, mask, dims, axes)
	require.NoError(t, err)
	nT, nF, nSt, nPol := c.dims()
	assert.Equal(t, [4]int{3, 4, 2, 1}, [4]int{nT, nF, nSt, nPol})
	for tm := 0; tm < nT; tm++ {
		for f := 0; f < nF; f++ {
			for s := 0; s < nSt; s++ {
				assert.Equal(t, float64(tm*1000+f*100+s*10), c.data[tm][f][s][0])
				assert.Equal(t, f == 2 && s == 1, c.mask[tm][f][s][0])
			}
		}
	}

	_, err = reorderAxes(phases, mask, dims, []string{"ant", "time", "pol", "dir"})
	assert.Error(t, err)
	_, err = reorderAxes(phases[:5], mask[:5], dims, axes)
	assert.Error(t, err)
}

func TestFitInputValidation(t *testing.T) {
	freqs := fitFreqs()
	dims := []int{1, len(freqs), 2, 1}
	axes := []string{"time", "freq", "ant", "pol"}
	n := len(freqs) * 2
	phases := make([]float64, n)
	mask := make([]bool, n)
	positions := fitPositions([][2]float64{{0, 0}, {0.2, 0}})
	cfg := DefaultConfig()

	_, err := Fit(phases, mask, dims, axes, freqs[:3], []string{"CS002LBA", "RS305LBA"}, positions, cfg)
	assert.Error(t, err, "frequency count mismatch")

	_, err = Fit(phases, mask, dims, axes, freqs, []string{"CS002LBA"}, positions[:1], cfg)
	assert.Error(t, err, "station count mismatch")

	_, err = Fit(phases, mask, dims, axes, freqs, []string{"RS306LBA", "RS305LBA"}, positions, cfg)
	assert.Error(t, err, "no reference stations")

	bad := cfg
	bad.Chi2Cut = -1
	_, err = Fit(phases, mask, dims, axes, freqs, []string{"CS002LBA", "RS305LBA"}, positions, bad)
	assert.Error(t, err, "invalid config")
}
