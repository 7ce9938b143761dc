package lattice

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tikk3r/losoto/phasemodel"
	"github.com/tikk3r/losoto/unwrap"
)

func hbaFreqs() []float64 {
	freqs := make([]float64, 10)
	for i := range freqs {
		freqs[i] = 150e6 + float64(i)*2e6
	}
	return freqs
}

func wrapPhases(model []float64) []float64 {
	out := make([]float64, len(model))
	for i, v := range model {
		out[i] = v - 2*math.Pi*math.Round(v/(2*math.Pi))
	}
	return out
}

// With noise free data and no wraps needed, the search must settle on the
// zero offset lattice point and hand back the generating parameters.
func TestSearchRecoversExactParameters(t *testing.T) {
	basis, err := phasemodel.New(hbaFreqs(), false)
	require.NoError(t, err)
	truth := []float64{0.05, 0.4}
	data := basis.Eval(truth)
	mask := make([]bool, basis.NumChannels())

	par, _, _ := Search(data, mask, basis, phasemodel.SearchWindow{NTEC: 10, NClock: 4}, nil, unwrap.DefaultMaskRange)
	assert.InDelta(t, truth[0], par[0], 1e-8)
	assert.InDelta(t, truth[1], par[1], 1e-8)
}

// Wrapped input only shifts the least squares estimate along the lattice;
// the enumeration must climb back out to the generating parameters.
func TestSearchResolvesWrappedSpectrum(t *testing.T) {
	basis, err := phasemodel.New(hbaFreqs(), false)
	require.NoError(t, err)
	truth := []float64{0.12, 1.0}
	data := wrapPhases(basis.Eval(truth))
	mask := make([]bool, basis.NumChannels())

	par, adj, _ := Search(data, mask, basis, phasemodel.SearchWindow{NTEC: 40, NClock: 40}, nil, unwrap.DefaultMaskRange)
	assert.InDelta(t, truth[0], par[0], 1e-6)
	assert.InDelta(t, truth[1], par[1], 1e-6)

	// the adjusted data must sit on the model, not merely congruent to it
	model := basis.Eval(par)
	for i := range adj {
		assert.InDelta(t, model[i], adj[i], 1e-6, "channel %d", i)
	}
}

// A supplied previous solution skips the blind bootstrap; the data is
// snapped straight to the model.
func TestSearchSnapsToInitialSolution(t *testing.T) {
	basis, err := phasemodel.New(hbaFreqs(), false)
	require.NoError(t, err)
	truth := []float64{0.08, -0.6}
	data := wrapPhases(basis.Eval(truth))
	mask := make([]bool, basis.NumChannels())

	par, _, _ := Search(data, mask, basis, phasemodel.SearchWindow{NTEC: 1, NClock: 1}, truth, unwrap.DefaultMaskRange)
	assert.InDelta(t, truth[0], par[0], 1e-8)
	assert.InDelta(t, truth[1], par[1], 1e-8)
}

func TestSearchMaskedChannels(t *testing.T) {
	basis, err := phasemodel.New(hbaFreqs(), false)
	require.NoError(t, err)
	truth := []float64{0.05, 0.4}
	data := basis.Eval(truth)
	mask := make([]bool, basis.NumChannels())
	data[3] = 42 // corrupted, flagged channel
	mask[3] = true

	par, _, _ := Search(data, mask, basis, phasemodel.SearchWindow{NTEC: 10, NClock: 4}, nil, unwrap.DefaultMaskRange)
	assert.InDelta(t, truth[0], par[0], 1e-6)
	assert.InDelta(t, truth[1], par[1], 1e-6)
}

func TestSearchThirdOrder(t *testing.T) {
	// the third order term matters at the lowest frequencies
	freqs := make([]float64, 12)
	for i := range freqs {
		freqs[i] = 42e6 + float64(i)*2e6
	}
	basis, err := phasemodel.New(freqs, true)
	require.NoError(t, err)
	truth := []float64{0.02, 0.3, 25.0}
	data := basis.Eval(truth)
	mask := make([]bool, basis.NumChannels())

	par, _, _ := Search(data, mask, basis, phasemodel.SearchWindow{NTEC: 10, NClock: 4, NThird: 10}, nil, unwrap.DefaultMaskRange)
	require.Len(t, par, 3)
	assert.InDelta(t, truth[0], par[0], 1e-6)
	assert.InDelta(t, truth[1], par[1], 1e-6)
	assert.InDelta(t, truth[2], par[2], math.Abs(truth[2])*1e-3)
}
