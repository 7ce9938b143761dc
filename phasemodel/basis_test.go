package phasemodel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFreqs(n int) []float64 {
	freqs := make([]float64, n)
	for i := range freqs {
		freqs[i] = 120e6 + float64(i)*2e6
	}
	return freqs
}

func TestNewRejectsBadGrids(t *testing.T) {
	_, err := New([]float64{120e6, 122e6}, false)
	assert.Error(t, err, "too few channels")

	_, err = New([]float64{120e6, 122e6, 121e6, 124e6}, false)
	assert.Error(t, err, "not strictly increasing")

	_, err = New([]float64{-1, 2, 3, 4}, false)
	assert.Error(t, err, "negative frequency")

	_, err = New([]float64{120e6, 120e6 + 1, 120e6 + 2, 120e6 + 3}, false)
	assert.Error(t, err, "span too small")
}

func TestEvalMatchesModel(t *testing.T) {
	freqs := testFreqs(8)
	b, err := New(freqs, true)
	require.NoError(t, err)

	tec, clock, third := 0.3, -2.5, 1e-22
	model := b.Eval([]float64{tec, clock, third})
	for i, nu := range freqs {
		want := DispersiveConst*tec/nu + ClockConst*clock*nu + ThirdOrderConst*third/(nu*nu*nu)
		assert.InDelta(t, want, model[i], math.Abs(want)*1e-12+1e-12)
	}

	// a 2-vector evaluates the pure clock/TEC model on the same basis
	model2 := b.Eval([]float64{tec, clock})
	for i, nu := range freqs {
		want := DispersiveConst*tec/nu + ClockConst*clock*nu
		assert.InDelta(t, want, model2[i], math.Abs(want)*1e-12+1e-12)
	}
}

// The wrap steps are the least squares solution of A·s = 2π·1, so the
// residual A·s − 2π must be orthogonal to the design matrix columns.
func TestWrapStepsSolveNormalEquations(t *testing.T) {
	b, err := New(testFreqs(10), false)
	require.NoError(t, err)
	steps := b.WrapSteps(2)
	basef := b.Eval(steps)
	for i := range basef {
		basef[i] -= 2 * math.Pi
	}
	a := b.Matrix()
	for j := 0; j < 2; j++ {
		dot, scale := 0.0, 0.0
		for i := 0; i < b.NumChannels(); i++ {
			dot += a.At(i, j) * basef[i]
			scale += math.Abs(a.At(i, j))
		}
		assert.InDelta(t, 0, dot, scale*1e-9)
	}
}

func TestMaskedWrapStepsMatchSubsetGrid(t *testing.T) {
	freqs := testFreqs(10)
	b, err := New(freqs, false)
	require.NoError(t, err)
	mask := make([]bool, 10)
	mask[2], mask[7] = true, true

	got, err := b.MaskedWrapSteps(2, mask)
	require.NoError(t, err)

	var sub []float64
	for i, f := range freqs {
		if !mask[i] {
			sub = append(sub, f)
		}
	}
	_, want, err := PhaseWrapBase(sub)
	require.NoError(t, err)
	assert.InDelta(t, want[0], got[0], math.Abs(want[0])*1e-9)
	assert.InDelta(t, want[1], got[1], math.Abs(want[1])*1e-9)
}

func TestPhaseWrapBasePattern(t *testing.T) {
	freqs := testFreqs(10)
	basef, steps, err := PhaseWrapBase(freqs)
	require.NoError(t, err)
	require.Len(t, basef, 10)
	require.Len(t, steps, 2)
	b, err := New(freqs, false)
	require.NoError(t, err)
	model := b.Eval(steps)
	for i := range basef {
		assert.InDelta(t, model[i]-2*math.Pi, basef[i], 1e-9)
	}
}
