// Package gonumExtensions collects small matrix helpers missing from gonum,
// in particular least squares solves over partially masked data.
package gonumExtensions

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrUnderdetermined is returned when a masked solve has fewer valid rows
// than parameters.
var ErrUnderdetermined = errors.New("gonumExtensions: fewer unmasked rows than parameters")

// Ones returns a (m by n) matrix filled with ones
func Ones(m, n int) *mat.Dense {
	return Full(m, n, 1.)
}

// Full returns a (m by n) matrix filled with value
func Full(m, n int, value float64) *mat.Dense {
	data := make([]float64, m*n)
	for index := range data {
		data[index] = value
	}
	return mat.NewDense(m, n, data)
}

// PseudoInverse returns the left pseudo inverse (AᵀA)⁻¹Aᵀ of a. It panics
// when the normal matrix is singular, which for our design matrices means
// the frequency grid cannot separate the model parameters.
func PseudoInverse(a mat.Matrix) *mat.Dense {
	var ata, inv, pinv mat.Dense
	ata.Mul(a.T(), a)
	if err := inv.Inverse(&ata); err != nil {
		panic(errors.New("gonumExtensions: singular normal matrix"))
	}
	pinv.Mul(&inv, a.T())
	return &pinv
}

// MaskedLeastSquares solves min ‖Ax − y‖ using only the rows where mask is
// false, through the normal equations of the compacted system. mask and y
// must have as many entries as a has rows.
func MaskedLeastSquares(a mat.Matrix, y []float64, mask []bool) ([]float64, error) {
	m, n := a.Dims()
	if len(y) != m || len(mask) != m {
		panic(errors.New("gonumExtensions: data and mask must match the matrix rows"))
	}
	rows := 0
	for _, bad := range mask {
		if !bad {
			rows++
		}
	}
	if rows < n {
		return nil, ErrUnderdetermined
	}
	ac := mat.NewDense(rows, n, nil)
	yc := make([]float64, rows)
	row := 0
	for i := 0; i < m; i++ {
		if mask[i] {
			continue
		}
		for j := 0; j < n; j++ {
			ac.Set(row, j, a.At(i, j))
		}
		yc[row] = y[i]
		row++
	}
	var ata, inv mat.Dense
	ata.Mul(ac.T(), ac)
	if err := inv.Inverse(&ata); err != nil {
		return nil, err
	}
	var aty, x mat.VecDense
	aty.MulVec(ac.T(), mat.NewVecDense(rows, yc))
	x.MulVec(&inv, &aty)
	out := make([]float64, n)
	copy(out, x.RawVector().Data)
	return out, nil
}

// ZeroFilled returns a copy of y with masked entries replaced by zero, the
// masked dot product convention used for the coarse initial estimates.
func ZeroFilled(y []float64, mask []bool) []float64 {
	out := make([]float64, len(y))
	for i, v := range y {
		if !mask[i] {
			out[i] = v
		}
	}
	return out
}

// HasNaNOrInf reports whether any entry of v is not finite.
func HasNaNOrInf(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return true
		}
	}
	return false
}
