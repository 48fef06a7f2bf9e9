package matrix

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const EPSILON = 1e-15
const MatrixLine = "------------------------------------------------------------------"

type Matrix struct {
	Rows, Cols int
	Values     [][]float64
}

func NewMatrix(rows, cols int) *Matrix {
	values := make([][]float64, rows)
	for i := range values {
		values[i] = make([]float64, cols)
	}
	return &Matrix{Rows: rows, Cols: cols, Values: values}
}

func (m *Matrix) MulVector(v *Vector) *Vector {
	if m.Cols != v.Length {
		return nil
	}
	result := NewVector(m.Rows)
	for i := 0; i < m.Rows; i++ {
		for k := 0; k < m.Cols; k++ {
			result.Values[i] += m.Values[i][k] * v.Values[k]
		}
	}
	return result
}

// InverseSVD returns the Moore-Penrose pseudo-inverse computed from a thin
// SVD, dropping singular values below a relative tolerance.
func (m *Matrix) InverseSVD() *Matrix {
	a := mat.NewDense(m.Rows, m.Cols, nil)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			a.Set(i, j, m.Values[i][j])
		}
	}

	var svd mat.SVD
	ok := svd.Factorize(a, mat.SVDThin)
	if !ok {
		return nil
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	maxS := 0.0
	for _, si := range s {
		if si > maxS {
			maxS = si
		}
	}
	eps := 1e-12 * math.Max(float64(m.Rows), float64(m.Cols)) * maxS

	sp := mat.NewDense(len(s), len(s), nil)
	for i := range s {
		if s[i] > eps {
			sp.Set(i, i, 1.0/s[i])
		}
	}

	var vSp mat.Dense
	vSp.Mul(&v, sp)
	uT := mat.DenseCopyOf(u.T())

	var pinvDense mat.Dense
	pinvDense.Mul(&vSp, uT)

	pinv := NewMatrix(m.Cols, m.Rows)
	for i := 0; i < pinv.Rows; i++ {
		for j := 0; j < pinv.Cols; j++ {
			pinv.Values[i][j] = pinvDense.At(i, j)
		}
	}
	return pinv
}

// PolyFit returns the least-squares polynomial coefficients (constant term
// first) of the given degree through (x, y). x is centred and scaled before
// the fit to keep the Vandermonde matrix well conditioned; the returned
// coefficients are in the original x.
func PolyFit(x, y []float64, degree int) ([]float64, error) {
	if len(x) != len(y) || len(x) <= degree {
		return nil, fmt.Errorf("polyfit: %d points for degree %d", len(x), degree)
	}
	lo, hi := x[0], x[0]
	for _, v := range x {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	mid, half := (lo+hi)/2, (hi-lo)/2
	if half == 0 {
		return nil, fmt.Errorf("polyfit: degenerate x range")
	}
	a := NewMatrix(len(x), degree+1)
	for i, v := range x {
		u := (v - mid) / half
		p := 1.0
		for j := 0; j <= degree; j++ {
			a.Values[i][j] = p
			p *= u
		}
	}
	pinv := a.InverseSVD()
	if pinv == nil {
		return nil, fmt.Errorf("polyfit: svd failed")
	}
	yv := NewVector(len(y))
	copy(yv.Values, y)
	cu := pinv.MulVector(yv).Values

	// expand c(u) with u = (x-mid)/half back to powers of x
	out := make([]float64, degree+1)
	for j, c := range cu {
		// (x-mid)^j / half^j by the binomial theorem
		scale := c / math.Pow(half, float64(j))
		binom := 1.0
		for k := 0; k <= j; k++ {
			out[k] += scale * binom * math.Pow(-mid, float64(j-k))
			binom = binom * float64(j-k) / float64(k+1)
		}
	}
	return out, nil
}

// PolyEval evaluates c[0] + c[1]x + ... by Horner's rule.
func PolyEval(c []float64, x float64) float64 {
	v := 0.0
	for i := len(c) - 1; i >= 0; i-- {
		v = v*x + c[i]
	}
	return v
}

// PolyDeriv evaluates the first derivative of the polynomial c at x.
func PolyDeriv(c []float64, x float64) float64 {
	v := 0.0
	for i := len(c) - 1; i >= 1; i-- {
		v = v*x + float64(i)*c[i]
	}
	return v
}
