package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// bottomRowTolerance bounds how far the homogeneous row may drift from (0, 0, 0, 1)
const bottomRowTolerance = 1e-6

// Affine is a validated 4x4 homogeneous transform between two physical RAS spaces.
// The zero value is not usable; build one with NewAffine, AffineFromRows or Identity.
type Affine struct {
	m *mat.Dense
}

// NewAffine validates m and returns an immutable copy of it
func NewAffine(m mat.Matrix) (Affine, error) {
	if m == nil {
		return Affine{}, &TransformError{Reason: "nil matrix"}
	}
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return Affine{}, &TransformError{Reason: fmt.Sprintf("shape %dx%d, want 4x4", r, c)}
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Affine{}, &TransformError{Reason: fmt.Sprintf("entry (%d,%d) is %v", i, j, v)}
			}
		}
	}
	want := [4]float64{0, 0, 0, 1}
	for j := 0; j < 4; j++ {
		if math.Abs(m.At(3, j)-want[j]) > bottomRowTolerance {
			return Affine{}, &TransformError{Reason: fmt.Sprintf("bottom row entry %d is %g, want %g", j, m.At(3, j), want[j])}
		}
	}
	return Affine{m: mat.DenseCopyOf(m)}, nil
}

// AffineFromRows builds an affine from row-major values
func AffineFromRows(rows [][]float64) (Affine, error) {
	if len(rows) != 4 {
		return Affine{}, &TransformError{Reason: fmt.Sprintf("%d rows, want 4", len(rows))}
	}
	data := make([]float64, 0, 16)
	for i, row := range rows {
		if len(row) != 4 {
			return Affine{}, &TransformError{Reason: fmt.Sprintf("row %d has %d columns, want 4", i, len(row))}
		}
		data = append(data, row...)
	}
	return NewAffine(mat.NewDense(4, 4, data))
}

// Identity returns the identity transform
func Identity() Affine {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return Affine{m: m}
}

// Translation returns a pure translation by v
func Translation(v r3.Vec) Affine {
	a := Identity()
	a.m.Set(0, 3, v.X)
	a.m.Set(1, 3, v.Y)
	a.m.Set(2, 3, v.Z)
	return a
}

// Valid reports whether a was built through one of the constructors
func (a Affine) Valid() bool { return a.m != nil }

// Matrix returns a copy of the underlying 4x4 matrix
func (a Affine) Matrix() *mat.Dense {
	if a.m == nil {
		return nil
	}
	return mat.DenseCopyOf(a.m)
}

// At returns the matrix element at row i, column j
func (a Affine) At(i, j int) float64 { return a.m.At(i, j) }

// Apply maps a point through the transform
func (a Affine) Apply(p r3.Vec) r3.Vec {
	m := a.m
	return r3.Vec{
		X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2)*p.Z + m.At(0, 3),
		Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2)*p.Z + m.At(1, 3),
		Z: m.At(2, 0)*p.X + m.At(2, 1)*p.Y + m.At(2, 2)*p.Z + m.At(2, 3),
	}
}

// Compose returns the transform that applies b first, then a (a·b)
func (a Affine) Compose(b Affine) Affine {
	var out mat.Dense
	out.Mul(a.m, b.m)
	return Affine{m: &out}
}

// Inverse returns the inverse transform. Singular matrices yield ErrInvalidTransform.
func (a Affine) Inverse() (Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.m); err != nil {
		return Affine{}, &TransformError{Reason: fmt.Sprintf("not invertible: %v", err)}
	}
	return NewAffine(&inv)
}

// Equal reports whether two transforms agree element-wise within tol
func (a Affine) Equal(b Affine, tol float64) bool {
	return mat.EqualApprox(a.m, b.m, tol)
}

// String formats the matrix one row per line
func (a Affine) String() string {
	if a.m == nil {
		return "<invalid affine>"
	}
	return fmt.Sprintf("%v", mat.Formatted(a.m, mat.Squeeze()))
}
