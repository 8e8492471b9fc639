// Package spatialmath holds the homogeneous matrix and basis helpers used to place reconstruction
// grids in the world.
package spatialmath

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// NewIdentity4 returns a fresh 4x4 identity matrix.
func NewIdentity4() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// IsHomogeneous reports whether m is 4x4 with a last row of exactly [0 0 0 1].
func IsHomogeneous(m mat.Matrix) bool {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return false
	}
	return m.At(3, 0) == 0 && m.At(3, 1) == 0 && m.At(3, 2) == 0 && m.At(3, 3) == 1
}

// FinalizeHomogeneous overwrites the last row of a 4x4 matrix with [0 0 0 1].
func FinalizeHomogeneous(m *mat.Dense) {
	for j := 0; j < 4; j++ {
		m.Set(3, j, 0)
	}
	m.Set(3, 3, 1)
}

// TransformPoint applies the homogeneous 4x4 matrix m to p. The projective row is ignored, so m is
// treated as an affine transform.
func TransformPoint(m mat.Matrix, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2)*p.Z + m.At(0, 3),
		Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2)*p.Z + m.At(1, 3),
		Z: m.At(2, 0)*p.X + m.At(2, 1)*p.Y + m.At(2, 2)*p.Z + m.At(2, 3),
	}
}

// Affine is a flattened row-major 3x4 affine transform, convenient for inner loops where calling
// through the mat.Matrix interface per element would dominate.
type Affine [12]float64

// NewAffine copies the top three rows of a 4x4 matrix.
func NewAffine(m mat.Matrix) (Affine, error) {
	var a Affine
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return a, errors.Errorf("expected a 4x4 matrix, got %dx%d", r, c)
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			a[i*4+j] = m.At(i, j)
		}
	}
	return a, nil
}

// Apply transforms p.
func (a *Affine) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: a[0]*p.X + a[1]*p.Y + a[2]*p.Z + a[3],
		Y: a[4]*p.X + a[5]*p.Y + a[6]*p.Z + a[7],
		Z: a[8]*p.X + a[9]*p.Y + a[10]*p.Z + a[11],
	}
}

// Compose returns the affine transform equivalent to applying b first and then a.
func (a *Affine) Compose(b Affine) Affine {
	var out Affine
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			v := a[i*4+0]*b[0*4+j] + a[i*4+1]*b[1*4+j] + a[i*4+2]*b[2*4+j]
			if j == 3 {
				v += a[i*4+3]
			}
			out[i*4+j] = v
		}
	}
	return out
}
