package spatialmath

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNotOrthogonal is returned when the three grid direction vectors are not pairwise orthogonal.
var ErrNotOrthogonal = errors.New("given vectors are not orthogonal")

// Basis is the set of three direction vectors that orient a reconstruction grid in the world.
type Basis struct {
	X r3.Vector
	Y r3.Vector
	Z r3.Vector
}

// NewBasisFromSlices builds a Basis from three 3-element slices.
func NewBasisFromSlices(x, y, z []float64) (Basis, error) {
	vecs := make([]r3.Vector, 0, 3)
	for i, s := range [][]float64{x, y, z} {
		if len(s) != 3 {
			return Basis{}, errors.Errorf("direction vector %c must have 3 components, has %d", "XYZ"[i], len(s))
		}
		vecs = append(vecs, r3.Vector{X: s[0], Y: s[1], Z: s[2]})
	}
	return Basis{X: vecs[0], Y: vecs[1], Z: vecs[2]}, nil
}

// CheckOrthogonal checks that the vectors are pairwise orthogonal, i.e. that |X·Y|, |Y·Z| and
// |Z·X| are each no greater than tolerance. A tolerance of 0 demands exact zero dot products.
func (b Basis) CheckOrthogonal(tolerance float64) error {
	if tolerance < 0 || math.IsNaN(tolerance) {
		return errors.Errorf("orthogonality tolerance must be non-negative, got %v", tolerance)
	}
	xy := b.X.Dot(b.Y)
	yz := b.Y.Dot(b.Z)
	zx := b.Z.Dot(b.X)
	if math.Abs(xy) <= tolerance && math.Abs(yz) <= tolerance && math.Abs(zx) <= tolerance {
		return nil
	}
	return errors.Wrapf(ErrNotOrthogonal, "X·Y=%g Y·Z=%g Z·X=%g (tolerance %g)", xy, yz, zx, tolerance)
}

// String renders the basis the way it is laid out in the grid matrix diagnostics: line i holds
// component i of X, Y and Z.
func (b Basis) String() string {
	var sb strings.Builder
	xs := [3]float64{b.X.X, b.X.Y, b.X.Z}
	ys := [3]float64{b.Y.X, b.Y.Y, b.Y.Z}
	zs := [3]float64{b.Z.X, b.Z.Y, b.Z.Z}
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&sb, "%f  %f  %f\n", xs[i], ys[i], zs[i])
	}
	return sb.String()
}

// NewGridAlignmentTransform builds the 4x4 transform taking grid-local coordinates to world
// coordinates. Rows 0, 1 and 2 of the rotation block are X, Y and Z; the translation is zero and
// the last row is [0 0 0 1]. Orthogonality is not checked here.
func NewGridAlignmentTransform(b Basis) *mat.Dense {
	m := NewIdentity4()
	for i, v := range []r3.Vector{b.X, b.Y, b.Z} {
		m.Set(i, 0, v.X)
		m.Set(i, 1, v.Y)
		m.Set(i, 2, v.Z)
	}
	return m
}
