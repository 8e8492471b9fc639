package reconstruction

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/depthfusion/depthfusion/spatialmath"
)

// MaxGridPoints is the largest number of points a grid may have.
const MaxGridPoints = 1 << 30

// GridSpec is the topology of an axis-aligned grid: the number of points along each axis, the
// distance between neighbouring points and the position of point (0, 0, 0).
type GridSpec struct {
	Dims    [3]int
	Spacing r3.Vector
	Origin  r3.Vector
}

// NumPoints returns the number of grid points. It is only meaningful for a spec accepted by
// CheckGridDims.
func (gs GridSpec) NumPoints() int {
	return gs.Dims[0] * gs.Dims[1] * gs.Dims[2]
}

// CheckGridDims returns the number of points of a grid with the given dimensions, or an error when a
// dimension is not positive or the grid has more than MaxGridPoints points.
func CheckGridDims(dims [3]int) (int, error) {
	n := 1
	for i, d := range dims {
		if d <= 0 {
			return 0, errors.Errorf("grid dimension %d must be positive, got %d", i, d)
		}
	}
	for _, d := range dims {
		if n > MaxGridPoints/d {
			return 0, errors.Errorf("grid of %d x %d x %d points has more than %d points",
				dims[0], dims[1], dims[2], MaxGridPoints)
		}
		n *= d
	}
	return n, nil
}

// Index returns the flat index of point (i, j, k). i varies fastest.
func (gs GridSpec) Index(i, j, k int) int {
	return i + gs.Dims[0]*(j+gs.Dims[1]*k)
}

// IJK is the inverse of Index.
func (gs GridSpec) IJK(idx int) (int, int, int) {
	i := idx % gs.Dims[0]
	idx /= gs.Dims[0]
	j := idx % gs.Dims[1]
	k := idx / gs.Dims[1]
	return i, j, k
}

// Point returns the position of the point at flat index idx in the grid's own frame.
func (gs GridSpec) Point(idx int) r3.Vector {
	i, j, k := gs.IJK(idx)
	return r3.Vector{
		X: gs.Origin.X + float64(i)*gs.Spacing.X,
		Y: gs.Origin.Y + float64(j)*gs.Spacing.Y,
		Z: gs.Origin.Z + float64(k)*gs.Spacing.Z,
	}
}

// Volume is a scalar field sampled on an axis-aligned grid.
type Volume struct {
	spec    GridSpec
	scalars []float64
}

// NewVolume creates a zero-filled volume.
func NewVolume(spec GridSpec) (*Volume, error) {
	n, err := CheckGridDims(spec.Dims)
	if err != nil {
		return nil, err
	}
	return &Volume{spec: spec, scalars: make([]float64, n)}, nil
}

// Spec returns the grid topology.
func (v *Volume) Spec() GridSpec {
	return v.spec
}

// Len returns the number of samples.
func (v *Volume) Len() int {
	return len(v.scalars)
}

// Scalar returns the sample at flat index idx.
func (v *Volume) Scalar(idx int) float64 {
	return v.scalars[idx]
}

// SetScalar sets the sample at flat index idx.
func (v *Volume) SetScalar(idx int, val float64) {
	v.scalars[idx] = val
}

// Scalars returns a copy of every sample in flat index order.
func (v *Volume) Scalars() []float64 {
	out := make([]float64, len(v.scalars))
	copy(out, v.scalars)
	return out
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	return &Volume{spec: v.spec, scalars: v.Scalars()}
}

// SameTopology reports whether both volumes sample the same grid.
func (v *Volume) SameTopology(other *Volume) bool {
	return other != nil && v.spec == other.spec && len(v.scalars) == len(other.scalars)
}

// StructuredGrid is a grid of arbitrarily placed points with one scalar per point, stored in the
// same i-fastest order as Volume.
type StructuredGrid struct {
	Dims    [3]int
	Points  []r3.Vector
	Scalars []float64
}

// ApplyTransform places every point of the volume in the world with the homogeneous 4x4 matrix m.
func ApplyTransform(v *Volume, m mat.Matrix) (*StructuredGrid, error) {
	affine, err := spatialmath.NewAffine(m)
	if err != nil {
		return nil, err
	}
	grid := &StructuredGrid{
		Dims:    v.spec.Dims,
		Points:  make([]r3.Vector, v.Len()),
		Scalars: v.Scalars(),
	}
	for idx := range grid.Points {
		grid.Points[idx] = affine.Apply(v.spec.Point(idx))
	}
	return grid, nil
}
