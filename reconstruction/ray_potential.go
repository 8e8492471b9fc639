package reconstruction

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/depthfusion/depthfusion/rimage"
	"github.com/depthfusion/depthfusion/rimage/transform"
)

// rayPotential is the contribution of one observation to a voxel. diff is the observed depth minus
// the voxel's depth along the same ray: positive in front of the surface, negative behind it.
func rayPotential(diff float64, params FusionParameters) float64 {
	switch {
	case diff > params.Thickness:
		return params.Rho
	case math.Abs(diff) <= params.Thickness:
		return params.Rho * diff / params.Thickness
	default:
		return 0
	}
}

// fusionView is a catalog record prepared for the voxel loop.
type fusionView struct {
	projector *transform.Projector
	depth     *rimage.DepthMap
}

func newFusionView(r *Record) fusionView {
	return fusionView{projector: r.Pose.Projector(), depth: r.DepthMap}
}

// potential samples the view at the nearest pixel to the world point. Points that project outside
// the image, lie behind the camera or hit a pixel without depth get nothing.
func (fv fusionView) potential(world r3.Vector, params FusionParameters) float64 {
	u, v, z, ok := fv.projector.Project(world)
	if !ok {
		return 0
	}
	x, y := int(math.Round(u)), int(math.Round(v))
	if !fv.depth.Contains(x, y) {
		return 0
	}
	observed := fv.depth.At(x, y)
	if observed == 0 || math.IsNaN(observed) {
		return 0
	}
	return rayPotential(observed-z, params)
}
