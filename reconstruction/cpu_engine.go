package reconstruction

import (
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/depthfusion/depthfusion/spatialmath"
	"github.com/depthfusion/depthfusion/utils"
)

type cpuEngine struct {
	clock    clock.Clock
	parallel bool
}

// NewReferenceEngine returns an engine that sweeps the voxels on the calling goroutine.
func NewReferenceEngine(clk clock.Clock) Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &cpuEngine{clock: clk}
}

// NewParallelEngine returns an engine that splits the voxels into contiguous slabs and fuses them
// concurrently. Its output is identical to the reference engine's.
func NewParallelEngine(clk clock.Clock) Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &cpuEngine{clock: clk, parallel: true}
}

// Fuse maps every voxel into the world through alignment and sums the ray potentials of all views,
// in catalog order, into a copy of grid.
func (e *cpuEngine) Fuse(
	grid *Volume,
	catalog *Catalog,
	alignment mat.Matrix,
	params FusionParameters,
) (*FusionResult, error) {
	start := e.clock.Now()
	if grid == nil {
		return nil, errors.New("no grid to fuse into")
	}
	if catalog.Len() == 0 {
		return nil, ErrEmptyCatalog
	}
	if !(params.Thickness > 0) {
		return nil, errors.Errorf("ray thickness must be positive, got %v", params.Thickness)
	}
	if !spatialmath.IsHomogeneous(alignment) {
		return nil, errors.New("alignment must be a homogeneous 4x4 matrix")
	}
	gridToWorld, err := spatialmath.NewAffine(alignment)
	if err != nil {
		return nil, err
	}

	views := make([]fusionView, catalog.Len())
	for i := range views {
		views[i] = newFusionView(catalog.At(i))
	}

	out := grid.Clone()
	spec := out.Spec()
	fuseVoxel := func(idx int) {
		world := gridToWorld.Apply(spec.Point(idx))
		sum := out.scalars[idx]
		for _, view := range views {
			sum += view.potential(world, params)
		}
		out.scalars[idx] = sum
	}

	if e.parallel {
		if err := utils.GroupWorkParallel(
			out.Len(),
			nil,
			func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
				return func(memberNum, workNum int) {
					fuseVoxel(workNum)
				}, nil
			},
		); err != nil {
			return nil, err
		}
	} else {
		for idx := 0; idx < out.Len(); idx++ {
			fuseVoxel(idx)
		}
	}

	return &FusionResult{Volume: out, Elapsed: e.clock.Since(start)}, nil
}
