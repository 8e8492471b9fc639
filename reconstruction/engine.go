package reconstruction

import (
	"time"

	"github.com/benbjohnson/clock"
	"gonum.org/v1/gonum/mat"
)

// FusionParameters tune the ray potential of every view.
type FusionParameters struct {
	// Thickness is the half width of the band around the observed surface where the potential
	// ramps between -Rho and Rho. In front of the band a voxel gets Rho, beyond the band behind the
	// surface it gets 0.
	Thickness float64
	// Rho is the magnitude of the potential.
	Rho float64
	// UseAcceleration selects the accelerated engine.
	UseAcceleration bool
}

// FusionResult is what an engine hands back.
type FusionResult struct {
	Volume  *Volume
	Elapsed time.Duration
}

// An Engine fuses a catalog of views into a volume.
//
// Fuse receives a zero-filled grid in its own axis-aligned frame, the catalog, the 4x4 transform
// taking grid coordinates into the world and the fusion parameters. It returns a volume with the
// same topology as grid. The catalog belongs to the engine until Fuse returns. Results must be
// deterministic for a given catalog order and parameters. Fuse blocks until done.
type Engine interface {
	Fuse(grid *Volume, catalog *Catalog, alignment mat.Matrix, params FusionParameters) (*FusionResult, error)
}

// NewEngine returns the parallel CPU engine when acceleration is requested and the reference engine
// otherwise.
func NewEngine(params FusionParameters, clk clock.Clock) Engine {
	if params.UseAcceleration {
		return NewParallelEngine(clk)
	}
	return NewReferenceEngine(clk)
}
