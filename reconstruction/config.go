// Package reconstruction fuses calibrated depth maps into a scalar volume laid out on a grid that is
// oriented in the world by three direction vectors, and writes the oriented volume to disk.
//
// A run is driven by a Reconstructor: it validates a Config, pairs depth maps with calibrations into
// a Catalog, hands the catalog to an Engine together with the grid and its alignment transform,
// transforms the fused volume into the world and persists it with a GridWriter.
package reconstruction

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/depthfusion/depthfusion/spatialmath"
)

// PairingPolicy decides what a blank depth manifest line does to the calibration manifest.
type PairingPolicy string

const (
	// PairingLegacySkip skips a blank depth line without consuming a calibration line, so every
	// following depth map is paired with the calibration one line above it.
	PairingLegacySkip = PairingPolicy("legacy-skip")
	// PairingStrict consumes one calibration line for every depth line, blank or not.
	PairingStrict = PairingPolicy("strict-pairing")
)

// OutputEncoding selects how data arrays are stored in the written grid.
type OutputEncoding string

// Known output encodings.
const (
	EncodingASCII  = OutputEncoding("ascii")
	EncodingBinary = OutputEncoding("binary")
)

// Default values for the optional configuration fields.
const (
	DefaultDepthMapManifest    = "vtiList.txt"
	DefaultCalibrationManifest = "kList.txt"
	DefaultRayThickness        = 2.
	DefaultRayRho              = 3.
)

// Config is the full description of one reconstruction run. It is built once at startup and passed
// by value.
type Config struct {
	GridDims    []int     `json:"grid_dims"`
	GridSpacing []float64 `json:"grid_spacing"`
	GridOrigin  []float64 `json:"grid_origin"`
	GridVecX    []float64 `json:"grid_vec_x"`
	GridVecY    []float64 `json:"grid_vec_y"`
	GridVecZ    []float64 `json:"grid_vec_z"`

	OutputPath          string `json:"output"`
	DataFolder          string `json:"data_folder"`
	DepthMapManifest    string `json:"depth_map_file"`
	CalibrationManifest string `json:"krt_file"`

	RayThickness    float64 `json:"ray_thick"`
	RayRho          float64 `json:"ray_rho"`
	UseAcceleration bool    `json:"use_acceleration"`

	OrthogonalityTolerance float64        `json:"ortho_tolerance"`
	Pairing                PairingPolicy  `json:"pairing"`
	OutputEncoding         OutputEncoding `json:"output_encoding"`

	Verbose bool `json:"verbose"`
}

// DefaultConfig returns a Config with every optional field set to its default. The grid and the
// output path have no defaults.
func DefaultConfig() Config {
	return Config{
		DepthMapManifest:    DefaultDepthMapManifest,
		CalibrationManifest: DefaultCalibrationManifest,
		RayThickness:        DefaultRayThickness,
		RayRho:              DefaultRayRho,
		UseAcceleration:     true,
		Pairing:             PairingLegacySkip,
		OutputEncoding:      EncodingBinary,
	}
}

// Validate reports every problem with the configuration as a single ErrConfiguration. It does not
// touch the filesystem.
func (cfg Config) Validate() error {
	var errs error
	fail := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, errors.Errorf(format, args...))
	}

	if len(cfg.GridDims) != 3 {
		fail("grid_dims needs 3 values, has %d", len(cfg.GridDims))
	} else {
		positive := true
		for i, d := range cfg.GridDims {
			if d <= 0 {
				fail("grid_dims[%d] must be positive, got %d", i, d)
				positive = false
			}
		}
		if positive {
			if _, err := CheckGridDims([3]int{cfg.GridDims[0], cfg.GridDims[1], cfg.GridDims[2]}); err != nil {
				fail("grid_dims: %v", err)
			}
		}
	}
	for _, field := range []struct {
		name string
		vals []float64
	}{
		{"grid_spacing", cfg.GridSpacing},
		{"grid_origin", cfg.GridOrigin},
		{"grid_vec_x", cfg.GridVecX},
		{"grid_vec_y", cfg.GridVecY},
		{"grid_vec_z", cfg.GridVecZ},
	} {
		if len(field.vals) != 3 {
			fail("%s needs 3 values, has %d", field.name, len(field.vals))
		}
	}

	if cfg.OutputPath == "" {
		fail("output is required")
	}
	if cfg.DepthMapManifest == "" {
		fail("depth_map_file is required")
	}
	if cfg.CalibrationManifest == "" {
		fail("krt_file is required")
	}
	if !(cfg.RayThickness > 0) || math.IsInf(cfg.RayThickness, 0) {
		fail("ray_thick must be a positive number, got %v", cfg.RayThickness)
	}
	if !(cfg.RayRho > 0) || math.IsInf(cfg.RayRho, 0) {
		fail("ray_rho must be a positive number, got %v", cfg.RayRho)
	}

	switch cfg.Pairing {
	case PairingLegacySkip, PairingStrict:
	default:
		fail("unknown pairing policy %q", cfg.Pairing)
	}
	switch cfg.OutputEncoding {
	case EncodingASCII, EncodingBinary:
	default:
		fail("unknown output encoding %q", cfg.OutputEncoding)
	}

	if basis, err := cfg.Basis(); err == nil {
		if err := basis.CheckOrthogonal(cfg.OrthogonalityTolerance); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		return NewConfigurationError(errs)
	}
	return nil
}

// Basis returns the three grid direction vectors.
func (cfg Config) Basis() (spatialmath.Basis, error) {
	return spatialmath.NewBasisFromSlices(cfg.GridVecX, cfg.GridVecY, cfg.GridVecZ)
}

// GridSpec returns the axis-aligned grid topology.
func (cfg Config) GridSpec() (GridSpec, error) {
	if len(cfg.GridDims) != 3 || len(cfg.GridSpacing) != 3 || len(cfg.GridOrigin) != 3 {
		return GridSpec{}, errors.New("grid dims, spacing and origin need 3 values each")
	}
	return GridSpec{
		Dims:    [3]int{cfg.GridDims[0], cfg.GridDims[1], cfg.GridDims[2]},
		Spacing: r3.Vector{X: cfg.GridSpacing[0], Y: cfg.GridSpacing[1], Z: cfg.GridSpacing[2]},
		Origin:  r3.Vector{X: cfg.GridOrigin[0], Y: cfg.GridOrigin[1], Z: cfg.GridOrigin[2]},
	}, nil
}

// FusionParameters returns the parameters handed to the engine.
func (cfg Config) FusionParameters() FusionParameters {
	return FusionParameters{
		Thickness:       cfg.RayThickness,
		Rho:             cfg.RayRho,
		UseAcceleration: cfg.UseAcceleration,
	}
}

// CatalogConfig returns the catalog loading settings.
func (cfg Config) CatalogConfig() CatalogConfig {
	return CatalogConfig{
		DataFolder:          cfg.DataFolder,
		DepthMapManifest:    cfg.DepthMapManifest,
		CalibrationManifest: cfg.CalibrationManifest,
		Pairing:             cfg.Pairing,
	}
}
