// Package main is the reconstruct command: it fuses the calibrated depth maps listed in a data
// folder into a grid and writes it as a VTK structured grid.
//
//	reconstruct --grid-dims 100,100,100 --grid-spacing 0.1,0.1,0.1 --grid-origin -5,-5,-5 \
//	  --grid-vec-x 1,0,0 --grid-vec-y 0,1,0 --grid-vec-z 0,0,1 \
//	  --data-folder /data/scan --output /data/scan/output.vts
package main

import (
	"io"
	"os"

	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"github.com/depthfusion/depthfusion/logging"
	"github.com/depthfusion/depthfusion/reconstruction"
)

const (
	// Flags.
	flagGridDims       = "grid-dims"
	flagGridSpacing    = "grid-spacing"
	flagGridOrigin     = "grid-origin"
	flagGridVecX       = "grid-vec-x"
	flagGridVecY       = "grid-vec-y"
	flagGridVecZ       = "grid-vec-z"
	flagOutput         = "output"
	flagDataFolder     = "data-folder"
	flagDepthMapFile   = "depth-map-file"
	flagKRTFile        = "krt-file"
	flagRayThick       = "ray-thick"
	flagRayRho         = "ray-rho"
	flagNoAccel        = "no-accel"
	flagVerbose        = "verbose"
	flagOrthoTolerance = "ortho-tolerance"
	flagPairing        = "pairing"
	flagOutputEncoding = "output-encoding"
	flagLogFile        = "log-file"
	flagConfig         = "config"
)

type runFunc func(cfg reconstruction.Config, logger logging.Logger) (*reconstruction.Summary, error)

func runReconstruction(cfg reconstruction.Config, logger logging.Logger) (*reconstruction.Summary, error) {
	return reconstruction.NewReconstructor(cfg, logger).Run()
}

func main() {
	logger := logging.NewLogger("reconstruct")
	if err := newApp(logger, runReconstruction).Run(os.Args); err != nil {
		logger.Error(err)
		goutils.UncheckedError(logger.Sync())
		os.Exit(1)
	}
}

func newApp(logger logging.Logger, run runFunc) *cli.App {
	var logFile io.Closer

	return &cli.App{
		Name:            "reconstruct",
		Usage:           "fuse calibrated depth maps into an oriented scalar grid",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.IntSliceFlag{
				Name:  flagGridDims,
				Usage: "grid dimensions `NX,NY,NZ` (required)",
			},
			&cli.Float64SliceFlag{
				Name:  flagGridSpacing,
				Usage: "grid spacing `SX,SY,SZ` (required)",
			},
			&cli.Float64SliceFlag{
				Name:  flagGridOrigin,
				Usage: "grid origin `X,Y,Z` (required)",
			},
			&cli.Float64SliceFlag{
				Name:  flagGridVecX,
				Usage: "grid direction X `X,Y,Z` (required)",
			},
			&cli.Float64SliceFlag{
				Name:  flagGridVecY,
				Usage: "grid direction Y `X,Y,Z` (required)",
			},
			&cli.Float64SliceFlag{
				Name:  flagGridVecZ,
				Usage: "grid direction Z `X,Y,Z` (required)",
			},
			&cli.StringFlag{
				Name:    flagOutput,
				Aliases: []string{"o"},
				Usage:   "output grid `FILE` (required)",
			},
			&cli.StringFlag{
				Name:  flagDataFolder,
				Usage: "`DIR` which contains all data",
			},
			&cli.StringFlag{
				Name:  flagDepthMapFile,
				Usage: "file which contains all the depth map paths",
				Value: reconstruction.DefaultDepthMapManifest,
			},
			&cli.StringFlag{
				Name:  flagKRTFile,
				Usage: "file which contains all the KRTD paths",
				Value: reconstruction.DefaultCalibrationManifest,
			},
			&cli.Float64Flag{
				Name:  flagRayThick,
				Usage: "ray potential thickness threshold",
				Value: reconstruction.DefaultRayThickness,
			},
			&cli.Float64Flag{
				Name:  flagRayRho,
				Usage: "ray potential rho",
				Value: reconstruction.DefaultRayRho,
			},
			&cli.BoolFlag{
				Name:  flagNoAccel,
				Usage: "fuse on a single goroutine",
			},
			&cli.BoolFlag{
				Name:    flagVerbose,
				Aliases: []string{"v"},
				Usage:   "display debug information",
			},
			&cli.Float64Flag{
				Name:  flagOrthoTolerance,
				Usage: "largest accepted absolute dot product between grid directions",
			},
			&cli.StringFlag{
				Name:  flagPairing,
				Usage: "blank depth manifest lines: legacy-skip or strict-pairing",
				Value: string(reconstruction.PairingLegacySkip),
			},
			&cli.StringFlag{
				Name:  flagOutputEncoding,
				Usage: "output data arrays: ascii or binary",
				Value: string(reconstruction.EncodingBinary),
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to a rotating `FILE`",
			},
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from a JSON or YAML `FILE`; flags take precedence",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagVerbose) {
				logger.SetLevel(logging.DEBUG)
			}
			if path := c.String(flagLogFile); path != "" {
				appender, closer := logging.NewFileAppender(path)
				logger.AddAppender(appender)
				logFile = closer
			}
			return nil
		},
		After: func(c *cli.Context) error {
			if logFile != nil {
				return logFile.Close()
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			cfg, err := configFromContext(c)
			if err != nil {
				return err
			}
			if cfg.Verbose {
				logger.SetLevel(logging.DEBUG)
			}
			summary, err := run(cfg, logger)
			if err != nil {
				return err
			}
			logger.Debugw("reconstruction done",
				"run_id", summary.RunID.String(),
				"records", summary.Records,
				"elapsed", summary.Elapsed,
				"output", summary.OutputPath)
			return nil
		},
	}
}

// configFromContext layers explicitly set flags over the config file, or over the defaults when no
// file is given.
func configFromContext(c *cli.Context) (reconstruction.Config, error) {
	cfg := reconstruction.DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = reconstruction.ReadConfigFile(path); err != nil {
			return cfg, err
		}
	}

	set := func(name string, apply func()) {
		if c.IsSet(name) {
			apply()
		}
	}
	set(flagGridDims, func() { cfg.GridDims = c.IntSlice(flagGridDims) })
	set(flagGridSpacing, func() { cfg.GridSpacing = c.Float64Slice(flagGridSpacing) })
	set(flagGridOrigin, func() { cfg.GridOrigin = c.Float64Slice(flagGridOrigin) })
	set(flagGridVecX, func() { cfg.GridVecX = c.Float64Slice(flagGridVecX) })
	set(flagGridVecY, func() { cfg.GridVecY = c.Float64Slice(flagGridVecY) })
	set(flagGridVecZ, func() { cfg.GridVecZ = c.Float64Slice(flagGridVecZ) })
	set(flagOutput, func() { cfg.OutputPath = c.String(flagOutput) })
	set(flagDataFolder, func() { cfg.DataFolder = c.String(flagDataFolder) })
	set(flagDepthMapFile, func() { cfg.DepthMapManifest = c.String(flagDepthMapFile) })
	set(flagKRTFile, func() { cfg.CalibrationManifest = c.String(flagKRTFile) })
	set(flagRayThick, func() { cfg.RayThickness = c.Float64(flagRayThick) })
	set(flagRayRho, func() { cfg.RayRho = c.Float64(flagRayRho) })
	set(flagNoAccel, func() { cfg.UseAcceleration = !c.Bool(flagNoAccel) })
	set(flagVerbose, func() { cfg.Verbose = c.Bool(flagVerbose) })
	set(flagOrthoTolerance, func() { cfg.OrthogonalityTolerance = c.Float64(flagOrthoTolerance) })
	set(flagPairing, func() { cfg.Pairing = reconstruction.PairingPolicy(c.String(flagPairing)) })
	set(flagOutputEncoding, func() { cfg.OutputEncoding = reconstruction.OutputEncoding(c.String(flagOutputEncoding)) })
	return cfg, nil
}
