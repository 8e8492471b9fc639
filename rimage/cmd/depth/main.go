// Package main is a command that converts a depth map between file formats or renders it to a
// viewable PNG.
package main

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/image/tiff"

	"github.com/depthfusion/depthfusion/logging"
	"github.com/depthfusion/depthfusion/rimage"
)

func main() {
	logger := logging.NewLogger("depth")
	if err := newApp(logger).Run(os.Args); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func newApp(logger logging.Logger) *cli.App {
	return &cli.App{
		Name:      "depth",
		Usage:     "convert or render a depth map",
		ArgsUsage: "<in> <out>",
		Flags: []cli.Flag{
			&cli.Float64Flag{
				Name:  "min",
				Usage: "min depth when rendering",
			},
			&cli.Float64Flag{
				Name:  "max",
				Usage: "max depth when rendering, 0 for no limit",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return errors.New("need two args <in> <out>")
			}
			in, out := c.Args().Get(0), c.Args().Get(1)

			dm, err := rimage.ParseDepthMap(in)
			if err != nil {
				return err
			}
			min, max := dm.MinMax()
			logger.Infow("read depth map", "file", in, "width", dm.Width(), "height", dm.Height(), "min", min, "max", max)

			switch strings.ToLower(filepath.Ext(out)) {
			case ".png", ".tif", ".tiff":
				return writePrettyPicture(out, dm.ToPrettyPicture(c.Float64("min"), c.Float64("max")))
			default:
				return dm.WriteToFile(out)
			}
		},
	}
}

func writePrettyPicture(fn string, img image.Image) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	if strings.ToLower(filepath.Ext(fn)) == ".png" {
		return png.Encode(f, img)
	}
	return tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate})
}
