package rimage

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"golang.org/x/image/tiff"
)

// maxDepthMapSide bounds the dimensions accepted from raw files.
const maxDepthMapSide = 100000

// ParseDepthMap reads a depth map from fn, choosing the decoder from the file extension:
// .vti (VTK XML ImageData), .png, .tif/.tiff (gray images), .dat and .dat.gz (raw format).
func ParseDepthMap(fn string) (*DepthMap, error) {
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)

	var dm *DepthMap
	switch ext := depthMapExt(fn); ext {
	case ".vti":
		dm, err = ReadVTI(f)
	case ".png":
		dm, err = readGrayImage(f, png.Decode)
	case ".tif", ".tiff":
		dm, err = readGrayImage(f, tiff.Decode)
	case ".dat":
		dm, err = ReadDepthMap(bufio.NewReader(f))
	case ".dat.gz":
		gz, gzErr := gzip.NewReader(f)
		if gzErr != nil {
			return nil, errors.Wrapf(gzErr, "cannot read depth map %q", fn)
		}
		defer utils.UncheckedErrorFunc(gz.Close)
		dm, err = ReadDepthMap(bufio.NewReader(gz))
	default:
		return nil, errors.Errorf("do not know how to read depth map file %q", fn)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read depth map %q", fn)
	}
	return dm, nil
}

// WriteToFile writes the depth map to fn. Supported extensions are .vti (ascii), .dat and .dat.gz.
func (dm *DepthMap) WriteToFile(fn string) (err error) {
	ext := depthMapExt(fn)
	if ext != ".vti" && ext != ".dat" && ext != ".dat.gz" {
		return errors.Errorf("do not know how to write depth map file %q", fn)
	}

	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	switch ext {
	case ".vti":
		return WriteVTI(f, dm)
	case ".dat":
		return dm.WriteTo(f)
	default:
		gout := gzip.NewWriter(f)
		if err := dm.WriteTo(gout); err != nil {
			return multierr.Combine(err, gout.Close())
		}
		return gout.Close()
	}
}

func depthMapExt(fn string) string {
	lower := strings.ToLower(fn)
	if strings.HasSuffix(lower, ".dat.gz") {
		return ".dat.gz"
	}
	return filepath.Ext(lower)
}

// ReadDepthMap reads the raw format: little-endian uint64 width and height followed by the depths
// as float64 bits, column by column.
func ReadDepthMap(r *bufio.Reader) (*DepthMap, error) {
	var header [2]uint64
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "cannot read depth map header")
	}
	width, height := int(header[0]), int(header[1])
	if header[0] == 0 || header[0] >= maxDepthMapSide || header[1] == 0 || header[1] >= maxDepthMapSide {
		return nil, errors.Errorf("bad width or height for depth map %v %v", header[0], header[1])
	}

	dm := NewEmptyDepthMap(width, height)
	buf := make([]byte, 8)
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, errors.Wrapf(err, "depth map truncated at (%d,%d)", x, y)
			}
			dm.Set(x, y, math.Float64frombits(binary.LittleEndian.Uint64(buf)))
		}
	}
	return dm, nil
}

// WriteTo writes the raw format read by ReadDepthMap.
func (dm *DepthMap) WriteTo(out io.Writer) error {
	bw := bufio.NewWriter(out)
	buf := make([]byte, 8)

	binary.LittleEndian.PutUint64(buf, uint64(dm.width))
	if _, err := bw.Write(buf); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf, uint64(dm.height))
	if _, err := bw.Write(buf); err != nil {
		return err
	}

	for x := 0; x < dm.width; x++ {
		for y := 0; y < dm.height; y++ {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(dm.At(x, y)))
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// readGrayImage decodes an image and uses its 16 bit gray value as the depth.
func readGrayImage(r io.Reader, decode func(io.Reader) (image.Image, error)) (*DepthMap, error) {
	img, err := decode(r)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, errors.New("image has no pixels")
	}
	dm := NewEmptyDepthMap(bounds.Dx(), bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			var v uint16
			switch c := img.At(x, y).(type) {
			case color.Gray16:
				v = c.Y
			case color.Gray:
				v = uint16(c.Y)
			default:
				//nolint:forcetypeassert
				v = color.Gray16Model.Convert(c).(color.Gray16).Y
			}
			dm.Set(x-bounds.Min.X, y-bounds.Min.Y, float64(v))
		}
	}
	return dm, nil
}
