// Package rimage holds depth images and the readers and writers for the depth image formats the
// reconstruction accepts.
package rimage

import (
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
)

// DepthMap is a per-pixel depth image. Values are kept in the units of the file they were read
// from; zero means no measurement.
type DepthMap struct {
	width  int
	height int

	data []float64
}

// NewEmptyDepthMap returns a zero-filled depth map of the given size.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		width:  width,
		height: height,
		data:   make([]float64, width*height),
	}
}

// NewDepthMapFromData wraps row-major data (index y*width+x) into a depth map. The slice is owned by
// the depth map afterwards.
func NewDepthMapFromData(width, height int, data []float64) (*DepthMap, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("bad width or height for depth map %v %v", width, height)
	}
	if len(data) != width*height {
		return nil, errors.Errorf("depth map %dx%d needs %d values, got %d", width, height, width*height, len(data))
	}
	return &DepthMap{width: width, height: height, data: data}, nil
}

// HasData reports whether the depth map has any pixels.
func (dm *DepthMap) HasData() bool {
	return dm.width > 0 && dm.height > 0 && dm.data != nil
}

// Width returns the horizontal size in pixels.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the vertical size in pixels.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Contains reports whether (x, y) is a pixel of the depth map.
func (dm *DepthMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < dm.width && y < dm.height
}

// At returns the depth at (x, y).
func (dm *DepthMap) At(x, y int) float64 {
	return dm.data[y*dm.width+x]
}

// Set sets the depth at (x, y).
func (dm *DepthMap) Set(x, y int, val float64) {
	dm.data[y*dm.width+x] = val
}

// MinMax returns the smallest and largest non-zero depths. Both are zero when there is no data.
func (dm *DepthMap) MinMax() (float64, float64) {
	min := math.Inf(1)
	max := math.Inf(-1)
	for _, z := range dm.data {
		if z == 0 || math.IsNaN(z) {
			continue
		}
		if z < min {
			min = z
		}
		if z > max {
			max = z
		}
	}
	if math.IsInf(min, 1) {
		return 0, 0
	}
	return min, max
}

// Clone returns a deep copy.
func (dm *DepthMap) Clone() *DepthMap {
	data := make([]float64, len(dm.data))
	copy(data, dm.data)
	return &DepthMap{width: dm.width, height: dm.height, data: data}
}

// ToPrettyPicture renders the depth map as a 16-bit gray image for viewing. Depths are clamped to
// [hardMin, hardMax] and stretched over the gray range with near depths bright; pixels without a
// measurement stay black. A non-positive hardMax leaves the upper end unclamped.
func (dm *DepthMap) ToPrettyPicture(hardMin, hardMax float64) *image.Gray16 {
	min, max := dm.MinMax()
	if min < hardMin {
		min = hardMin
	}
	if hardMax > 0 && max > hardMax {
		max = hardMax
	}
	span := max - min

	img := image.NewGray16(image.Rect(0, 0, dm.width, dm.height))
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			z := dm.At(x, y)
			if z == 0 || math.IsNaN(z) {
				continue
			}
			z = math.Max(min, math.Min(max, z))
			ratio := 0.
			if span > 0 {
				ratio = (z - min) / span
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(1 + math.Round((1-ratio)*(math.MaxUint16-1)))})
		}
	}
	return img
}
