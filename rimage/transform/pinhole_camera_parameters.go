// Package transform holds camera calibration: the pinhole intrinsics and the poses that place
// depth map views in the world.
package transform

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is when a camera does not have usable intrinsic parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intrinsics are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Fx   float64 `json:"fx"`
	Fy   float64 `json:"fy"`
	Ppx  float64 `json:"ppx"`
	Ppy  float64 `json:"ppy"`
	Skew float64 `json:"skew"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// PixelToPoint transforms a pixel with depth to a 3D point in the camera frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) (float64, float64, float64) {
	if params == nil {
		return float64(0), float64(0), float64(0)
	}
	yOverZ := (y - params.Ppy) / params.Fy
	xOverZ := (x - params.Ppx - params.Skew*yOverZ) / params.Fx
	return xOverZ * z, yOverZ * z, z
}

// PointToPixel projects a 3D point in the camera frame to continuous pixel coordinates.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z != 0. {
		xPx := (x/z)*params.Fx + (y/z)*params.Skew + params.Ppx
		yPx := (y/z)*params.Fy + params.Ppy
		return xPx, yPx
	}
	// if depth is zero at this pixel, return negative coordinates so that the cropping to image bounds will filter it out
	return -1.0, -1.0
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx s  ppx],
//
//	[0  fy ppy],
//	[0  0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(0, 1, params.Skew)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}
