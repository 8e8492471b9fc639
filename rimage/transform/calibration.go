package transform

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/depthfusion/depthfusion/spatialmath"
)

// ErrCalibrationRead is returned when a calibration file cannot be opened.
var ErrCalibrationRead = errors.New("unable to open calibration file")

// NewCalibrationReadError wraps ErrCalibrationRead with the offending path and cause.
func NewCalibrationReadError(path string, cause error) error {
	return errors.Wrapf(ErrCalibrationRead, "%s: %v", path, cause)
}

// CalibrationPose is the calibration of one depth map view: the 3x3 intrinsic matrix K and the 4x4
// world-to-camera extrinsic matrix TR. TR always ends with the row [0 0 0 1].
type CalibrationPose struct {
	k  *mat.Dense
	tr *mat.Dense
}

// NewCalibrationPose copies k (3x3) and tr (4x4) into a pose. The last row of the stored TR is
// forced to [0 0 0 1] whatever tr holds.
func NewCalibrationPose(k, tr mat.Matrix) (*CalibrationPose, error) {
	if r, c := k.Dims(); r != 3 || c != 3 {
		return nil, errors.Errorf("intrinsic matrix must be 3x3, got %dx%d", r, c)
	}
	if r, c := tr.Dims(); r != 4 || c != 4 {
		return nil, errors.Errorf("extrinsic matrix must be 4x4, got %dx%d", r, c)
	}
	pose := &CalibrationPose{k: mat.DenseCopyOf(k), tr: mat.DenseCopyOf(tr)}
	spatialmath.FinalizeHomogeneous(pose.tr)
	return pose, nil
}

// K returns a copy of the intrinsic matrix.
func (cp *CalibrationPose) K() *mat.Dense {
	return mat.DenseCopyOf(cp.k)
}

// TR returns a copy of the world-to-camera matrix.
func (cp *CalibrationPose) TR() *mat.Dense {
	return mat.DenseCopyOf(cp.tr)
}

// Intrinsics reads the pinhole parameters off K.
func (cp *CalibrationPose) Intrinsics() *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{
		Fx:   cp.k.At(0, 0),
		Fy:   cp.k.At(1, 1),
		Ppx:  cp.k.At(0, 2),
		Ppy:  cp.k.At(1, 2),
		Skew: cp.k.At(0, 1),
	}
}

// Projector returns the flattened world-to-pixel mapping of this pose.
func (cp *CalibrationPose) Projector() *Projector {
	var p Projector
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			p.worldToCamera[i*4+j] = cp.tr.At(i, j)
		}
		for j := 0; j < 3; j++ {
			p.k[i*3+j] = cp.k.At(i, j)
		}
	}
	return &p
}

// ReadKRTDFile parses a calibration file. The only failure is a file that cannot be opened; the
// contents are always accepted, see ReadKRTD.
func ReadKRTDFile(path string) (*CalibrationPose, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, NewCalibrationReadError(path, err)
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return ReadKRTD(f), nil
}

// ReadKRTD parses the calibration layout:
//
//	lines 1-3  rows of K
//	line  4    ignored
//	lines 5-7  rows of the rotation block of TR
//	line  8    ignored
//	line  9    translation, column 3 of TR
//
// Values are whitespace separated. Missing lines or values read as zero, and once a value on a line
// fails to parse the remainder of that line reads as zero. Nothing is range checked.
func ReadKRTD(r io.Reader) *CalibrationPose {
	scanner := bufio.NewScanner(r)
	nextLine := func() string {
		if scanner.Scan() {
			return scanner.Text()
		}
		return ""
	}

	k := mat.NewDense(3, 3, nil)
	tr := mat.NewDense(4, 4, nil)

	for i := 0; i < 3; i++ {
		row := parseRow(nextLine(), 3)
		for j := 0; j < 3; j++ {
			k.Set(i, j, row[j])
		}
	}

	nextLine()

	for i := 0; i < 3; i++ {
		row := parseRow(nextLine(), 3)
		for j := 0; j < 3; j++ {
			tr.Set(i, j, row[j])
		}
	}

	nextLine()

	t := parseRow(nextLine(), 3)
	for i := 0; i < 3; i++ {
		tr.Set(i, 3, t[i])
	}

	spatialmath.FinalizeHomogeneous(tr)
	return &CalibrationPose{k: k, tr: tr}
}

func parseRow(line string, n int) []float64 {
	row := make([]float64, n)
	fields := strings.Fields(line)
	for i := 0; i < n && i < len(fields); i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			break
		}
		row[i] = v
	}
	return row
}

// WriteKRTD writes the pose in the layout read by ReadKRTD. Lines 4 and 8 are left empty and, as in
// .krtd files, a blank line and a zero distortion line follow the translation.
func WriteKRTD(w io.Writer, pose *CalibrationPose) error {
	bw := bufio.NewWriter(w)
	writeRow := func(vals ...float64) {
		strs := make([]string, len(vals))
		for i, v := range vals {
			strs[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		fmt.Fprintln(bw, strings.Join(strs, " "))
	}
	for i := 0; i < 3; i++ {
		writeRow(pose.k.At(i, 0), pose.k.At(i, 1), pose.k.At(i, 2))
	}
	fmt.Fprintln(bw)
	for i := 0; i < 3; i++ {
		writeRow(pose.tr.At(i, 0), pose.tr.At(i, 1), pose.tr.At(i, 2))
	}
	fmt.Fprintln(bw)
	writeRow(pose.tr.At(0, 3), pose.tr.At(1, 3), pose.tr.At(2, 3))
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "0")
	return bw.Flush()
}

// Projector maps world points to pixels for one calibrated view.
type Projector struct {
	worldToCamera spatialmath.Affine
	k             [9]float64
}

// ToCamera maps a world point into the camera frame.
func (p *Projector) ToCamera(world r3.Vector) r3.Vector {
	return p.worldToCamera.Apply(world)
}

// Project maps a world point to continuous pixel coordinates and its depth along the camera's
// optical axis. ok is false for points on or behind the camera plane.
func (p *Projector) Project(world r3.Vector) (u, v, depth float64, ok bool) {
	c := p.ToCamera(world)
	if c.Z <= 0 {
		return 0, 0, c.Z, false
	}
	u = (p.k[0]*c.X + p.k[1]*c.Y + p.k[2]*c.Z) / c.Z
	v = (p.k[3]*c.X + p.k[4]*c.Y + p.k[5]*c.Z) / c.Z
	return u, v, c.Z, true
}
