package reconstruction

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/depthfusion/depthfusion/logging"
	"github.com/depthfusion/depthfusion/rimage"
	"github.com/depthfusion/depthfusion/rimage/transform"
	"github.com/depthfusion/depthfusion/utils"
)

// maxManifestLine is the longest manifest line accepted.
const maxManifestLine = 1 << 20

// DepthMapReader loads the depth map stored at path.
type DepthMapReader func(path string) (*rimage.DepthMap, error)

// CalibrationReader loads the calibration stored at path.
type CalibrationReader func(path string) (*transform.CalibrationPose, error)

// CatalogConfig says where the manifests are and how their lines pair up.
type CatalogConfig struct {
	// DataFolder holds the manifests and every file they list. Manifest names are resolved against
	// it unless absolute; listed files are always looked up directly inside it.
	DataFolder          string
	DepthMapManifest    string
	CalibrationManifest string
	Pairing             PairingPolicy

	// ReadDepthMap defaults to rimage.ParseDepthMap.
	ReadDepthMap DepthMapReader
	// ReadCalibration defaults to transform.ReadKRTDFile.
	ReadCalibration CalibrationReader
}

// LoadCatalog reads the depth map and calibration manifests in lockstep and returns the accepted
// pairs in manifest order.
//
// Only the last '/' separated segment of each manifest line is used. A blank depth line is skipped;
// whether its calibration line is consumed is decided by the pairing policy. A pair whose
// calibration or depth map cannot be read is skipped with a warning. Loading fails with
// ErrManifestOpen when a manifest cannot be opened and with ErrEmptyCatalog when no pair was
// accepted.
func LoadCatalog(cfg CatalogConfig, logger logging.Logger) (*Catalog, error) {
	readDepthMap := cfg.ReadDepthMap
	if readDepthMap == nil {
		readDepthMap = rimage.ParseDepthMap
	}
	readCalibration := cfg.ReadCalibration
	if readCalibration == nil {
		readCalibration = transform.ReadKRTDFile
	}

	depthManifestPath := utils.ResolveInDir(cfg.DataFolder, cfg.DepthMapManifest)
	calibrationManifestPath := utils.ResolveInDir(cfg.DataFolder, cfg.CalibrationManifest)

	//nolint:gosec
	depthManifest, err := os.Open(depthManifestPath)
	if err != nil {
		return nil, NewManifestOpenError(depthManifestPath, err)
	}
	defer goutils.UncheckedErrorFunc(depthManifest.Close)
	//nolint:gosec
	calibrationManifest, err := os.Open(calibrationManifestPath)
	if err != nil {
		return nil, NewManifestOpenError(calibrationManifestPath, err)
	}
	defer goutils.UncheckedErrorFunc(calibrationManifest.Close)

	depthLines := newManifestScanner(depthManifest)
	calibrationLines := newManifestScanner(calibrationManifest)
	calibrationLineNum := 0
	nextCalibrationLine := func() (string, bool) {
		if !calibrationLines.Scan() {
			return "", false
		}
		calibrationLineNum++
		return calibrationLines.Text(), true
	}

	var records []*Record
	for depthLineNum := 1; depthLines.Scan(); depthLineNum++ {
		depthName, ok := utils.LastPathSegment(depthLines.Text())
		if !ok {
			if cfg.Pairing == PairingStrict {
				nextCalibrationLine()
				if err := calibrationLines.Err(); err != nil {
					return nil, errors.Wrapf(err, "error reading %s", calibrationManifestPath)
				}
			}
			continue
		}

		depthPath, depthErr := utils.SafeJoinDir(cfg.DataFolder, depthName)
		var depthMap *rimage.DepthMap
		if depthErr == nil {
			depthMap, depthErr = readDepthMap(depthPath)
		}

		calibrationLine, haveCalibrationLine := nextCalibrationLine()
		if err := calibrationLines.Err(); err != nil {
			return nil, errors.Wrapf(err, "error reading %s", calibrationManifestPath)
		}
		pose, calibrationPath, calibrationErr := readPairedCalibration(
			cfg.DataFolder, calibrationLine, haveCalibrationLine, readCalibration)
		if calibrationErr != nil {
			logger.Warnw("skipping depth map, its calibration cannot be read",
				"depth_line", depthLineNum, "depth_map", depthPath,
				"calibration_line", calibrationLineNum, "error", calibrationErr)
			continue
		}
		if depthErr != nil {
			logger.Warnw("skipping depth map, it cannot be read",
				"depth_line", depthLineNum, "depth_map", depthPath, "error", depthErr)
			continue
		}

		records = append(records, &Record{
			DepthMap:        depthMap,
			Pose:            pose,
			DepthPath:       depthPath,
			CalibrationPath: calibrationPath,
			DepthLine:       depthLineNum,
			CalibrationLine: calibrationLineNum,
		})
	}
	if err := depthLines.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading %s", depthManifestPath)
	}

	if len(records) == 0 {
		return nil, ErrEmptyCatalog
	}
	logger.Debugf("%d depth map have been loaded.", len(records))
	return NewCatalog(records...), nil
}

func newManifestScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxManifestLine)
	return scanner
}

func readPairedCalibration(
	dataFolder, line string,
	haveLine bool,
	read CalibrationReader,
) (*transform.CalibrationPose, string, error) {
	if !haveLine {
		return nil, "", transform.NewCalibrationReadError("", errors.New("calibration manifest has no more lines"))
	}
	name, ok := utils.LastPathSegment(line)
	if !ok {
		return nil, "", transform.NewCalibrationReadError("", errors.New("blank calibration manifest line"))
	}
	path, err := utils.SafeJoinDir(dataFolder, name)
	if err != nil {
		return nil, path, transform.NewCalibrationReadError(path, err)
	}
	pose, err := read(path)
	if err != nil {
		return nil, path, err
	}
	return pose, path, nil
}
