package reconstruction

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/depthfusion/depthfusion/rimage"
	"github.com/depthfusion/depthfusion/rimage/transform"
)

func writeDepthMapFixture(t *testing.T, dir, name string, width, height int, depth float64) {
	t.Helper()
	dm := rimage.NewEmptyDepthMap(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dm.Set(x, y, depth)
		}
	}
	test.That(t, dm.WriteToFile(filepath.Join(dir, name)), test.ShouldBeNil)
}

func writeCalibrationFixture(t *testing.T, dir, name string, k, tr mat.Matrix) {
	t.Helper()
	pose, err := transform.NewCalibrationPose(k, tr)
	test.That(t, err, test.ShouldBeNil)
	f, err := os.Create(filepath.Join(dir, name))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, transform.WriteKRTD(f, pose), test.ShouldBeNil)
	test.That(t, f.Close(), test.ShouldBeNil)
}

func writeManifestFixture(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	content := strings.Join(lines, "\n") + "\n"
	test.That(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600), test.ShouldBeNil)
}

func identityK() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// translationTR places the camera so world points are shifted by (x, y, z) into its frame.
func translationTR(x, y, z float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, x,
		0, 1, 0, y,
		0, 0, 1, z,
		0, 0, 0, 1,
	})
}

// writeViewsFixture writes n depth maps view_i.dat and calibrations view_i.krtd plus both manifests
// listing them as absolute-looking capture paths.
func writeViewsFixture(t *testing.T, dir string, n int) {
	t.Helper()
	var depthLines, calibrationLines []string
	for i := 1; i <= n; i++ {
		base := "view_" + string(rune('0'+i))
		writeDepthMapFixture(t, dir, base+".dat", 2, 2, float64(i))
		writeCalibrationFixture(t, dir, base+".krtd", identityK(), translationTR(0, 0, float64(i)))
		depthLines = append(depthLines, "/capture/session/depth/"+base+".dat")
		calibrationLines = append(calibrationLines, "/capture/session/krtd/"+base+".krtd")
	}
	writeManifestFixture(t, dir, DefaultDepthMapManifest, depthLines...)
	writeManifestFixture(t, dir, DefaultCalibrationManifest, calibrationLines...)
}

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.GridDims = []int{2, 3, 4}
	cfg.GridSpacing = []float64{0.5, 0.5, 0.5}
	cfg.GridOrigin = []float64{-1, -1, 0}
	cfg.GridVecX = []float64{1, 0, 0}
	cfg.GridVecY = []float64{0, 1, 0}
	cfg.GridVecZ = []float64{0, 0, 1}
	cfg.DataFolder = dir
	cfg.OutputPath = filepath.Join(dir, "output.vts")
	return cfg
}
