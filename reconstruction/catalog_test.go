package reconstruction

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/depthfusion/depthfusion/logging"
	"github.com/depthfusion/depthfusion/rimage"
	"github.com/depthfusion/depthfusion/rimage/transform"
)

// writeFiveViews writes depth maps d1..d5 and calibrations c1..c5. Depth map i is filled with i and
// calibration i translates by i along z, so pairs can be told apart.
func writeFiveViews(t *testing.T, dir string) {
	t.Helper()
	for i := 1; i <= 5; i++ {
		n := string(rune('0' + i))
		writeDepthMapFixture(t, dir, "d"+n+".dat", 2, 2, float64(i))
		writeCalibrationFixture(t, dir, "c"+n+".krtd", identityK(), translationTR(0, 0, float64(i)))
	}
	writeManifestFixture(t, dir, "calibrations.txt", "c1.krtd", "c2.krtd", "c3.krtd", "c4.krtd", "c5.krtd")
}

func catalogConfig(dir string, pairing PairingPolicy) CatalogConfig {
	return CatalogConfig{
		DataFolder:          dir,
		DepthMapManifest:    "depths.txt",
		CalibrationManifest: "calibrations.txt",
		Pairing:             pairing,
	}
}

func entry(dir, depth, calibration string, depthLine, calibrationLine int) CatalogEntry {
	return CatalogEntry{
		DepthPath:       filepath.Join(dir, depth),
		CalibrationPath: filepath.Join(dir, calibration),
		DepthLine:       depthLine,
		CalibrationLine: calibrationLine,
		Width:           2,
		Height:          2,
	}
}

func TestLoadCatalogInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFiveViews(t, dir)
	writeManifestFixture(t, dir, "depths.txt",
		"/some/capture/d1.dat",
		"relative/dir/d2.dat/",
		"d3.dat",
		`C:\capture/d4.dat`,
		"d5.dat")

	catalog, err := LoadCatalog(catalogConfig(dir, PairingLegacySkip), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, catalog.Len(), test.ShouldEqual, 5)

	expected := []CatalogEntry{
		entry(dir, "d1.dat", "c1.krtd", 1, 1),
		entry(dir, "d2.dat", "c2.krtd", 2, 2),
		entry(dir, "d3.dat", "c3.krtd", 3, 3),
		entry(dir, "d4.dat", "c4.krtd", 4, 4),
		entry(dir, "d5.dat", "c5.krtd", 5, 5),
	}
	if diff := cmp.Diff(expected, catalog.Entries()); diff != "" {
		t.Fatalf("unexpected catalog (-want +got):\n%s", diff)
	}
	for i := 0; i < catalog.Len(); i++ {
		r := catalog.At(i)
		test.That(t, r.DepthMap.At(0, 0), test.ShouldEqual, float64(i+1))
		test.That(t, r.Pose.TR().At(2, 3), test.ShouldEqual, float64(i+1))
	}

	catalog.Release()
	test.That(t, catalog.Len(), test.ShouldEqual, 0)
	test.That(t, catalog.Entries(), test.ShouldBeEmpty)
}

func TestLoadCatalogBlankDepthLine(t *testing.T) {
	dir := t.TempDir()
	writeFiveViews(t, dir)
	writeManifestFixture(t, dir, "depths.txt", "d1.dat", "d2.dat", "", "d4.dat", "d5.dat")

	t.Run("legacy skip keeps the calibration line", func(t *testing.T) {
		catalog, err := LoadCatalog(catalogConfig(dir, PairingLegacySkip), logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		expected := []CatalogEntry{
			entry(dir, "d1.dat", "c1.krtd", 1, 1),
			entry(dir, "d2.dat", "c2.krtd", 2, 2),
			entry(dir, "d4.dat", "c3.krtd", 4, 3),
			entry(dir, "d5.dat", "c4.krtd", 5, 4),
		}
		if diff := cmp.Diff(expected, catalog.Entries()); diff != "" {
			t.Fatalf("unexpected catalog (-want +got):\n%s", diff)
		}
		// depth map 4 carries the pose from calibration line 3
		test.That(t, catalog.At(2).DepthMap.At(1, 1), test.ShouldEqual, 4.)
		test.That(t, catalog.At(2).Pose.TR().At(2, 3), test.ShouldEqual, 3.)
	})

	t.Run("strict pairing consumes the calibration line", func(t *testing.T) {
		catalog, err := LoadCatalog(catalogConfig(dir, PairingStrict), logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		expected := []CatalogEntry{
			entry(dir, "d1.dat", "c1.krtd", 1, 1),
			entry(dir, "d2.dat", "c2.krtd", 2, 2),
			entry(dir, "d4.dat", "c4.krtd", 4, 4),
			entry(dir, "d5.dat", "c5.krtd", 5, 5),
		}
		if diff := cmp.Diff(expected, catalog.Entries()); diff != "" {
			t.Fatalf("unexpected catalog (-want +got):\n%s", diff)
		}
	})
}

func TestLoadCatalogSkipsUnreadablePairs(t *testing.T) {
	dir := t.TempDir()
	writeFiveViews(t, dir)
	test.That(t, os.Remove(filepath.Join(dir, "c2.krtd")), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, "d4.dat"), []byte("not a depth map"), 0o600), test.ShouldBeNil)
	writeManifestFixture(t, dir, "depths.txt", "d1.dat", "d2.dat", "d3.dat", "d4.dat", "d5.dat", "d1.dat")

	logger, logs := logging.NewObservedTestLogger(t)
	catalog, err := LoadCatalog(catalogConfig(dir, PairingLegacySkip), logger)
	test.That(t, err, test.ShouldBeNil)
	expected := []CatalogEntry{
		entry(dir, "d1.dat", "c1.krtd", 1, 1),
		entry(dir, "d3.dat", "c3.krtd", 3, 3),
		entry(dir, "d5.dat", "c5.krtd", 5, 5),
	}
	if diff := cmp.Diff(expected, catalog.Entries()); diff != "" {
		t.Fatalf("unexpected catalog (-want +got):\n%s", diff)
	}

	// c2 is missing, d4 is garbage and the sixth depth line has no calibration line left
	test.That(t, logs.FilterMessageSnippet("calibration cannot be read").Len(), test.ShouldEqual, 2)
	test.That(t, logs.FilterMessageSnippet("it cannot be read").Len(), test.ShouldEqual, 1)
	missing := logs.FilterMessageSnippet("calibration cannot be read").All()[0]
	test.That(t, missing.ContextMap()["depth_line"], test.ShouldEqual, int64(2))
	test.That(t, missing.ContextMap()["error"], test.ShouldContainSubstring, "c2.krtd")
}

func TestLoadCatalogUnsafeNames(t *testing.T) {
	dir := t.TempDir()
	writeFiveViews(t, dir)
	writeManifestFixture(t, dir, "depths.txt", "..", "d2.dat", ".")

	logger, logs := logging.NewObservedTestLogger(t)
	catalog, err := LoadCatalog(catalogConfig(dir, PairingLegacySkip), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, catalog.Entries(), test.ShouldResemble, []CatalogEntry{entry(dir, "d2.dat", "c2.krtd", 2, 2)})
	test.That(t, logs.FilterMessageSnippet("skipping depth map").Len(), test.ShouldEqual, 2)
}

func TestLoadCatalogInjectedReaders(t *testing.T) {
	dir := t.TempDir()
	writeManifestFixture(t, dir, "depths.txt", "a.vti", "b.vti")
	writeManifestFixture(t, dir, "calibrations.txt", "a.krtd", "b.krtd")

	var depthCalls, calibrationCalls []string
	cfg := catalogConfig(dir, PairingLegacySkip)
	cfg.ReadDepthMap = func(path string) (*rimage.DepthMap, error) {
		depthCalls = append(depthCalls, filepath.Base(path))
		return rimage.NewEmptyDepthMap(2, 2), nil
	}
	cfg.ReadCalibration = func(path string) (*transform.CalibrationPose, error) {
		calibrationCalls = append(calibrationCalls, filepath.Base(path))
		return transform.NewCalibrationPose(identityK(), translationTR(0, 0, 0))
	}
	catalog, err := LoadCatalog(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, catalog.Len(), test.ShouldEqual, 2)
	test.That(t, depthCalls, test.ShouldResemble, []string{"a.vti", "b.vti"})
	test.That(t, calibrationCalls, test.ShouldResemble, []string{"a.krtd", "b.krtd"})
}

func TestLoadCatalogFailures(t *testing.T) {
	dir := t.TempDir()
	writeFiveViews(t, dir)

	_, err := LoadCatalog(catalogConfig(dir, PairingLegacySkip), logging.NewTestLogger(t))
	test.That(t, errors.Is(err, ErrManifestOpen), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "depths.txt")

	writeManifestFixture(t, dir, "depths.txt", "d1.dat")
	cfg := catalogConfig(dir, PairingLegacySkip)
	cfg.CalibrationManifest = "nope.txt"
	_, err = LoadCatalog(cfg, logging.NewTestLogger(t))
	test.That(t, errors.Is(err, ErrManifestOpen), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "nope.txt")

	// absolute manifest paths are used as is
	cfg = catalogConfig(dir, PairingLegacySkip)
	cfg.DepthMapManifest = filepath.Join(dir, "depths.txt")
	cfg.CalibrationManifest = filepath.Join(dir, "calibrations.txt")
	catalog, err := LoadCatalog(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, catalog.Len(), test.ShouldEqual, 1)

	writeManifestFixture(t, dir, "depths.txt", "", "missing.dat", "")
	_, err = LoadCatalog(catalogConfig(dir, PairingLegacySkip), logging.NewTestLogger(t))
	test.That(t, errors.Is(err, ErrEmptyCatalog), test.ShouldBeTrue)

	test.That(t, os.WriteFile(filepath.Join(dir, "depths.txt"), nil, 0o600), test.ShouldBeNil)
	_, err = LoadCatalog(catalogConfig(dir, PairingLegacySkip), logging.NewTestLogger(t))
	test.That(t, errors.Is(err, ErrEmptyCatalog), test.ShouldBeTrue)
}

func TestLoadCatalogManifestReadErrors(t *testing.T) {
	dir := t.TempDir()
	writeFiveViews(t, dir)
	writeManifestFixture(t, dir, "depths.txt", "d1.dat", "", "d2.dat")
	tooLong := strings.Repeat("a", maxManifestLine+1)

	t.Run("calibration line too long", func(t *testing.T) {
		writeManifestFixture(t, dir, "calibrations.txt", tooLong, "c2.krtd")
		_, err := LoadCatalog(catalogConfig(dir, PairingLegacySkip), logging.NewTestLogger(t))
		test.That(t, errors.Is(err, bufio.ErrTooLong), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "calibrations.txt")
	})

	t.Run("calibration line too long under strict pairing", func(t *testing.T) {
		writeManifestFixture(t, dir, "calibrations.txt", "c1.krtd", tooLong, "c2.krtd")
		_, err := LoadCatalog(catalogConfig(dir, PairingStrict), logging.NewTestLogger(t))
		test.That(t, errors.Is(err, bufio.ErrTooLong), test.ShouldBeTrue)
	})

	t.Run("long paths are accepted", func(t *testing.T) {
		longPrefix := "/" + strings.Repeat("d", 100*1024) + "/"
		writeManifestFixture(t, dir, "calibrations.txt", longPrefix+"c1.krtd", "", longPrefix+"c2.krtd")
		catalog, err := LoadCatalog(catalogConfig(dir, PairingStrict), logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, catalog.Len(), test.ShouldEqual, 2)
		test.That(t, catalog.At(1).CalibrationPath, test.ShouldEqual, filepath.Join(dir, "c2.krtd"))
	})
}
