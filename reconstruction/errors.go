package reconstruction

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned when the run configuration is missing required values or is
	// inconsistent.
	ErrConfiguration = errors.New("invalid reconstruction configuration")
	// ErrManifestOpen is returned when either manifest file cannot be opened.
	ErrManifestOpen = errors.New("unable to open file which contains depth map or matrix path")
	// ErrEmptyCatalog is returned when no depth map could be paired with a readable calibration.
	ErrEmptyCatalog = errors.New("no depth map has been loaded")
	// ErrFusion wraps any failure of the fusion engine.
	ErrFusion = errors.New("fusion failed")
	// ErrWrite wraps any failure to persist the reconstructed grid.
	ErrWrite = errors.New("unable to write reconstruction output")
)

// NewConfigurationError wraps the given violations as a configuration error.
func NewConfigurationError(err error) error {
	return errors.Wrap(ErrConfiguration, err.Error())
}

// NewManifestOpenError is used when a manifest at path cannot be opened.
func NewManifestOpenError(path string, cause error) error {
	return errors.Wrapf(ErrManifestOpen, "%s: %v", path, cause)
}

// NewFusionError wraps an engine failure.
func NewFusionError(cause error) error {
	return errors.Wrap(ErrFusion, cause.Error())
}

// NewWriteError wraps a writer failure for the given output path.
func NewWriteError(path string, cause error) error {
	return errors.Wrapf(ErrWrite, "%s: %v", path, cause)
}
