package reconstruction

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/depthfusion/depthfusion/logging"
	"github.com/depthfusion/depthfusion/spatialmath"
)

// Summary describes a completed run.
type Summary struct {
	RunID      uuid.UUID
	Records    int
	Elapsed    time.Duration
	OutputPath string
}

// Option customizes a Reconstructor.
type Option func(*Reconstructor)

// WithEngine replaces the engine picked from the configuration.
func WithEngine(engine Engine) Option {
	return func(r *Reconstructor) {
		r.engine = engine
	}
}

// WithGridWriter replaces the VTS writer.
func WithGridWriter(writer GridWriter) Option {
	return func(r *Reconstructor) {
		r.writer = writer
	}
}

// WithClock sets the clock used to time the run.
func WithClock(clk clock.Clock) Option {
	return func(r *Reconstructor) {
		r.clock = clk
	}
}

// WithDepthMapReader replaces the depth map reader used by the catalog loader.
func WithDepthMapReader(read DepthMapReader) Option {
	return func(r *Reconstructor) {
		r.readDepthMap = read
	}
}

// A Reconstructor runs the pipeline for one configuration.
type Reconstructor struct {
	cfg          Config
	logger       logging.Logger
	engine       Engine
	writer       GridWriter
	clock        clock.Clock
	readDepthMap DepthMapReader
}

// NewReconstructor returns a Reconstructor for cfg.
func NewReconstructor(cfg Config, logger logging.Logger, opts ...Option) *Reconstructor {
	r := &Reconstructor{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.engine == nil {
		r.engine = NewEngine(cfg.FusionParameters(), r.clock)
	}
	if r.writer == nil {
		r.writer = VTSWriter{Encoding: cfg.OutputEncoding}
	}
	return r
}

// Run validates the configuration, loads the catalog, fuses it and writes the world-aligned grid.
// Every stage either succeeds or aborts the run; nothing is retried.
func (r *Reconstructor) Run() (*Summary, error) {
	runID := uuid.New()
	logger := r.logger.Sublogger("run")
	logger.Debugw("---START---", "run_id", runID.String())

	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	spec, err := r.cfg.GridSpec()
	if err != nil {
		return nil, NewConfigurationError(err)
	}
	basis, err := r.cfg.Basis()
	if err != nil {
		return nil, NewConfigurationError(err)
	}

	logger.Debug("Read depth map and matrix files...")
	catalogCfg := r.cfg.CatalogConfig()
	catalogCfg.ReadDepthMap = r.readDepthMap
	catalog, err := LoadCatalog(catalogCfg, logger.Sublogger("catalog"))
	if err != nil {
		return nil, err
	}
	defer catalog.Release()
	numRecords := catalog.Len()

	alignment := spatialmath.NewGridAlignmentTransform(basis)
	logger.Debugf("Reconstruct grid matrix : \n%s", basis)

	volume, err := NewVolume(spec)
	if err != nil {
		return nil, NewConfigurationError(err)
	}

	logger.Debug("** Launch reconstruction...")
	result, err := r.engine.Fuse(volume, catalog, alignment, r.cfg.FusionParameters())
	if err != nil {
		return nil, NewFusionError(err)
	}
	if result == nil || !volume.SameTopology(result.Volume) {
		return nil, NewFusionError(errors.New("engine returned a volume with a different topology"))
	}
	logger.Debugf("Execution time : %f s", result.Elapsed.Seconds())

	grid, err := ApplyTransform(result.Volume, alignment)
	if err != nil {
		return nil, NewFusionError(err)
	}

	logger.Debug("** Save output...")
	if err := r.writer.WriteStructuredGrid(r.cfg.OutputPath, grid); err != nil {
		return nil, NewWriteError(r.cfg.OutputPath, err)
	}

	logger.Debugw("---END---", "run_id", runID.String())
	return &Summary{
		RunID:      runID,
		Records:    numRecords,
		Elapsed:    result.Elapsed,
		OutputPath: r.cfg.OutputPath,
	}, nil
}
