// Package mapping runs density mapping cycles: detect, place on the floor,
// count per cell, flag crowded cells, then hand the artifacts to the sinks.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/dj-oyu/coop-density/mapping-server/internal/calibration"
	"github.com/dj-oyu/coop-density/mapping-server/internal/density"
	"github.com/dj-oyu/coop-density/mapping-server/internal/densityplot"
	"github.com/dj-oyu/coop-density/mapping-server/internal/detector"
	"github.com/dj-oyu/coop-density/mapping-server/internal/logger"
	"github.com/dj-oyu/coop-density/mapping-server/internal/metrics"
	"github.com/dj-oyu/coop-density/mapping-server/internal/notify"
	"github.com/dj-oyu/coop-density/mapping-server/internal/render"
	"github.com/dj-oyu/coop-density/mapping-server/internal/sink"
	"github.com/dj-oyu/coop-density/mapping-server/pkg/types"
)

var (
	// ErrNotReady means the calibration is missing or invalid.
	ErrNotReady = errors.New("mapping engine not ready")
	// ErrNoFrame means the frame source has not produced a frame yet.
	ErrNoFrame = errors.New("no frame available")
	// ErrBusy means another cycle is still running.
	ErrBusy = errors.New("mapping cycle already running")
)

const (
	snapshotPrefix = "annotated_snapshot_"
	plotPrefix     = "density_plot_"
	stampLayout    = "20060102_150405"
)

// FrameProvider hands out copies of the latest frame.
type FrameProvider interface {
	TryReadLatest() (*types.Frame, bool)
}

// Config controls one engine.
type Config struct {
	TargetClass    string
	AreaWidth      float64 // meters
	AreaHeight     float64 // meters
	CellWidth      float64 // meters
	CellHeight     float64 // meters
	MaxDensity     float64 // birds per square meter
	TempDir        string
	SnapshotBucket string
	PlotBucket     string
	JPEGQuality    int
}

// DefaultConfig matches a 3m x 3m pen split into 1m cells.
func DefaultConfig() Config {
	return Config{
		TargetClass:    "broiler",
		AreaWidth:      3,
		AreaHeight:     3,
		CellWidth:      1,
		CellHeight:     1,
		MaxDensity:     12,
		TempDir:        filepath.Join(os.TempDir(), "density-mapping"),
		SnapshotBucket: "ssayam",
		PlotBucket:     "plotayam",
		JPEGQuality:    90,
	}
}

// Deps are the collaborators of an engine. Uploader, Recorder, Notifier and
// Metrics may be nil.
type Deps struct {
	Frames      FrameProvider
	Detector    detector.Detector
	Calibration *calibration.Store
	Uploader    sink.ArtifactUploader
	Recorder    sink.MappingRecorder
	Notifier    notify.Notifier
	Metrics     *metrics.Metrics
}

// Result is the outcome of one cycle. It is not modified after RunCycle returns.
type Result struct {
	ID            string
	Timestamp     time.Time
	FrameSeq      uint64
	Detections    int
	InROICount    int
	ExcludedCount int
	Counts        density.Counts
	Alerts        []density.Alert
	WorldPoints   []r2.Point
	SnapshotPath  string
	PlotPath      string
	SnapshotURL   string
	PlotURL       string
	DetectorError string
	SinkErrors    []string
	Duration      time.Duration
}

// Record converts the result to its persisted form.
func (r *Result) Record() sink.Record {
	return sink.Record{
		ID:            r.ID,
		Timestamp:     r.Timestamp,
		SnapshotURL:   r.SnapshotURL,
		PlotURL:       r.PlotURL,
		InROICount:    r.InROICount,
		ExcludedCount: r.ExcludedCount,
		GridDensity:   r.Counts.Keyed(),
		Alerts:        r.Alerts,
		DetectorError: r.DetectorError,
	}
}

// Engine runs mapping cycles one at a time.
type Engine struct {
	cfg  Config
	grid density.Grid
	deps Deps

	now   func() time.Time
	newID func() string

	running   sync.Mutex
	latest    atomic.Pointer[Result]
	mu        sync.RWMutex
	listeners []func(*Result)
}

// New validates cfg and returns an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Frames == nil || deps.Detector == nil || deps.Calibration == nil {
		return nil, errors.New("mapping: frames, detector and calibration are required")
	}
	g, err := density.NewGrid(cfg.AreaWidth, cfg.AreaHeight, cfg.CellWidth, cfg.CellHeight)
	if err != nil {
		return nil, err
	}
	if cfg.TempDir == "" {
		cfg.TempDir = DefaultConfig().TempDir
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	return &Engine{
		cfg:   cfg,
		grid:  g,
		deps:  deps,
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

// Grid returns the grid the engine counts into.
func (e *Engine) Grid() density.Grid {
	return e.grid
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Ready reports whether cycles can run.
func (e *Engine) Ready() bool {
	return e.deps.Calibration.Ready()
}

// Readiness returns the calibration status.
func (e *Engine) Readiness() calibration.Status {
	return e.deps.Calibration.Status()
}

// Latest returns the last completed result, or nil.
func (e *Engine) Latest() *Result {
	return e.latest.Load()
}

// OnResult registers fn to be called after every completed cycle.
func (e *Engine) OnResult(fn func(*Result)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) skipped() {
	if e.deps.Metrics != nil {
		e.deps.Metrics.CyclesSkipped.Add(1)
	}
}

// Run executes one cycle and logs the outcome. It is the scheduler entry point.
func (e *Engine) Run(ctx context.Context) {
	res, err := e.RunCycle(ctx)
	switch {
	case err == nil:
		logger.Info("Mapping", "Cycle %s: %d in ROI, %d excluded, %d alert(s) in %v",
			res.ID, res.InROICount, res.ExcludedCount, len(res.Alerts), res.Duration.Round(time.Millisecond))
	case errors.Is(err, ErrNoFrame), errors.Is(err, ErrBusy):
		logger.Info("Mapping", "Cycle skipped: %v", err)
	case errors.Is(err, ErrNotReady):
		logger.Warn("Mapping", "Cycle skipped: %v", err)
	case ctx.Err() != nil:
		logger.Debug("Mapping", "Cycle abandoned: %v", err)
	default:
		logger.Error("Mapping", "Cycle failed: %v", err)
	}
}

// RunCycle performs one full mapping cycle on the latest frame.
func (e *Engine) RunCycle(ctx context.Context) (*Result, error) {
	if !e.running.TryLock() {
		e.skipped()
		return nil, ErrBusy
	}
	defer e.running.Unlock()

	cal, err := e.deps.Calibration.Current()
	if err != nil {
		e.skipped()
		return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	frame, ok := e.deps.Frames.TryReadLatest()
	if !ok || frame == nil || frame.Image == nil {
		e.skipped()
		return nil, ErrNoFrame
	}

	start := time.Now()
	res := &Result{ID: e.newID(), Timestamp: e.now(), FrameSeq: frame.Seq}

	dets, err := e.deps.Detector.Detect(ctx, frame.Image, types.ProfileAccurate)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("Mapping", "Detector failed, mapping with no detections: %v", err)
		if e.deps.Metrics != nil {
			e.deps.Metrics.DetectorErrors.Add(1)
		}
		res.DetectorError = err.Error()
		dets = nil
	}
	dets = detector.FilterClass(dets, e.cfg.TargetClass)

	placements := e.evaluate(res, dets, cal)

	if err := os.MkdirAll(e.cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	stamp := artifactStamp(res)
	res.SnapshotPath = filepath.Join(e.cfg.TempDir, snapshotPrefix+stamp+".jpg")
	res.PlotPath = filepath.Join(e.cfg.TempDir, plotPrefix+stamp+".png")

	e.renderArtifacts(res, frame, placements, cal)
	e.deliver(ctx, res)

	if err := removeArtifacts(res.SnapshotPath, res.PlotPath); err != nil {
		logger.Warn("Mapping", "Temp cleanup: %v", err)
	}

	res.Duration = time.Since(start)
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveCycle(res.Duration, res.InROICount, res.ExcludedCount, len(res.Alerts))
	}
	e.latest.Store(res)

	e.mu.RLock()
	listeners := append([]func(*Result){}, e.listeners...)
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(res)
	}
	return res, nil
}

// artifactStamp names a cycle's files: the timestamp keeps them sortable and
// the cycle id prefix keeps two cycles in the same second apart.
func artifactStamp(res *Result) string {
	id := strings.ReplaceAll(res.ID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return res.Timestamp.Format(stampLayout) + "_" + id
}

// evaluate fills the counting fields of res and returns the placements.
func (e *Engine) evaluate(res *Result, dets []types.Detection, cal *calibration.Calibration) []density.Placement {
	placements := density.Place(dets, cal, e.grid)
	res.Detections = len(dets)
	res.WorldPoints = density.WorldPoints(placements)
	res.InROICount = len(res.WorldPoints)
	res.ExcludedCount = len(dets) - res.InROICount
	res.Counts = e.grid.Aggregate(res.WorldPoints)
	res.Alerts = e.grid.Evaluate(res.Counts, e.cfg.MaxDensity)
	return placements
}

func (e *Engine) renderArtifacts(res *Result, frame *types.Frame, placements []density.Placement, cal *calibration.Calibration) {
	marks := make([]render.Mark, len(placements))
	for i, p := range placements {
		marks[i] = render.Mark{Detection: p.Detection, Included: p.Counted}
	}
	header := fmt.Sprintf("%s  in ROI: %d  excluded: %d  alerts: %d",
		res.Timestamp.Format("2006-01-02 15:04:05"), res.InROICount, res.ExcludedCount, len(res.Alerts))
	snap := render.Snapshot(frame.Image, marks, cal.ROI.Vertices(), header)
	if err := render.WriteJPEG(res.SnapshotPath, snap, e.cfg.JPEGQuality); err != nil {
		e.sinkError(res, fmt.Errorf("snapshot: %w", err))
		res.SnapshotPath = ""
	}

	err := densityplot.Save(densityplot.Input{
		Grid:       e.grid,
		Counts:     res.Counts,
		Points:     res.WorldPoints,
		MaxDensity: e.cfg.MaxDensity,
		Title:      "Flock density " + res.Timestamp.Format("2006-01-02 15:04:05"),
	}, res.PlotPath)
	if err != nil {
		e.sinkError(res, fmt.Errorf("plot: %w", err))
		res.PlotPath = ""
	}
}

// deliver uploads artifacts, records the mapping and sends alerts. Failures
// are logged and kept on the result; they never fail the cycle.
func (e *Engine) deliver(ctx context.Context, res *Result) {
	if e.deps.Uploader != nil {
		res.SnapshotURL = e.upload(ctx, res, e.cfg.SnapshotBucket, res.SnapshotPath)
		res.PlotURL = e.upload(ctx, res, e.cfg.PlotBucket, res.PlotPath)
	}

	if e.deps.Recorder != nil {
		if err := e.deps.Recorder.RecordMapping(ctx, res.Record()); err != nil {
			e.sinkError(res, fmt.Errorf("record: %w", err))
		}
	}

	if len(res.Alerts) > 0 && e.deps.Notifier != nil {
		msg := notify.FormatAlert(res.Timestamp, res.Alerts, e.cfg.MaxDensity, res.PlotURL)
		if err := e.deps.Notifier.Notify(ctx, msg); err != nil {
			e.sinkError(res, fmt.Errorf("notify: %w", err))
		}
	}
}

func (e *Engine) upload(ctx context.Context, res *Result, bucket, path string) string {
	if path == "" {
		return ""
	}
	url, err := e.deps.Uploader.UploadArtifact(ctx, bucket, path, filepath.Base(path))
	if err != nil {
		e.sinkError(res, fmt.Errorf("upload %s: %w", filepath.Base(path), err))
		return ""
	}
	return url
}

func (e *Engine) sinkError(res *Result, err error) {
	logger.Warn("Mapping", "Cycle %s: %v", res.ID, err)
	res.SinkErrors = append(res.SinkErrors, err.Error())
	if e.deps.Metrics != nil {
		e.deps.Metrics.SinkErrors.Add(1)
	}
}

func removeArtifacts(paths ...string) error {
	var err error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if rerr := os.Remove(p); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = multierr.Append(err, rerr)
		}
	}
	return err
}

// SweepTemp removes artifacts left behind by an interrupted run.
func (e *Engine) SweepTemp() (int, error) {
	entries, err := os.ReadDir(e.cfg.TempDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var paths []string
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() {
			continue
		}
		if strings.HasPrefix(name, snapshotPrefix) || strings.HasPrefix(name, plotPrefix) {
			paths = append(paths, filepath.Join(e.cfg.TempDir, name))
		}
	}
	return len(paths), removeArtifacts(paths...)
}
