// Package preview produces the annotated live view from the latest frame.
package preview

import (
	"context"
	"time"

	"github.com/golang/geo/r2"

	"github.com/dj-oyu/coop-density/mapping-server/internal/calibration"
	"github.com/dj-oyu/coop-density/mapping-server/internal/detector"
	"github.com/dj-oyu/coop-density/mapping-server/internal/frameslot"
	"github.com/dj-oyu/coop-density/mapping-server/internal/logger"
	"github.com/dj-oyu/coop-density/mapping-server/internal/metrics"
	"github.com/dj-oyu/coop-density/mapping-server/internal/render"
	"github.com/dj-oyu/coop-density/mapping-server/pkg/types"
)

// FrameProvider hands out copies of the latest frame.
type FrameProvider interface {
	TryReadLatest() (*types.Frame, bool)
}

// Config controls the preview loop.
type Config struct {
	Interval    time.Duration
	MaxWidth    int
	JPEGQuality int
	TargetClass string
}

// DefaultConfig returns a 5 fps preview at 640 px detector width.
func DefaultConfig() Config {
	return Config{
		Interval:    200 * time.Millisecond,
		MaxWidth:    640,
		JPEGQuality: 70,
		TargetClass: "broiler",
	}
}

// Stage reads frames, runs the fast detector and publishes annotated JPEGs.
type Stage struct {
	cfg      Config
	frames   FrameProvider
	det      detector.Detector
	cal      *calibration.Store
	metrics  *metrics.Metrics
	out      *frameslot.Slot[[]byte]
	lastSeq  uint64
	haveLast bool
	sinks    []func([]byte)
}

// New returns a stage. cal and m may be nil.
func New(cfg Config, frames FrameProvider, det detector.Detector, cal *calibration.Store, m *metrics.Metrics) *Stage {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	return &Stage{
		cfg:     cfg,
		frames:  frames,
		det:     det,
		cal:     cal,
		metrics: m,
		out:     frameslot.New(frameslot.CloneBytes),
	}
}

// Slot is where annotated JPEGs are published.
func (s *Stage) Slot() *frameslot.Slot[[]byte] {
	return s.out
}

// TryReadLatest returns a copy of the latest annotated JPEG.
func (s *Stage) TryReadLatest() ([]byte, bool) {
	return s.out.TryReadLatest()
}

// AddSink registers fn to receive every published JPEG. Must be called before Run.
func (s *Stage) AddSink(fn func([]byte)) {
	s.sinks = append(s.sinks, fn)
}

// Run ticks until ctx is cancelled.
func (s *Stage) Run(ctx context.Context) error {
	logger.Info("Preview", "Starting preview loop every %v", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Preview", "Preview loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes the latest frame once. It reports whether a JPEG was published.
func (s *Stage) Tick(ctx context.Context) bool {
	frame, ok := s.frames.TryReadLatest()
	if !ok || frame == nil || frame.Image == nil {
		s.skip()
		return false
	}
	if s.haveLast && frame.Seq == s.lastSeq {
		s.skip()
		return false
	}

	start := time.Now()
	small, sx, sy := detector.Downsample(frame.Image, s.cfg.MaxWidth)
	dets, err := s.det.Detect(ctx, small, types.ProfileFast)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		logger.Debug("Preview", "Detection failed, publishing raw frame: %v", err)
		dets = nil
	}
	dets = detector.Rescale(detector.FilterClass(dets, s.cfg.TargetClass), sx, sy)

	annotated := render.Preview(frame.Image, dets, s.roi())
	data, err := render.EncodeJPEG(annotated, s.cfg.JPEGQuality)
	if err != nil {
		logger.Warn("Preview", "JPEG encode failed: %v", err)
		s.skip()
		return false
	}

	s.out.Publish(data)
	s.lastSeq, s.haveLast = frame.Seq, true
	for _, fn := range s.sinks {
		fn(data)
	}

	if s.metrics != nil {
		s.metrics.PreviewFrames.Add(1)
		s.metrics.PreviewLatencyMs.Store(uint64(time.Since(start).Milliseconds()))
	}
	return true
}

func (s *Stage) roi() []r2.Point {
	if s.cal == nil {
		return nil
	}
	c, err := s.cal.Current()
	if err != nil {
		return nil
	}
	return c.ROI.Vertices()
}

func (s *Stage) skip() {
	if s.metrics != nil {
		s.metrics.PreviewSkipped.Add(1)
	}
}
