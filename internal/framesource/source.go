// Package framesource keeps the most recent camera frame available to any
// number of readers, reconnecting to the feed forever on failure.
package framesource

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/coop-density/mapping-server/internal/frameslot"
	"github.com/dj-oyu/coop-density/mapping-server/internal/logger"
	"github.com/dj-oyu/coop-density/mapping-server/internal/metrics"
	"github.com/dj-oyu/coop-density/mapping-server/pkg/types"
)

// ErrFeedClosed is returned by a Feed that has reached the end of its stream.
var ErrFeedClosed = errors.New("feed closed")

// Feed is an open handle to a video stream.
type Feed interface {
	// Read blocks until the next frame is decoded.
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// Opener connects to a video stream.
type Opener interface {
	Open(ctx context.Context) (Feed, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Feed, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context) (Feed, error) { return f(ctx) }

// Config controls reconnect timing. Delays are fixed, retries never stop.
type Config struct {
	OpenBackoff  time.Duration // Wait after a failed open
	ReadBackoff  time.Duration // Wait after a failed read before reopening
	ReadInterval time.Duration // Pause between successful reads
}

// DefaultConfig mirrors the camera reader timings used in the field.
func DefaultConfig() Config {
	return Config{
		OpenBackoff:  5 * time.Second,
		ReadBackoff:  2 * time.Second,
		ReadInterval: 10 * time.Millisecond,
	}
}

// Status describes feed liveness.
type Status struct {
	Connected           bool      `json:"connected"`
	FramesRead          uint64    `json:"frames_read"`
	Reconnects          uint64    `json:"reconnects"`
	ConsecutiveFailures uint64    `json:"consecutive_failures"`
	LastFrameAt         time.Time `json:"last_frame_at,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

// Source is the only writer of the latest-frame slot.
type Source struct {
	opener  Opener
	cfg     Config
	metrics *metrics.Metrics
	slot    *frameslot.Slot[*types.Frame]

	seq        uint64
	connected  atomic.Bool
	framesRead atomic.Uint64
	reconnects atomic.Uint64
	failures   atomic.Uint64

	mu          sync.Mutex
	lastFrameAt time.Time
	lastErr     error
}

// New creates a Source. m may be nil.
func New(opener Opener, cfg Config, m *metrics.Metrics) *Source {
	def := DefaultConfig()
	if cfg.OpenBackoff <= 0 {
		cfg.OpenBackoff = def.OpenBackoff
	}
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = def.ReadBackoff
	}
	if cfg.ReadInterval < 0 {
		cfg.ReadInterval = 0
	}
	return &Source{
		opener:  opener,
		cfg:     cfg,
		metrics: m,
		slot:    frameslot.New((*types.Frame).Clone),
	}
}

// TryReadLatest returns a private copy of the newest frame.
func (s *Source) TryReadLatest() (*types.Frame, bool) {
	return s.slot.TryReadLatest()
}

// Run reads frames until ctx is cancelled. It always returns ctx.Err().
func (s *Source) Run(ctx context.Context) error {
	logger.Info("FrameSource", "Starting frame reader")

	var feed Feed
	defer func() {
		if feed != nil {
			_ = feed.Close()
		}
		s.connected.Store(false)
		logger.Info("FrameSource", "Frame reader stopped")
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if feed == nil {
			f, err := s.opener.Open(ctx)
			if err != nil {
				s.fail(err)
				logger.Warn("FrameSource", "Open failed: %v (retrying in %v)", err, s.cfg.OpenBackoff)
				if !sleepCtx(ctx, s.cfg.OpenBackoff) {
					return ctx.Err()
				}
				continue
			}
			feed = f
			s.connected.Store(true)
			logger.Info("FrameSource", "Feed opened")
		}

		img, err := feed.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.fail(err)
			_ = feed.Close()
			feed = nil
			s.connected.Store(false)
			s.reconnects.Add(1)
			if s.metrics != nil {
				s.metrics.Reconnects.Add(1)
			}
			logger.Warn("FrameSource", "Read failed: %v (reconnecting in %v)", err, s.cfg.ReadBackoff)
			if !sleepCtx(ctx, s.cfg.ReadBackoff) {
				return ctx.Err()
			}
			continue
		}

		s.store(img)

		if s.cfg.ReadInterval > 0 && !sleepCtx(ctx, s.cfg.ReadInterval) {
			return ctx.Err()
		}
	}
}

func (s *Source) store(img image.Image) {
	s.seq++
	now := time.Now()
	s.slot.Publish(types.NewFrame(img, s.seq, now))

	s.framesRead.Add(1)
	if prev := s.failures.Swap(0); prev > 0 {
		logger.Info("FrameSource", "Feed recovered after %d failures", prev)
	}

	s.mu.Lock()
	s.lastFrameAt = now
	s.lastErr = nil
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.FramesRead.Add(1)
		s.metrics.UpdateFrameLatency(now)
	}
}

func (s *Source) fail(err error) {
	s.failures.Add(1)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ReadErrors.Add(1)
	}
}

// Status reports liveness counters.
func (s *Source) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Connected:           s.connected.Load(),
		FramesRead:          s.framesRead.Load(),
		Reconnects:          s.reconnects.Load(),
		ConsecutiveFailures: s.failures.Load(),
		LastFrameAt:         s.lastFrameAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
