// Package calibration loads and validates the pixel-to-floor homography and
// the region of interest polygon.
package calibration

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/geo/r2"

	"github.com/dj-oyu/coop-density/mapping-server/internal/geometry"
	"github.com/dj-oyu/coop-density/mapping-server/internal/logger"
)

// ErrNotLoaded is returned while no valid calibration is available.
var ErrNotLoaded = errors.New("calibration not loaded")

// Calibration is immutable once built and safe to share between goroutines.
type Calibration struct {
	Homography geometry.Homography
	ROI        geometry.Polygon
	LoadedAt   time.Time
}

// New validates raw calibration values.
func New(homography []float64, roi []r2.Point) (*Calibration, error) {
	h, err := geometry.NewHomography(homography)
	if err != nil {
		return nil, fmt.Errorf("homography: %w", err)
	}
	poly, err := geometry.NewPolygon(roi)
	if err != nil {
		return nil, fmt.Errorf("roi: %w", err)
	}
	return &Calibration{Homography: h, ROI: poly, LoadedAt: time.Now()}, nil
}

// Load reads the homography (3x3) and ROI (Nx2) files.
func Load(homographyPath, roiPath string) (*Calibration, error) {
	hm, err := readMatrix(homographyPath)
	if err != nil {
		return nil, fmt.Errorf("load homography: %w", err)
	}
	if len(hm.data) != 9 {
		return nil, fmt.Errorf("load homography: %w: %s has %d values", geometry.ErrBadShape, homographyPath, len(hm.data))
	}

	rm, err := readMatrix(roiPath)
	if err != nil {
		return nil, fmt.Errorf("load roi: %w", err)
	}
	if rm.cols != 2 {
		return nil, fmt.Errorf("load roi: %s has %d columns, want 2", roiPath, rm.cols)
	}
	pts := make([]r2.Point, rm.rows)
	for i := range pts {
		row := rm.row(i)
		pts[i] = r2.Point{X: row[0], Y: row[1]}
	}

	return New(hm.data, pts)
}

// Save writes the homography and ROI in the format implied by each path.
func Save(c *Calibration, homographyPath, roiPath string) error {
	if err := WriteMatrix(homographyPath, 3, 3, c.Homography.Values()); err != nil {
		return fmt.Errorf("save homography: %w", err)
	}
	verts := c.ROI.Vertices()
	data := make([]float64, 0, 2*len(verts))
	for _, v := range verts {
		data = append(data, v.X, v.Y)
	}
	if err := WriteMatrix(roiPath, len(verts), 2, data); err != nil {
		return fmt.Errorf("save roi: %w", err)
	}
	return nil
}

// Status is the readiness view exposed to health checks.
type Status struct {
	Ready          bool      `json:"ready"`
	Error          string    `json:"error,omitempty"`
	HomographyPath string    `json:"homography_path"`
	ROIPath        string    `json:"roi_path"`
	LoadedAt       time.Time `json:"loaded_at,omitzero"`
	ROIVertices    int       `json:"roi_vertices"`
}

// Store holds the current calibration and the result of the last load attempt.
type Store struct {
	homographyPath string
	roiPath        string

	mu      sync.RWMutex
	current *Calibration
	lastErr error
}

// NewStore returns a store for the given files. Nothing is loaded until Reload.
func NewStore(homographyPath, roiPath string) *Store {
	return &Store{homographyPath: homographyPath, roiPath: roiPath, lastErr: ErrNotLoaded}
}

// Reload reads the files again. On failure the previous calibration is dropped
// so the system reports not-ready instead of mapping with stale geometry.
func (s *Store) Reload() error {
	c, err := Load(s.homographyPath, s.roiPath)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.current = nil
		s.lastErr = err
		logger.Error("Calibration", "Load failed: %v", err)
		return err
	}
	s.current = c
	s.lastErr = nil
	logger.Info("Calibration", "Loaded homography %s and ROI %s (%d vertices)",
		s.homographyPath, s.roiPath, len(c.ROI.Vertices()))
	return nil
}

// Set installs an already validated calibration.
func (s *Store) Set(c *Calibration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = c
	if c == nil {
		s.lastErr = ErrNotLoaded
	} else {
		s.lastErr = nil
	}
}

// Current returns the loaded calibration or ErrNotLoaded wrapped with the last load error.
func (s *Store) Current() (*Calibration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		if s.lastErr != nil && !errors.Is(s.lastErr, ErrNotLoaded) {
			return nil, fmt.Errorf("%w: %v", ErrNotLoaded, s.lastErr)
		}
		return nil, ErrNotLoaded
	}
	return s.current, nil
}

// Ready reports whether a valid calibration is loaded.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

// Status returns a snapshot for health reporting.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Ready:          s.current != nil,
		HomographyPath: s.homographyPath,
		ROIPath:        s.roiPath,
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	if s.current != nil {
		st.LoadedAt = s.current.LoadedAt
		st.ROIVertices = len(s.current.ROI.Vertices())
	}
	return st
}
