package webmonitor

import (
	"context"
	"time"

	"github.com/dj-oyu/coop-density/mapping-server/internal/calibration"
	"github.com/dj-oyu/coop-density/mapping-server/internal/density"
	"github.com/dj-oyu/coop-density/mapping-server/internal/framesource"
	"github.com/dj-oyu/coop-density/mapping-server/internal/mapping"
	"github.com/dj-oyu/coop-density/mapping-server/internal/recorder"
	"github.com/dj-oyu/coop-density/mapping-server/internal/sink"
)

// JPEGSource is the annotated preview slot.
type JPEGSource interface {
	TryReadLatest() ([]byte, bool)
	Version() uint64
}

// SourceStatus reports camera feed liveness.
type SourceStatus interface {
	Status() framesource.Status
}

// Engine is the part of the mapping engine the monitor reads.
type Engine interface {
	Ready() bool
	Readiness() calibration.Status
	Latest() *mapping.Result
	Grid() density.Grid
	Config() mapping.Config
}

// History is the local mapping record store.
type History interface {
	Latest(ctx context.Context) (sink.Record, error)
	Recent(ctx context.Context, limit int) ([]sink.Record, error)
}

// Recorder captures the preview stream.
type Recorder interface {
	Start() (string, error)
	Stop() (string, error)
	GetStatus() recorder.RecordingStatus
}

// Deps wires the monitor to the rest of the server. Only Preview and Engine
// are required.
type Deps struct {
	Preview  JPEGSource
	Source   SourceStatus
	Engine   Engine
	History  History
	Recorder Recorder
	// Trigger runs a mapping cycle outside the schedule.
	Trigger func() error
	// Reload re-reads the calibration files.
	Reload func() error
	// NextRun reports when the scheduler fires next.
	NextRun func() (time.Time, error)
}

// PreviewStats describes the annotated preview slot.
type PreviewStats struct {
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	Clients   int       `json:"clients"`
}

// GridInfo describes the counting grid.
type GridInfo struct {
	Width      float64 `json:"width_m"`
	Height     float64 `json:"height_m"`
	CellWidth  float64 `json:"cell_width_m"`
	CellHeight float64 `json:"cell_height_m"`
	Cols       int     `json:"cols"`
	Rows       int     `json:"rows"`
	MaxDensity float64 `json:"max_density"`
}

// StatusPayload is the body of /api/status.
type StatusPayload struct {
	Ready       bool                      `json:"ready"`
	Calibration calibration.Status        `json:"calibration"`
	Source      *framesource.Status       `json:"source,omitempty"`
	Preview     PreviewStats              `json:"preview"`
	Grid        GridInfo                  `json:"grid"`
	Latest      map[string]any            `json:"latest_mapping"`
	NextRun     time.Time                 `json:"next_run,omitzero"`
	Recording   *recorder.RecordingStatus `json:"recording,omitempty"`
	Timestamp   float64                   `json:"timestamp"`
}

// DashboardData is the body of /api/dashboard_data.
type DashboardData struct {
	LatestPlotURL     string           `json:"latest_plot_url"`
	LatestSnapshotURL string           `json:"latest_snapshot_url"`
	Latest            map[string]any   `json:"latest"`
	History           []map[string]any `json:"history"`
	MaxDensity        float64          `json:"max_density"`
}
