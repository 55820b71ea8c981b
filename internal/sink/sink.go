// Package sink defines where mapping artifacts and records go, and fans them
// out to several backends.
package sink

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/coop-density/mapping-server/internal/density"
)

// ArtifactUploader stores a local file and returns a URL it can be fetched from.
type ArtifactUploader interface {
	UploadArtifact(ctx context.Context, bucket, localPath, remoteName string) (string, error)
}

// MappingRecorder persists one mapping result.
type MappingRecorder interface {
	RecordMapping(ctx context.Context, rec Record) error
}

// Record is the persisted summary of one mapping cycle.
type Record struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"mapping_timestamp"`
	SnapshotURL   string          `json:"source_screenshot_url"`
	PlotURL       string          `json:"density_plot_url"`
	InROICount    int             `json:"in_roi_count"`
	ExcludedCount int             `json:"excluded_count"`
	GridDensity   map[string]int  `json:"grid_density_data"`
	Alerts        []density.Alert `json:"alerts"`
	DetectorError string          `json:"detector_error,omitempty"`
}

// Fields returns the record as plain values accepted by structpb.NewStruct
// and encoding/json alike.
func (r Record) Fields() map[string]any {
	grid := make(map[string]any, len(r.GridDensity))
	for k, v := range r.GridDensity {
		grid[k] = v
	}
	alerts := make([]any, len(r.Alerts))
	for i, a := range r.Alerts {
		alerts[i] = map[string]any{
			"grid_x":  a.Cell.Col,
			"grid_y":  a.Cell.Row,
			"count":   a.Count,
			"density": a.Density,
		}
	}
	out := map[string]any{
		"id":                    r.ID,
		"mapping_timestamp":     r.Timestamp.UTC().Format(time.RFC3339Nano),
		"source_screenshot_url": r.SnapshotURL,
		"density_plot_url":      r.PlotURL,
		"in_roi_count":          r.InROICount,
		"excluded_count":        r.ExcludedCount,
		"grid_density_data":     grid,
		"alerts":                alerts,
	}
	if r.DetectorError != "" {
		out["detector_error"] = r.DetectorError
	}
	return out
}

// Struct converts the record to a protobuf Struct.
func (r Record) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(r.Fields())
}

// MultiRecorder writes to every recorder and joins their errors. One failing
// backend does not stop the others.
type MultiRecorder []MappingRecorder

// RecordMapping implements MappingRecorder.
func (m MultiRecorder) RecordMapping(ctx context.Context, rec Record) error {
	var err error
	for _, r := range m {
		if r == nil {
			continue
		}
		err = multierr.Append(err, r.RecordMapping(ctx, rec))
	}
	return err
}

// FallbackUploader tries each uploader in order and returns the first URL.
type FallbackUploader []ArtifactUploader

// UploadArtifact implements ArtifactUploader.
func (f FallbackUploader) UploadArtifact(ctx context.Context, bucket, localPath, remoteName string) (string, error) {
	var err error
	for _, u := range f {
		if u == nil {
			continue
		}
		url, uerr := u.UploadArtifact(ctx, bucket, localPath, remoteName)
		if uerr == nil {
			return url, nil
		}
		err = multierr.Append(err, uerr)
	}
	if err == nil {
		err = ErrNoBackend
	}
	return "", err
}
