package webmonitor

import (
	"context"
	"errors"
	"time"

	"github.com/dj-oyu/coop-density/mapping-server/internal/frameslot"
	"github.com/dj-oyu/coop-density/mapping-server/internal/mapping"
	"github.com/dj-oyu/coop-density/mapping-server/internal/sink"
	"github.com/dj-oyu/coop-density/mapping-server/internal/store"
)

// Monitor assembles status and dashboard views from the server components.
type Monitor struct {
	deps         Deps
	frames       *FrameBroadcaster
	historyLimit int
}

// NewMonitor creates a Monitor over deps.
func NewMonitor(deps Deps, frames *FrameBroadcaster, historyLimit int) *Monitor {
	if historyLimit <= 0 {
		historyLimit = DefaultConfig().HistoryLimit
	}
	return &Monitor{deps: deps, frames: frames, historyLimit: historyLimit}
}

// resultFields flattens a mapping result into JSON and structpb friendly values.
func resultFields(res *mapping.Result) map[string]any {
	if res == nil {
		return nil
	}
	fields := res.Record().Fields()
	fields["frame_seq"] = res.FrameSeq
	fields["detections"] = res.Detections
	fields["duration_ms"] = res.Duration.Milliseconds()
	sinkErrors := make([]any, len(res.SinkErrors))
	for i, e := range res.SinkErrors {
		sinkErrors[i] = e
	}
	fields["sink_errors"] = sinkErrors
	return fields
}

// Status returns the current server status.
func (m *Monitor) Status() StatusPayload {
	eng := m.deps.Engine
	cfg := eng.Config()
	g := eng.Grid()

	payload := StatusPayload{
		Ready:       eng.Ready(),
		Calibration: eng.Readiness(),
		Grid: GridInfo{
			Width:      g.Width,
			Height:     g.Height,
			CellWidth:  g.CellWidth,
			CellHeight: g.CellHeight,
			Cols:       g.Cols,
			Rows:       g.Rows,
			MaxDensity: cfg.MaxDensity,
		},
		Latest:    resultFields(eng.Latest()),
		Timestamp: float64(time.Now().Unix()),
	}

	if m.deps.Source != nil {
		st := m.deps.Source.Status()
		payload.Source = &st
	}
	if slot, ok := m.deps.Preview.(*frameslot.Slot[[]byte]); ok {
		updatedAt, version, _ := slot.Stats()
		payload.Preview = PreviewStats{Version: version, UpdatedAt: updatedAt}
	} else {
		payload.Preview = PreviewStats{Version: m.deps.Preview.Version()}
	}
	if m.frames != nil {
		payload.Preview.Clients = m.frames.Clients()
	}
	if m.deps.NextRun != nil {
		if next, err := m.deps.NextRun(); err == nil {
			payload.NextRun = next
		}
	}
	if m.deps.Recorder != nil {
		rs := m.deps.Recorder.GetStatus()
		payload.Recording = &rs
	}
	return payload
}

// Dashboard returns the latest plot and recent history. The local store is
// preferred; without one only the in-memory latest result is reported.
func (m *Monitor) Dashboard(ctx context.Context) (DashboardData, error) {
	data := DashboardData{
		MaxDensity: m.deps.Engine.Config().MaxDensity,
		History:    []map[string]any{},
	}

	if m.deps.History != nil {
		recs, err := m.deps.History.Recent(ctx, m.historyLimit)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return data, err
		}
		for _, rec := range recs {
			data.History = append(data.History, rec.Fields())
		}
		if len(recs) > 0 {
			setLatest(&data, recs[0])
			return data, nil
		}
	}

	if res := m.deps.Engine.Latest(); res != nil {
		rec := res.Record()
		setLatest(&data, rec)
		if len(data.History) == 0 {
			data.History = append(data.History, rec.Fields())
		}
	}
	return data, nil
}

func setLatest(data *DashboardData, rec sink.Record) {
	data.Latest = rec.Fields()
	data.LatestPlotURL = rec.PlotURL
	data.LatestSnapshotURL = rec.SnapshotURL
}
