package webmonitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/coop-density/mapping-server/internal/calibration"
	"github.com/dj-oyu/coop-density/mapping-server/internal/density"
	"github.com/dj-oyu/coop-density/mapping-server/internal/frameslot"
	"github.com/dj-oyu/coop-density/mapping-server/internal/mapping"
	"github.com/dj-oyu/coop-density/mapping-server/internal/recorder"
	"github.com/dj-oyu/coop-density/mapping-server/internal/sink"
)

type fakeEngine struct {
	ready  bool
	latest *mapping.Result
}

func (f *fakeEngine) Ready() bool { return f.ready }
func (f *fakeEngine) Readiness() calibration.Status {
	st := calibration.Status{Ready: f.ready}
	if !f.ready {
		st.Error = calibration.ErrNotLoaded.Error()
	}
	return st
}
func (f *fakeEngine) Latest() *mapping.Result { return f.latest }
func (f *fakeEngine) Config() mapping.Config  { return mapping.DefaultConfig() }
func (f *fakeEngine) Grid() density.Grid {
	g, _ := density.NewGrid(3, 3, 1, 1)
	return g
}

type fakeHistory struct{ recs []sink.Record }

func (f fakeHistory) Latest(context.Context) (sink.Record, error) {
	if len(f.recs) == 0 {
		return sink.Record{}, errors.New("empty")
	}
	return f.recs[0], nil
}

func (f fakeHistory) Recent(_ context.Context, limit int) ([]sink.Record, error) {
	return f.recs[:min(limit, len(f.recs))], nil
}

func sampleResult() *mapping.Result {
	return &mapping.Result{
		ID:            "cycle-1",
		Timestamp:     time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC),
		FrameSeq:      9,
		Detections:    18,
		InROICount:    17,
		ExcludedCount: 1,
		Counts:        density.Counts{{Col: 0, Row: 0}: 3, {Col: 1, Row: 1}: 14},
		Alerts:        []density.Alert{{Cell: density.Cell{Col: 1, Row: 1}, Count: 14, Density: 14}},
		PlotURL:       "/artifacts/plotayam/density_plot_20260301_083000.png",
		SnapshotURL:   "/artifacts/ssayam/annotated_snapshot_20260301_083000.jpg",
		Duration:      1500 * time.Millisecond,
	}
}

func newTestServer(t *testing.T, deps Deps) (*Server, *frameslot.Slot[[]byte]) {
	t.Helper()
	slot := frameslot.New(frameslot.CloneBytes)
	if deps.Preview == nil {
		deps.Preview = slot
	}
	if deps.Engine == nil {
		deps.Engine = &fakeEngine{}
	}
	cfg := DefaultConfig()
	cfg.ArtifactsDir = t.TempDir()
	cfg.MJPEGInterval = 5 * time.Millisecond
	s := NewServer(cfg, deps, nil)
	s.Start()
	t.Cleanup(s.Stop)
	return s, slot
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func post(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec
}

func TestHealthFollowsCalibration(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newTestServer(t, Deps{Engine: eng})
	h := s.Handler()

	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_ready")

	eng.ready = true
	rec = get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMappingLatestJSONAndProtobuf(t *testing.T) {
	eng := &fakeEngine{ready: true}
	s, _ := newTestServer(t, Deps{Engine: eng})
	h := s.Handler()

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/mapping/latest").Code)

	eng.latest = sampleResult()
	rec := get(t, h, "/api/mapping/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "cycle-1", body["id"])
	assert.EqualValues(t, 17, body["in_roi_count"])
	assert.EqualValues(t, 14, body["grid_density_data"].(map[string]any)["1_1"])
	alerts := body["alerts"].([]any)
	require.Len(t, alerts, 1)
	assert.EqualValues(t, 1, alerts[0].(map[string]any)["grid_x"])

	rec = get(t, h, "/api/mapping/latest", "Accept", "application/x-protobuf")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/protobuf", rec.Header().Get("Content-Type"))
	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "cycle-1", st.Fields["id"].GetStringValue())
	assert.Equal(t, 17.0, st.Fields["in_roi_count"].GetNumberValue())
}

func TestMappingStreamDeliversPublishedResult(t *testing.T) {
	s, _ := newTestServer(t, Deps{Engine: &fakeEngine{ready: true}})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	s.PublishMapping(sampleResult())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/mapping/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", resp.Header.Get("X-Content-Format"))

	sc := bufio.NewScanner(resp.Body)
	var line string
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "data: ") {
			line = strings.TrimPrefix(sc.Text(), "data: ")
			break
		}
	}
	require.NotEmpty(t, line)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &body))
	assert.Equal(t, "cycle-1", body["id"])
	assert.EqualValues(t, 9, body["frame_seq"])
}

func TestStopEndsEventStreams(t *testing.T) {
	s, _ := newTestServer(t, Deps{Engine: &fakeEngine{ready: true}})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	paths := []string{"/api/status/stream", "/api/mapping/stream"}
	bodies := make([]io.ReadCloser, 0, len(paths))
	for _, p := range paths {
		resp, err := http.Get(ts.URL + p)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, p)
		bodies = append(bodies, resp.Body)
	}

	s.Stop()

	for i, body := range bodies {
		ended := make(chan error, 1)
		go func() {
			_, err := io.Copy(io.Discard, body)
			ended <- err
		}()
		select {
		case err := <-ended:
			assert.NoError(t, err, paths[i])
		case <-time.After(3 * time.Second):
			t.Fatalf("%s still open after Stop", paths[i])
		}
	}
}

func TestStreamServesPreviewFrames(t *testing.T) {
	s, slot := newTestServer(t, Deps{})
	slot.Publish([]byte("FIRSTJPEG"))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	buf := make([]byte, 0, 256)
	chunk := make([]byte, 64)
	for !strings.Contains(string(buf), "FIRSTJPEG") {
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	assert.Contains(t, string(buf), "--frame\r\nContent-Type: image/jpeg\r\n\r\nFIRSTJPEG")

	slot.Publish([]byte("SECONDJPEG"))
	for !strings.Contains(string(buf), "SECONDJPEG") {
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	assert.Contains(t, string(buf), "SECONDJPEG")
}

func TestSnapshotEndpoint(t *testing.T) {
	s, slot := newTestServer(t, Deps{})
	h := s.Handler()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/snapshot.jpg").Code)
	slot.Publish([]byte{0xff, 0xd8, 0xff})
	rec := get(t, h, "/snapshot.jpg")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, rec.Body.Bytes())
}

func TestDashboardData(t *testing.T) {
	eng := &fakeEngine{ready: true, latest: sampleResult()}

	s, _ := newTestServer(t, Deps{Engine: eng})
	rec := get(t, s.Handler(), "/api/dashboard_data")
	require.Equal(t, http.StatusOK, rec.Code)
	var data DashboardData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &data))
	assert.Equal(t, eng.latest.PlotURL, data.LatestPlotURL)
	assert.Len(t, data.History, 1)
	assert.Equal(t, 12.0, data.MaxDensity)

	older := sampleResult().Record()
	older.ID = "older"
	newer := sampleResult().Record()
	newer.ID = "newer"
	newer.PlotURL = "/artifacts/plotayam/newer.png"
	s, _ = newTestServer(t, Deps{Engine: eng, History: fakeHistory{recs: []sink.Record{newer, older}}})
	rec = get(t, s.Handler(), "/api/dashboard_data")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &data))
	assert.Equal(t, "/artifacts/plotayam/newer.png", data.LatestPlotURL)
	require.Len(t, data.History, 2)
	assert.Equal(t, "newer", data.History[0]["id"])
}

func TestStatus(t *testing.T) {
	eng := &fakeEngine{ready: true, latest: sampleResult()}
	next := time.Date(2026, 3, 1, 8, 32, 0, 0, time.UTC)
	s, _ := newTestServer(t, Deps{
		Engine:   eng,
		Recorder: recorder.NewRecorder(t.TempDir()),
		NextRun:  func() (time.Time, error) { return next, nil },
	})

	rec := get(t, s.Handler(), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st StatusPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Ready)
	assert.Equal(t, 3, st.Grid.Cols)
	assert.Equal(t, 12.0, st.Grid.MaxDensity)
	assert.True(t, next.Equal(st.NextRun))
	require.NotNil(t, st.Recording)
	assert.False(t, st.Recording.Recording)
	assert.EqualValues(t, 17, st.Latest["in_roi_count"])
}

func TestMappingRunTrigger(t *testing.T) {
	eng := &fakeEngine{}
	var triggered int
	var triggerErr error
	s, _ := newTestServer(t, Deps{Engine: eng, Trigger: func() error {
		triggered++
		return triggerErr
	}})
	h := s.Handler()

	assert.Equal(t, http.StatusMethodNotAllowed, get(t, h, "/api/mapping/run").Code)
	assert.Equal(t, http.StatusServiceUnavailable, post(t, h, "/api/mapping/run").Code)
	assert.Zero(t, triggered)

	eng.ready = true
	assert.Equal(t, http.StatusAccepted, post(t, h, "/api/mapping/run").Code)
	assert.Equal(t, 1, triggered)

	triggerErr = errors.New("busy")
	assert.Equal(t, http.StatusConflict, post(t, h, "/api/mapping/run").Code)
}

func TestCalibrationReload(t *testing.T) {
	eng := &fakeEngine{}
	reloadErr := errors.New("bad homography")
	s, _ := newTestServer(t, Deps{Engine: eng, Reload: func() error {
		if reloadErr != nil {
			return reloadErr
		}
		eng.ready = true
		return nil
	}})
	h := s.Handler()

	rec := post(t, h, "/api/calibration/reload")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad homography")

	reloadErr = nil
	rec = post(t, h, "/api/calibration/reload")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":true`)
}

func TestArtifacts(t *testing.T) {
	s, _ := newTestServer(t, Deps{})
	dir := filepath.Join(s.cfg.ArtifactsDir, "plotayam")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "density_plot_1.png"), []byte("png"), 0o644))
	h := s.Handler()

	rec := get(t, h, "/artifacts/plotayam/density_plot_1.png")
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "png", string(body))

	assert.Equal(t, http.StatusNotFound, get(t, h, "/artifacts/plotayam").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/artifacts/plotayam/missing.png").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/artifacts/plotayam/.hidden").Code)
}

func TestRecordingEndpoints(t *testing.T) {
	rec := recorder.NewRecorder(t.TempDir())
	s, _ := newTestServer(t, Deps{Recorder: rec})
	h := s.Handler()

	assert.Equal(t, http.StatusBadRequest, post(t, h, "/api/recording/stop").Code)
	resp := post(t, h, "/api/recording/start")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"recording"`)
	assert.Equal(t, http.StatusBadRequest, post(t, h, "/api/recording/start").Code)

	assert.Contains(t, get(t, h, "/api/recording/status").Body.String(), `"recording":true`)
	resp = post(t, h, "/api/recording/stop")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"stopped"`)
}

func TestRecordingNotConfigured(t *testing.T) {
	s, _ := newTestServer(t, Deps{})
	h := s.Handler()
	assert.Equal(t, http.StatusNotImplemented, post(t, h, "/api/recording/start").Code)
	assert.Contains(t, get(t, h, "/api/recording/status").Body.String(), `"recording":false`)
}

func TestIndex(t *testing.T) {
	s, _ := newTestServer(t, Deps{})
	h := s.Handler()
	rec := get(t, h, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/dashboard_data")
	assert.Equal(t, http.StatusNotFound, get(t, h, "/nope").Code)
}
