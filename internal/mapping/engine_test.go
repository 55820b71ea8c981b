package mapping

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/coop-density/mapping-server/internal/archive"
	"github.com/dj-oyu/coop-density/mapping-server/internal/calibration"
	"github.com/dj-oyu/coop-density/mapping-server/internal/density"
	"github.com/dj-oyu/coop-density/mapping-server/internal/detector"
	"github.com/dj-oyu/coop-density/mapping-server/internal/metrics"
	"github.com/dj-oyu/coop-density/mapping-server/internal/sink"
	"github.com/dj-oyu/coop-density/mapping-server/pkg/types"
)

type staticFrames struct{ frame *types.Frame }

func (s staticFrames) TryReadLatest() (*types.Frame, bool) {
	if s.frame == nil {
		return nil, false
	}
	return s.frame.Clone(), true
}

type uploadCall struct{ bucket, name string }

type fakeUploader struct {
	mu    sync.Mutex
	calls []uploadCall
	err   error
}

func (f *fakeUploader) UploadArtifact(_ context.Context, bucket, localPath, remoteName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	f.calls = append(f.calls, uploadCall{bucket, remoteName})
	if f.err != nil {
		return "", f.err
	}
	return "https://files/" + bucket + "/" + remoteName, nil
}

type fakeRecorder struct {
	records []sink.Record
	err     error
}

func (f *fakeRecorder) RecordMapping(_ context.Context, rec sink.Record) error {
	f.records = append(f.records, rec)
	return f.err
}

type fakeNotifier struct{ messages []string }

func (f *fakeNotifier) Notify(_ context.Context, msg string) error {
	f.messages = append(f.messages, msg)
	return nil
}

// centered returns a 20x20 box centered on (x, y) pixels.
func centered(x, y float64) types.Detection {
	return types.Detection{Box: types.Box{X1: x - 10, Y1: y - 10, X2: x + 10, Y2: y + 10}, ClassName: "broiler", Confidence: 0.8}
}

// scenarioDetections lands 3 birds in cell (0,0), 14 in cell (1,1), one
// outside the region and one of another class.
func scenarioDetections() []types.Detection {
	dets := []types.Detection{centered(50, 50), centered(40, 60), centered(90, 90)}
	for i := 0; i < 14; i++ {
		dets = append(dets, centered(130+float64(i%7)*5, 130+float64(i/7)*20))
	}
	dets = append(dets, centered(360, 360))
	other := centered(250, 250)
	other.ClassName = "person"
	return append(dets, other)
}

type fixture struct {
	engine   *Engine
	cal      *calibration.Store
	uploader *fakeUploader
	recorder *fakeRecorder
	notifier *fakeNotifier
	metrics  *metrics.Metrics
	tempDir  string
}

func newFixture(t *testing.T, frames FrameProvider, det detector.Detector) *fixture {
	t.Helper()
	cal, err := calibration.New([]float64{0.01, 0, 0, 0, 0.01, 0, 0, 0, 1},
		[]r2.Point{{X: 0, Y: 0}, {X: 300, Y: 0}, {X: 300, Y: 300}, {X: 0, Y: 300}})
	require.NoError(t, err)
	store := calibration.NewStore("", "")
	store.Set(cal)

	f := &fixture{
		cal:      store,
		uploader: &fakeUploader{},
		recorder: &fakeRecorder{},
		notifier: &fakeNotifier{},
		metrics:  metrics.New(),
		tempDir:  t.TempDir(),
	}
	cfg := DefaultConfig()
	cfg.TempDir = f.tempDir
	f.engine, err = New(cfg, Deps{
		Frames:      frames,
		Detector:    det,
		Calibration: store,
		Uploader:    f.uploader,
		Recorder:    f.recorder,
		Notifier:    f.notifier,
		Metrics:     f.metrics,
	})
	require.NoError(t, err)
	f.engine.now = func() time.Time { return time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC) }
	var seq int
	f.engine.newID = func() string {
		seq++
		return fmt.Sprintf("%08d-0000-4000-8000-000000000000", seq)
	}
	return f
}

func testFrame() *types.Frame {
	img := image.NewRGBA(image.Rect(0, 0, 400, 400))
	for i := range img.Pix {
		img.Pix[i] = 90
	}
	img.Set(10, 10, color.White)
	return types.NewFrame(img, 7, time.Now())
}

func stubDetector(dets []types.Detection) detector.Detector {
	return detector.Func(func(context.Context, image.Image, types.Profile) ([]types.Detection, error) {
		return append([]types.Detection(nil), dets...), nil
	})
}

func assertTempEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunCycleScenario(t *testing.T) {
	var profiles []types.Profile
	det := detector.Func(func(_ context.Context, _ image.Image, p types.Profile) ([]types.Detection, error) {
		profiles = append(profiles, p)
		return scenarioDetections(), nil
	})
	f := newFixture(t, staticFrames{testFrame()}, det)

	var seen *Result
	f.engine.OnResult(func(r *Result) { seen = r })

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []types.Profile{types.ProfileAccurate}, profiles)
	assert.Equal(t, uint64(7), res.FrameSeq)
	assert.Equal(t, 18, res.Detections)
	assert.Equal(t, 17, res.InROICount)
	assert.Equal(t, 1, res.ExcludedCount)
	assert.Equal(t, map[string]int{"0_0": 3, "1_1": 14}, res.Counts.Keyed())
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, density.Cell{Col: 1, Row: 1}, res.Alerts[0].Cell)
	assert.Equal(t, 14, res.Alerts[0].Count)
	assert.InDelta(t, 14.0, res.Alerts[0].Density, 1e-9)
	for _, p := range res.WorldPoints {
		assert.True(t, p.X >= 0 && p.X <= 3 && p.Y >= 0 && p.Y <= 3)
	}

	assert.Equal(t, []uploadCall{
		{"ssayam", "annotated_snapshot_20260301_083000_00000001.jpg"},
		{"plotayam", "density_plot_20260301_083000_00000001.png"},
	}, f.uploader.calls)
	assert.Equal(t, "https://files/plotayam/density_plot_20260301_083000_00000001.png", res.PlotURL)

	require.Len(t, f.recorder.records, 1)
	rec := f.recorder.records[0]
	assert.Equal(t, res.ID, rec.ID)
	assert.Equal(t, 17, rec.InROICount)
	assert.Equal(t, res.SnapshotURL, rec.SnapshotURL)

	require.Len(t, f.notifier.messages, 1)
	assert.Contains(t, f.notifier.messages[0], "cell (1,1): 14 birds")
	assert.Contains(t, f.notifier.messages[0], res.PlotURL)

	assert.Empty(t, res.SinkErrors)
	assertTempEmpty(t, f.tempDir)
	assert.Same(t, res, seen)
	assert.Same(t, res, f.engine.Latest())
	assert.Equal(t, uint64(1), f.metrics.CyclesRun.Load())
	assert.Equal(t, uint64(17), f.metrics.LastInROICount.Load())
}

func TestRunCycleIdempotent(t *testing.T) {
	f := newFixture(t, staticFrames{testFrame()}, stubDetector(scenarioDetections()))

	first, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	second, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	if diff := cmp.Diff(first.Counts, second.Counts); diff != "" {
		t.Errorf("counts differ (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first.Alerts, second.Alerts); diff != "" {
		t.Errorf("alerts differ (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first.WorldPoints, second.WorldPoints); diff != "" {
		t.Errorf("world points differ (-first +second):\n%s", diff)
	}
	assert.Len(t, f.notifier.messages, 2, "alerts are not deduplicated across cycles")
}

func TestRunCycleSameSecondKeepsBothArtifacts(t *testing.T) {
	f := newFixture(t, staticFrames{testFrame()}, stubDetector(scenarioDetections()))
	root := t.TempDir()
	f.engine.deps.Uploader = archive.New(root, "http://coop.local/artifacts", 10)

	first, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	second, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)

	require.True(t, first.Timestamp.Equal(second.Timestamp))
	assert.NotEqual(t, first.PlotURL, second.PlotURL)
	assert.NotEqual(t, first.SnapshotURL, second.SnapshotURL)
	assert.Empty(t, first.SinkErrors)
	assert.Empty(t, second.SinkErrors)

	for _, bucket := range []string{"plotayam", "ssayam"} {
		entries, err := os.ReadDir(filepath.Join(root, bucket))
		require.NoError(t, err)
		assert.Len(t, entries, 2, bucket)
	}
	for _, u := range []string{first.PlotURL, second.PlotURL} {
		_, err := os.Stat(filepath.Join(root, "plotayam", path.Base(u)))
		assert.NoError(t, err, u)
	}
	assertTempEmpty(t, f.tempDir)

	require.Len(t, f.notifier.messages, 2)
	assert.Contains(t, f.notifier.messages[0], `href="`+first.PlotURL+`"`)
	assert.Contains(t, f.notifier.messages[1], `href="`+second.PlotURL+`"`)
}

func TestRunCycleAlertOmitsRelativeLink(t *testing.T) {
	f := newFixture(t, staticFrames{testFrame()}, stubDetector(scenarioDetections()))
	f.engine.deps.Uploader = archive.New(t.TempDir(), "/artifacts", 0)

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.PlotURL, "/artifacts/plotayam/"))
	require.Len(t, f.notifier.messages, 1)
	assert.NotContains(t, f.notifier.messages[0], "href")
	assert.Contains(t, f.notifier.messages[0], "cell (1,1): 14 birds")
}

func TestRunCycleNotReady(t *testing.T) {
	f := newFixture(t, staticFrames{testFrame()}, stubDetector(scenarioDetections()))
	f.cal.Set(nil)

	res, err := f.engine.RunCycle(context.Background())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, err, calibration.ErrNotLoaded)
	assert.False(t, f.engine.Ready())
	assert.Empty(t, f.recorder.records)
	assert.Empty(t, f.uploader.calls)
	assert.Equal(t, uint64(1), f.metrics.CyclesSkipped.Load())
}

func TestRunCycleNoFrame(t *testing.T) {
	f := newFixture(t, staticFrames{}, stubDetector(scenarioDetections()))

	res, err := f.engine.RunCycle(context.Background())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.Empty(t, f.recorder.records)
	assert.Nil(t, f.engine.Latest())
}

func TestRunCycleDetectorError(t *testing.T) {
	det := detector.Func(func(context.Context, image.Image, types.Profile) ([]types.Detection, error) {
		return nil, errors.New("inference server down")
	})
	f := newFixture(t, staticFrames{testFrame()}, det)

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "inference server down", res.DetectorError)
	assert.Zero(t, res.InROICount)
	assert.Empty(t, res.Alerts)
	require.Len(t, f.recorder.records, 1)
	assert.Equal(t, "inference server down", f.recorder.records[0].DetectorError)
	assert.Empty(t, f.notifier.messages)
	assert.Equal(t, uint64(1), f.metrics.DetectorErrors.Load())
}

func TestRunCycleSinkFailuresStillCleanUp(t *testing.T) {
	f := newFixture(t, staticFrames{testFrame()}, stubDetector(scenarioDetections()))
	f.uploader.err = errors.New("bucket unavailable")
	f.recorder.err = errors.New("table unavailable")

	res, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.SnapshotURL)
	assert.Empty(t, res.PlotURL)
	assert.Len(t, res.SinkErrors, 3)
	require.Len(t, f.notifier.messages, 1)
	assert.NotContains(t, f.notifier.messages[0], "href")
	assertTempEmpty(t, f.tempDir)
	assert.Equal(t, uint64(3), f.metrics.SinkErrors.Load())
}

func TestRunCycleBusy(t *testing.T) {
	f := newFixture(t, staticFrames{testFrame()}, stubDetector(nil))
	f.engine.running.Lock()
	defer f.engine.running.Unlock()

	_, err := f.engine.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
}

func TestSweepTemp(t *testing.T) {
	f := newFixture(t, staticFrames{testFrame()}, stubDetector(nil))
	for _, name := range []string{"annotated_snapshot_1.jpg", "density_plot_1.png", "keep.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(f.tempDir, name), []byte("x"), 0o644))
	}

	n, err := f.engine.SweepTemp()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), "keep.txt"))
}

func TestNewRejectsBadGrid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CellWidth = 0
	_, err := New(cfg, Deps{Frames: staticFrames{}, Detector: stubDetector(nil), Calibration: calibration.NewStore("", "")})
	assert.ErrorIs(t, err, density.ErrBadGrid)
}
