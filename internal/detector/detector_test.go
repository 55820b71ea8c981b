package detector

import (
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/coop-density/mapping-server/pkg/types"
)

func TestFilterClass(t *testing.T) {
	dets := []types.Detection{
		{ClassName: "Broiler", Confidence: 0.9},
		{ClassName: "person", Confidence: 0.8},
		{ClassName: "broiler ", Confidence: 0.5},
	}
	got := FilterClass(dets, "broiler")
	assert.Len(t, got, 2)
	assert.Len(t, FilterClass(dets, ""), 3)
}

func TestDownsampleAndRescale(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1920, 1080))
	small, sx, sy := Downsample(img, 640)
	assert.Equal(t, 640, small.Bounds().Dx())
	assert.Equal(t, 360, small.Bounds().Dy())
	assert.InDelta(t, 3.0, sx, 1e-9)
	assert.InDelta(t, 3.0, sy, 1e-9)

	dets := Rescale([]types.Detection{{Box: types.Box{X1: 10, Y1: 20, X2: 30, Y2: 40}}}, sx, sy)
	want := types.Box{X1: 30, Y1: 60, X2: 90, Y2: 120}
	if diff := cmp.Diff(want, dets[0].Box); diff != "" {
		t.Errorf("rescaled box mismatch (-want +got):\n%s", diff)
	}

	same, one, other := Downsample(image.NewRGBA(image.Rect(0, 0, 320, 240)), 640)
	assert.Equal(t, 320, same.Bounds().Dx())
	assert.Equal(t, 1.0, one)
	assert.Equal(t, 1.0, other)
}

func TestRescaleRoundedHeight(t *testing.T) {
	// 1000x333 at 640 wide resizes to 640x213, so y scales by 333/213, not 1000/640.
	small, sx, sy := Downsample(image.NewRGBA(image.Rect(0, 0, 1000, 333)), 640)
	require.Equal(t, image.Rect(0, 0, 640, 213), small.Bounds())
	assert.InDelta(t, 1000.0/640.0, sx, 1e-9)
	assert.InDelta(t, 333.0/213.0, sy, 1e-9)

	dets := Rescale([]types.Detection{{Box: types.Box{X1: 0, Y1: 0, X2: 640, Y2: 213}}}, sx, sy)
	assert.InDelta(t, 1000, dets[0].Box.X2, 1e-9)
	assert.InDelta(t, 333, dets[0].Box.Y2, 1e-9)
}

func TestHTTPDetector(t *testing.T) {
	var gotModel, gotConf, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotModel = r.URL.Query().Get("model")
		gotConf = r.URL.Query().Get("conf")
		gotType = r.Header.Get("Content-Type")
		_, err := jpeg.Decode(r.Body)
		if err != nil {
			http.Error(w, `{"error":"bad image"}`, http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"class_name": "broiler", "confidence": 0.91, "box": []float64{10, 10, 50, 60}},
				{"class_name": "broiler", "confidence": 0.10, "box": []float64{0, 0, 5, 5}},
				{"class_name": "broiler", "confidence": 0.80, "box": []float64{40, 10, 20, 60}},
			},
		})
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig()
	cfg.BaseURL = srv.URL
	d := NewHTTPDetector(cfg)

	dets, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 64)), types.ProfileAccurate)
	require.NoError(t, err)
	assert.Equal(t, "accurate", gotModel)
	assert.Equal(t, "0.2", gotConf)
	assert.Equal(t, "image/jpeg", gotType)

	// Below threshold and inverted boxes are dropped.
	require.Len(t, dets, 1)
	assert.Equal(t, types.Box{X1: 10, Y1: 10, X2: 50, Y2: 60}, dets[0].Box)

	_, err = d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)), types.ProfileFast)
	require.NoError(t, err)
	assert.Equal(t, "fast", gotModel)
	assert.Equal(t, "0.4", gotConf)
}

func TestHTTPDetectorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model not loaded"}`))
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig()
	cfg.BaseURL = srv.URL
	_, err := NewHTTPDetector(cfg).Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)), types.ProfileAccurate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}
