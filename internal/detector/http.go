package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/coop-density/mapping-server/internal/logger"
	"github.com/dj-oyu/coop-density/mapping-server/pkg/types"
)

// ProfileSettings selects the model and threshold used for one profile.
type ProfileSettings struct {
	Model      string  `yaml:"model"`
	Confidence float64 `yaml:"confidence"`
}

// HTTPConfig configures HTTPDetector.
type HTTPConfig struct {
	BaseURL     string
	Timeout     time.Duration
	JPEGQuality int
	Fast        ProfileSettings
	Accurate    ProfileSettings
}

// DefaultHTTPConfig matches the thresholds the flock cameras were tuned with.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		BaseURL:     "http://localhost:8000",
		Timeout:     30 * time.Second,
		JPEGQuality: 90,
		Fast:        ProfileSettings{Model: "fast", Confidence: 0.4},
		Accurate:    ProfileSettings{Model: "accurate", Confidence: 0.2},
	}
}

// HTTPDetector posts JPEG frames to an inference server:
//
//	POST {BaseURL}/detect?model=<name>&conf=<threshold>
//	Content-Type: image/jpeg
//
// and expects {"detections":[{"class_name":..,"confidence":..,"box":[x1,y1,x2,y2]}]}.
type HTTPDetector struct {
	cfg    HTTPConfig
	client *http.Client
}

type detectResponse struct {
	Detections []struct {
		ClassName  string     `json:"class_name"`
		Confidence float64    `json:"confidence"`
		Box        [4]float64 `json:"box"`
	} `json:"detections"`
	Error string `json:"error,omitempty"`
}

// NewHTTPDetector returns a detector client.
func NewHTTPDetector(cfg HTTPConfig) *HTTPDetector {
	def := DefaultHTTPConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	return &HTTPDetector{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (d *HTTPDetector) settings(p types.Profile) ProfileSettings {
	if p == types.ProfileFast {
		return d.cfg.Fast
	}
	return d.cfg.Accurate
}

// Detect implements Detector.
func (d *HTTPDetector) Detect(ctx context.Context, img image.Image, profile types.Profile) ([]types.Detection, error) {
	var body bytes.Buffer
	if err := jpeg.Encode(&body, img, &jpeg.Options{Quality: d.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	ps := d.settings(profile)
	q := url.Values{}
	if ps.Model != "" {
		q.Set("model", ps.Model)
	}
	q.Set("conf", strconv.FormatFloat(ps.Confidence, 'f', -1, 64))
	target := strings.TrimRight(d.cfg.BaseURL, "/") + "/detect?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector unavailable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read detector response: %w", err)
	}

	var out detectResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode detector response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("detector returned %d: %s", resp.StatusCode, msg)
	}

	dets := make([]types.Detection, 0, len(out.Detections))
	for _, r := range out.Detections {
		det := types.Detection{
			Box:        types.Box{X1: r.Box[0], Y1: r.Box[1], X2: r.Box[2], Y2: r.Box[3]},
			ClassName:  r.ClassName,
			Confidence: r.Confidence,
		}
		if err := validate(det); err != nil {
			logger.Debug("Detector", "Dropping detection: %v", err)
			continue
		}
		dets = append(dets, det)
	}
	return FilterConfidence(dets, ps.Confidence), nil
}

var errBadDetection = errors.New("invalid detection")

func validate(d types.Detection) error {
	if !(d.Box.X1 < d.Box.X2) || !(d.Box.Y1 < d.Box.Y2) {
		return fmt.Errorf("%w: empty box %+v", errBadDetection, d.Box)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v", errBadDetection, d.Confidence)
	}
	return nil
}
