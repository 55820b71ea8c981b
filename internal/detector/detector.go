// Package detector defines the object detector capability and an HTTP client
// for an external inference server.
package detector

import (
	"context"
	"image"

	"github.com/disintegration/imaging"

	"github.com/dj-oyu/coop-density/mapping-server/pkg/types"
)

// Detector finds objects in an image. Implementations must be safe for
// concurrent use; the preview and mapping stages call it independently.
type Detector interface {
	Detect(ctx context.Context, img image.Image, profile types.Profile) ([]types.Detection, error)
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, img image.Image, profile types.Profile) ([]types.Detection, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, img image.Image, profile types.Profile) ([]types.Detection, error) {
	return f(ctx, img, profile)
}

// FilterClass keeps detections whose label matches class, ignoring case.
// An empty class keeps everything.
func FilterClass(dets []types.Detection, class string) []types.Detection {
	if class == "" {
		return dets
	}
	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		if d.IsClass(class) {
			out = append(out, d)
		}
	}
	return out
}

// FilterConfidence drops detections below min.
func FilterConfidence(dets []types.Detection, min float64) []types.Detection {
	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= min {
			out = append(out, d)
		}
	}
	return out
}

// Downsample shrinks img to maxWidth keeping the aspect ratio. It returns the
// per-axis factors that map coordinates in the result back to img; the
// resized height is rounded, so the two can differ. Images already narrow
// enough are returned unchanged with factors of 1.
func Downsample(img image.Image, maxWidth int) (image.Image, float64, float64) {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img, 1, 1
	}
	small := imaging.Resize(img, maxWidth, 0, imaging.Linear)
	sb := small.Bounds()
	return small, float64(b.Dx()) / float64(sb.Dx()), float64(b.Dy()) / float64(sb.Dy())
}

// Rescale multiplies x coordinates by scaleX and y coordinates by scaleY.
func Rescale(dets []types.Detection, scaleX, scaleY float64) []types.Detection {
	if scaleX == 1 && scaleY == 1 {
		return dets
	}
	out := make([]types.Detection, len(dets))
	for i, d := range dets {
		out[i] = d.Scale(scaleX, scaleY)
	}
	return out
}
