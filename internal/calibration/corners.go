package calibration

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"

	"github.com/dj-oyu/coop-density/mapping-server/internal/geometry"
)

// FloorTargets returns where the four clicked floor corners land, in the
// order top-left, top-right, bottom-right, bottom-left as seen by the camera.
// The image top edge is the far wall, so it maps to y = height.
func FloorTargets(width, height float64) []r2.Point {
	return []r2.Point{{X: 0, Y: height}, {X: width, Y: height}, {X: width, Y: 0}, {X: 0, Y: 0}}
}

// FromCorners builds a calibration from four pixel corners of the floor area
// (TL, TR, BR, BL) and its real size in meters. roi defaults to the corners.
func FromCorners(corners, roi []r2.Point, width, height float64) (*Calibration, error) {
	if len(corners) != 4 {
		return nil, fmt.Errorf("need exactly 4 corners, got %d", len(corners))
	}
	if !(width > 0) || !(height > 0) {
		return nil, fmt.Errorf("area must be positive, got %gx%g", width, height)
	}
	h, err := geometry.FromCorrespondences(corners, FloorTargets(width, height))
	if err != nil {
		return nil, fmt.Errorf("homography: %w", err)
	}
	if len(roi) == 0 {
		roi = corners
	}
	return New(h.Values(), roi)
}

// ParsePoints reads "x,y x,y ..." (spaces or semicolons between points).
func ParsePoints(s string) ([]r2.Point, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ';' || r == '\t' })
	pts := make([]r2.Point, 0, len(fields))
	for _, f := range fields {
		xs, ys, ok := strings.Cut(f, ",")
		if !ok {
			return nil, fmt.Errorf("point %q: want x,y", f)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", f, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
		if err != nil {
			return nil, fmt.Errorf("point %q: %w", f, err)
		}
		pts = append(pts, r2.Point{X: x, Y: y})
	}
	return pts, nil
}
