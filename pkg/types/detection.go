package types

import (
	"strings"

	"github.com/golang/geo/r2"
)

// Profile selects the detector model and confidence threshold for a call site
type Profile int

const (
	ProfileFast     Profile = iota // Low latency, used by the live preview
	ProfileAccurate                // Full resolution, used by the mapping cycle
)

func (p Profile) String() string {
	switch p {
	case ProfileFast:
		return "fast"
	case ProfileAccurate:
		return "accurate"
	default:
		return "unknown"
	}
}

// Box is an axis aligned pixel rectangle with X1 < X2 and Y1 < Y2
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one object reported by the detector
type Detection struct {
	Box        Box     `json:"box"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
}

// Anchor is the bottom-center of the box, where the object touches the floor.
// It decides region-of-interest membership.
func (d Detection) Anchor() r2.Point {
	return r2.Point{X: (d.Box.X1 + d.Box.X2) / 2, Y: d.Box.Y2}
}

// Projection is the box center. It is the point mapped into world space.
func (d Detection) Projection() r2.Point {
	return r2.Point{X: (d.Box.X1 + d.Box.X2) / 2, Y: (d.Box.Y1 + d.Box.Y2) / 2}
}

// IsClass reports whether the detection label matches name, ignoring case
func (d Detection) IsClass(name string) bool {
	return strings.EqualFold(strings.TrimSpace(d.ClassName), strings.TrimSpace(name))
}

// Scale returns a copy with every box coordinate multiplied by sx, sy
func (d Detection) Scale(sx, sy float64) Detection {
	d.Box = Box{X1: d.Box.X1 * sx, Y1: d.Box.Y1 * sy, X2: d.Box.X2 * sx, Y2: d.Box.Y2 * sy}
	return d
}
