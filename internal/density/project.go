package density

import (
	"github.com/golang/geo/r2"

	"github.com/dj-oyu/coop-density/mapping-server/internal/calibration"
	"github.com/dj-oyu/coop-density/mapping-server/pkg/types"
)

// Placement records where one detection landed.
type Placement struct {
	Detection types.Detection
	Anchor    r2.Point // Pixel floor contact point, used for the region test
	InROI     bool
	World     r2.Point // Clamped floor position in meters, valid when Counted
	Counted   bool
}

// Place tests each detection's anchor against the region of interest and
// projects the center of those inside onto the floor. A detection whose center
// has no finite projection is kept out of the counts.
func Place(dets []types.Detection, cal *calibration.Calibration, g Grid) []Placement {
	out := make([]Placement, 0, len(dets))
	for _, d := range dets {
		p := Placement{Detection: d, Anchor: d.Anchor()}
		p.InROI = cal.ROI.Contains(p.Anchor)
		if p.InROI {
			if w, ok := cal.Homography.Apply(d.Projection()); ok {
				p.World = g.Clamp(w)
				p.Counted = true
			}
		}
		out = append(out, p)
	}
	return out
}

// WorldPoints returns the floor positions of counted placements.
func WorldPoints(ps []Placement) []r2.Point {
	out := make([]r2.Point, 0, len(ps))
	for _, p := range ps {
		if p.Counted {
			out = append(out, p.World)
		}
	}
	return out
}
