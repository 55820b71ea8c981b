package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

var (
	ErrTooFewVertices    = errors.New("polygon needs at least 3 vertices")
	ErrDegeneratePolygon = errors.New("polygon has zero area")
	ErrSelfIntersecting  = errors.New("polygon edges intersect")
)

const boundaryEps = 1e-9

// Polygon is a simple pixel-space polygon. Vertices keep insertion order and
// the closing edge is implicit.
type Polygon struct {
	vertices []r2.Point
	ring     orb.Ring
}

// NewPolygon validates the vertex list and builds the polygon.
func NewPolygon(vertices []r2.Point) (Polygon, error) {
	if len(vertices) < 3 {
		return Polygon{}, fmt.Errorf("%w: got %d", ErrTooFewVertices, len(vertices))
	}

	ring := make(orb.Ring, 0, len(vertices)+1)
	for _, v := range vertices {
		if math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsInf(v.X, 0) || math.IsInf(v.Y, 0) {
			return Polygon{}, fmt.Errorf("polygon vertex %v is not finite", v)
		}
		ring = append(ring, orb.Point{v.X, v.Y})
	}
	ring = append(ring, ring[0])

	if math.Abs(planar.Area(ring)) < boundaryEps {
		return Polygon{}, ErrDegeneratePolygon
	}
	if i, j, ok := firstCrossing(vertices); ok {
		return Polygon{}, fmt.Errorf("%w: edge %d crosses edge %d", ErrSelfIntersecting, i, j)
	}

	pts := make([]r2.Point, len(vertices))
	copy(pts, vertices)
	return Polygon{vertices: pts, ring: ring}, nil
}

// Vertices returns a copy of the vertex list.
func (p Polygon) Vertices() []r2.Point {
	out := make([]r2.Point, len(p.vertices))
	copy(out, p.vertices)
	return out
}

// Area returns the enclosed area in square pixels.
func (p Polygon) Area() float64 {
	return math.Abs(planar.Area(p.ring))
}

// Contains reports whether pt is inside the polygon or on its boundary.
func (p Polygon) Contains(pt r2.Point) bool {
	if len(p.vertices) < 3 {
		return false
	}
	if p.OnBoundary(pt) {
		return true
	}
	return planar.RingContains(p.ring, orb.Point{pt.X, pt.Y})
}

// OnBoundary reports whether pt lies on one of the polygon edges.
func (p Polygon) OnBoundary(pt r2.Point) bool {
	n := len(p.vertices)
	for i := 0; i < n; i++ {
		if onSegment(pt, p.vertices[i], p.vertices[(i+1)%n]) {
			return true
		}
	}
	return false
}

func cross(o, a, b r2.Point) float64 {
	return a.Sub(o).Cross(b.Sub(o))
}

func onSegment(pt, a, b r2.Point) bool {
	seg := b.Sub(a)
	length := seg.Norm()
	if length == 0 {
		return pt.Sub(a).Norm() <= boundaryEps
	}
	if math.Abs(cross(a, b, pt))/length > boundaryEps*math.Max(1, length) {
		return false
	}
	return pt.X >= math.Min(a.X, b.X)-boundaryEps && pt.X <= math.Max(a.X, b.X)+boundaryEps &&
		pt.Y >= math.Min(a.Y, b.Y)-boundaryEps && pt.Y <= math.Max(a.Y, b.Y)+boundaryEps
}

func segmentsIntersect(a, b, c, d r2.Point) bool {
	d1 := cross(c, d, a)
	d2 := cross(c, d, b)
	d3 := cross(a, b, c)
	d4 := cross(a, b, d)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return onSegment(a, c, d) || onSegment(b, c, d) || onSegment(c, a, b) || onSegment(d, a, b)
}

// firstCrossing returns the first pair of non-adjacent edges that touch.
func firstCrossing(v []r2.Point) (int, int, bool) {
	n := len(v)
	for i := 0; i < n; i++ {
		if v[i] == v[(i+1)%n] {
			return i, i, true
		}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(v[i], v[(i+1)%n], v[j], v[(j+1)%n]) {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}
