package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNotInvertible is returned for a homography with a (near) zero determinant.
	ErrNotInvertible = errors.New("homography is not invertible")
	// ErrBadShape is returned when a homography is not built from 9 values.
	ErrBadShape = errors.New("homography needs 9 values")
)

// Homography is a 3x3 projective transform from image pixels to ground plane meters.
type Homography [3][3]float64

// NewHomography builds a homography from 9 row-major values and rejects
// non-finite or singular matrices.
func NewHomography(vals []float64) (Homography, error) {
	var h Homography
	if len(vals) != 9 {
		return h, fmt.Errorf("%w: got %d", ErrBadShape, len(vals))
	}
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return h, fmt.Errorf("homography value %d is not finite", i)
		}
		h[i/3][i%3] = v
	}
	if !h.Invertible() {
		return h, ErrNotInvertible
	}
	return h, nil
}

// Identity returns the identity transform.
func Identity() Homography {
	return Homography{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func (h Homography) dense() *mat.Dense {
	return mat.NewDense(3, 3, h.Values())
}

// Values returns the matrix in row-major order.
func (h Homography) Values() []float64 {
	out := make([]float64, 0, 9)
	for _, row := range h {
		out = append(out, row[:]...)
	}
	return out
}

// Det returns the determinant.
func (h Homography) Det() float64 {
	return mat.Det(h.dense())
}

// Invertible reports whether the determinant is meaningfully non-zero
// relative to the matrix scale.
func (h Homography) Invertible() bool {
	norm := mat.Norm(h.dense(), 2)
	if norm == 0 {
		return false
	}
	return math.Abs(h.Det()) > 1e-12*norm*norm*norm
}

// Inverse returns the inverse transform (world to pixel).
func (h Homography) Inverse() (Homography, error) {
	var out Homography
	if !h.Invertible() {
		return out, ErrNotInvertible
	}
	var inv mat.Dense
	if err := inv.Inverse(h.dense()); err != nil {
		return out, fmt.Errorf("%w: %v", ErrNotInvertible, err)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = inv.At(r, c)
		}
	}
	return out, nil
}

// Apply maps p through the homography. ok is false when the point lands on
// the line at infinity and has no finite image.
func (h Homography) Apply(p r2.Point) (r2.Point, bool) {
	x := h[0][0]*p.X + h[0][1]*p.Y + h[0][2]
	y := h[1][0]*p.X + h[1][1]*p.Y + h[1][2]
	w := h[2][0]*p.X + h[2][1]*p.Y + h[2][2]
	if math.Abs(w) < 1e-12 {
		return r2.Point{}, false
	}
	out := r2.Point{X: x / w, Y: y / w}
	if math.IsNaN(out.X) || math.IsNaN(out.Y) || math.IsInf(out.X, 0) || math.IsInf(out.Y, 0) {
		return r2.Point{}, false
	}
	return out, true
}

// FromCorrespondences solves the homography that maps each src point onto the
// dst point with the same index. Exactly four pairs are used, with h33 fixed to 1.
func FromCorrespondences(src, dst []r2.Point) (Homography, error) {
	var h Homography
	if len(src) != 4 || len(dst) != 4 {
		return h, fmt.Errorf("need 4 point pairs, got %d and %d", len(src), len(dst))
	}

	if collinearTriple(src) || collinearTriple(dst) {
		return h, fmt.Errorf("%w: three of the four points are collinear", ErrNotInvertible)
	}

	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		u, v := dst[i].X, dst[i].Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return h, fmt.Errorf("solve homography: %w", err)
	}

	vals := make([]float64, 9)
	for i := 0; i < 8; i++ {
		vals[i] = sol.AtVec(i)
	}
	vals[8] = 1
	return NewHomography(vals)
}

func collinearTriple(pts []r2.Point) bool {
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			for k := j + 1; k < len(pts); k++ {
				span := math.Max(pts[j].Sub(pts[i]).Norm(), pts[k].Sub(pts[i]).Norm())
				if math.Abs(cross(pts[i], pts[j], pts[k])) <= 1e-9*math.Max(1, span*span) {
					return true
				}
			}
		}
	}
	return false
}

// Clamp limits p to the rectangle [0,w]x[0,h].
func Clamp(p r2.Point, w, h float64) r2.Point {
	return r2.Point{X: clamp(p.X, 0, w), Y: clamp(p.Y, 0, h)}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
