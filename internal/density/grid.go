// Package density buckets floor positions into a fixed grid and flags cells
// whose occupancy exceeds a limit.
package density

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r2"

	"github.com/dj-oyu/coop-density/mapping-server/internal/geometry"
)

// ErrBadGrid is returned for non-positive or non-finite grid dimensions.
var ErrBadGrid = errors.New("invalid grid dimensions")

// Cell identifies one grid square by column (x) and row (y).
type Cell struct {
	Col int `json:"grid_x"`
	Row int `json:"grid_y"`
}

// Key is the "col_row" form used in stored records.
func (c Cell) Key() string {
	return fmt.Sprintf("%d_%d", c.Col, c.Row)
}

// Grid partitions the monitored floor rectangle [0,Width]x[0,Height] meters.
type Grid struct {
	Width      float64
	Height     float64
	CellWidth  float64
	CellHeight float64
	Cols       int
	Rows       int
}

// NewGrid returns a grid with ceil(Width/CellWidth) columns and
// ceil(Height/CellHeight) rows.
func NewGrid(width, height, cellWidth, cellHeight float64) (Grid, error) {
	for _, v := range []float64{width, height, cellWidth, cellHeight} {
		if !(v > 0) || math.IsInf(v, 0) {
			return Grid{}, fmt.Errorf("%w: area %gx%g, cell %gx%g", ErrBadGrid, width, height, cellWidth, cellHeight)
		}
	}
	return Grid{
		Width:      width,
		Height:     height,
		CellWidth:  cellWidth,
		CellHeight: cellHeight,
		Cols:       max(1, int(math.Ceil(width/cellWidth-1e-9))),
		Rows:       max(1, int(math.Ceil(height/cellHeight-1e-9))),
	}, nil
}

// CellArea is the area of one cell in square meters.
func (g Grid) CellArea() float64 {
	return g.CellWidth * g.CellHeight
}

// Density converts a cell count to objects per square meter.
func (g Grid) Density(count int) float64 {
	return float64(count) / g.CellArea()
}

// Clamp limits p to the floor rectangle.
func (g Grid) Clamp(p r2.Point) r2.Point {
	return geometry.Clamp(p, g.Width, g.Height)
}

// CellOf returns the cell containing p by floor division. Points on the far
// edge belong to the last column or row so every clamped point has a cell.
func (g Grid) CellOf(p r2.Point) Cell {
	col := int(math.Floor(p.X / g.CellWidth))
	row := int(math.Floor(p.Y / g.CellHeight))
	return Cell{Col: clampIndex(col, g.Cols), Row: clampIndex(row, g.Rows)}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Counts maps each occupied cell to its number of points. Empty cells are absent.
type Counts map[Cell]int

// Total is the number of points across all cells.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Keyed returns the counts keyed by Cell.Key.
func (c Counts) Keyed() map[string]int {
	out := make(map[string]int, len(c))
	for cell, n := range c {
		out[cell.Key()] = n
	}
	return out
}

// Sorted returns occupied cells in row-major order.
func (c Counts) Sorted() []Cell {
	cells := make([]Cell, 0, len(c))
	for cell := range c {
		cells = append(cells, cell)
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Row != cells[j].Row {
			return cells[i].Row < cells[j].Row
		}
		return cells[i].Col < cells[j].Col
	})
	return cells
}

// Aggregate clamps and buckets every point.
func (g Grid) Aggregate(points []r2.Point) Counts {
	counts := make(Counts)
	for _, p := range points {
		counts[g.CellOf(g.Clamp(p))]++
	}
	return counts
}

// Alert is a cell whose density is strictly above the limit.
type Alert struct {
	Cell    Cell    `json:"cell"`
	Count   int     `json:"count"`
	Density float64 `json:"density"`
}

// Evaluate checks every cell of the grid, occupied or not, and returns the
// cells with density > maxDensity in row-major order.
func (g Grid) Evaluate(counts Counts, maxDensity float64) []Alert {
	var alerts []Alert
	for row := 0; row < g.Rows; row++ {
		for col := 0; col < g.Cols; col++ {
			cell := Cell{Col: col, Row: row}
			n := counts[cell]
			d := g.Density(n)
			if d > maxDensity {
				alerts = append(alerts, Alert{Cell: cell, Count: n, Density: d})
			}
		}
	}
	return alerts
}
