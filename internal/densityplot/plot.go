// Package densityplot renders the floor grid with per-cell counts as a PNG.
package densityplot

import (
	"fmt"
	"image/color"
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/dj-oyu/coop-density/mapping-server/internal/density"
)

var (
	background = color.RGBA{R: 245, G: 245, B: 245, A: 255} // whitesmoke
	gridLine   = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	overColor  = color.RGBA{R: 230, G: 40, B: 40, A: 140}
	pointColor = color.RGBA{R: 200, G: 0, B: 0, A: 255}
)

// Input is everything drawn on one plot.
type Input struct {
	Grid       density.Grid
	Counts     density.Counts
	Points     []r2.Point
	MaxDensity float64
	Title      string
}

// Render builds the plot without writing it.
func Render(in Input) (*plot.Plot, error) {
	g := in.Grid
	p := plot.New()
	p.Title.Text = in.Title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.BackgroundColor = background

	peak := 0.0
	for _, n := range in.Counts {
		peak = math.Max(peak, g.Density(n))
	}

	xys := make(plotter.XYs, 0, g.Cols*g.Rows)
	labels := make([]string, 0, g.Cols*g.Rows)
	for row := 0; row < g.Rows; row++ {
		for col := 0; col < g.Cols; col++ {
			cell := density.Cell{Col: col, Row: row}
			n := in.Counts[cell]
			d := g.Density(n)

			x0 := float64(col) * g.CellWidth
			y0 := float64(row) * g.CellHeight
			x1 := math.Min(x0+g.CellWidth, g.Width)
			y1 := math.Min(y0+g.CellHeight, g.Height)

			poly, err := plotter.NewPolygon(plotter.XYs{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}})
			if err != nil {
				return nil, fmt.Errorf("cell %s: %w", cell.Key(), err)
			}
			poly.LineStyle.Color = gridLine
			poly.LineStyle.Width = vg.Points(0.8)
			poly.LineStyle.Dashes = []vg.Length{vg.Points(3), vg.Points(3)}
			if d > in.MaxDensity {
				poly.Color = overColor
			} else {
				poly.Color = shade(d, peak)
			}
			p.Add(poly)

			xys = append(xys, plotter.XY{X: (x0 + x1) / 2, Y: (y0 + y1) / 2})
			labels = append(labels, fmt.Sprintf("%d\n(%.1f/m²)", n, d))
		}
	}

	border, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: g.Width, Y: 0}, {X: g.Width, Y: g.Height}, {X: 0, Y: g.Height}, {X: 0, Y: 0}})
	if err != nil {
		return nil, err
	}
	border.LineStyle.Width = vg.Points(1.5)
	p.Add(border)

	if len(in.Points) > 0 {
		pts := make(plotter.XYs, len(in.Points))
		for i, pt := range in.Points {
			pts[i] = plotter.XY{X: pt.X, Y: pt.Y}
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Color = pointColor
		sc.GlyphStyle.Radius = vg.Points(2.5)
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(sc)
	}

	lbl, err := plotter.NewLabels(plotter.XYLabels{XYs: xys, Labels: labels})
	if err != nil {
		return nil, err
	}
	for i := range lbl.TextStyle {
		lbl.TextStyle[i].XAlign = text.XCenter
		lbl.TextStyle[i].YAlign = text.YCenter
		lbl.TextStyle[i].Font.Size = vg.Points(9)
	}
	p.Add(lbl)

	p.X.Min, p.X.Max = 0, g.Width
	p.Y.Min, p.Y.Max = 0, g.Height
	return p, nil
}

// Save renders the plot to a PNG at path. The short side is 6 inches.
func Save(in Input, path string) error {
	p, err := Render(in)
	if err != nil {
		return err
	}
	w, h := 6*vg.Inch, 6*vg.Inch
	if in.Grid.Width > in.Grid.Height {
		w = vg.Length(float64(h) * in.Grid.Width / in.Grid.Height)
	} else if in.Grid.Height > in.Grid.Width {
		h = vg.Length(float64(w) * in.Grid.Height / in.Grid.Width)
	}
	if err := p.Save(w, h+vg.Inch, path); err != nil {
		return fmt.Errorf("save density plot: %w", err)
	}
	return nil
}

// shade maps a density to a pale blue ramp, darker for busier cells.
func shade(d, peak float64) color.Color {
	if peak <= 0 || d <= 0 {
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}
	}
	t := math.Min(d/peak, 1)
	return color.RGBA{
		R: uint8(255 - 120*t),
		G: uint8(255 - 70*t),
		B: 255,
		A: 255,
	}
}
