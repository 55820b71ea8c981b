// Package render draws detection overlays onto camera frames.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/golang/geo/r2"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/dj-oyu/coop-density/mapping-server/pkg/types"
)

var (
	BoxColor      = color.RGBA{R: 0, G: 220, B: 0, A: 255}
	ROIColor      = color.RGBA{R: 30, G: 90, B: 255, A: 255}
	IncludedColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	ExcludedColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	TextColor     = color.White
	LabelBG       = color.RGBA{A: 170}
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Canvas wraps a drawing context sized to the frame.
type Canvas struct {
	dc    *gg.Context
	scale float64 // Line and text scale relative to a 640px wide frame
}

// NewCanvas copies img into a new drawing surface.
func NewCanvas(img image.Image) *Canvas {
	dc := gg.NewContextForImage(img)
	scale := float64(dc.Width()) / 640
	if scale < 1 {
		scale = 1
	}
	return &Canvas{dc: dc, scale: scale}
}

// Image returns the drawn result.
func (c *Canvas) Image() image.Image {
	return c.dc.Image()
}

// Polygon strokes a closed outline through the vertices.
func (c *Canvas) Polygon(vertices []r2.Point, col color.Color, width float64) {
	if len(vertices) < 2 {
		return
	}
	c.dc.NewSubPath()
	c.dc.MoveTo(vertices[0].X, vertices[0].Y)
	for _, v := range vertices[1:] {
		c.dc.LineTo(v.X, v.Y)
	}
	c.dc.ClosePath()
	c.dc.SetColor(col)
	c.dc.SetLineWidth(width * c.scale)
	c.dc.Stroke()
}

// Box strokes a detection rectangle.
func (c *Canvas) Box(b types.Box, col color.Color, width float64) {
	c.dc.DrawRectangle(b.X1, b.Y1, b.X2-b.X1, b.Y2-b.Y1)
	c.dc.SetColor(col)
	c.dc.SetLineWidth(width * c.scale)
	c.dc.Stroke()
}

// Dot fills a small circle.
func (c *Canvas) Dot(p r2.Point, col color.Color, radius float64) {
	c.dc.DrawCircle(p.X, p.Y, radius*c.scale)
	c.dc.SetColor(col)
	c.dc.Fill()
}

// Label writes text on a dark plate with its top-left corner at (x, y).
func (c *Canvas) Label(text string, x, y, size float64) {
	c.dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: size * c.scale}))
	w, h := c.dc.MeasureString(text)
	pad := 3 * c.scale
	if y < 0 {
		y = 0
	}
	c.dc.SetColor(LabelBG)
	c.dc.DrawRectangle(x, y, w+2*pad, h+2*pad)
	c.dc.Fill()
	c.dc.SetColor(TextColor)
	c.dc.DrawStringAnchored(text, x+pad, y+pad, 0, 1)
}

// Preview draws boxes and the region of interest for the live view.
func Preview(img image.Image, dets []types.Detection, roi []r2.Point) image.Image {
	c := NewCanvas(img)
	c.Polygon(roi, ROIColor, 2)
	for _, d := range dets {
		c.Box(d.Box, BoxColor, 2)
		c.Label(fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence), d.Box.X1, d.Box.Y1-18*c.scale, 11)
	}
	return c.Image()
}

// Mark is one detection placed on the mapping snapshot.
type Mark struct {
	Detection types.Detection
	Included  bool
}

// Snapshot draws the mapping view: every box, its floor anchor colored by
// region membership, the region outline, and a header line.
func Snapshot(img image.Image, marks []Mark, roi []r2.Point, header string) image.Image {
	c := NewCanvas(img)
	c.Polygon(roi, ROIColor, 2)
	for _, m := range marks {
		col := ExcludedColor
		if m.Included {
			col = IncludedColor
		}
		c.Box(m.Detection.Box, BoxColor, 2)
		c.Dot(m.Detection.Anchor(), col, 5)
	}
	if header != "" {
		c.Label(header, 8*c.scale, 8*c.scale, 14)
	}
	return c.Image()
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteJPEG encodes img into path.
func WriteJPEG(path string, img image.Image, quality int) error {
	data, err := EncodeJPEG(img, quality)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}
