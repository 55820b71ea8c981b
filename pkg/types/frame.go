package types

import (
	"image"
	"time"

	"github.com/disintegration/imaging"
)

// Frame is one decoded camera image with capture metadata
type Frame struct {
	Image     image.Image // Decoded pixels
	Timestamp time.Time   // Capture timestamp
	Seq       uint64      // Sequential frame number assigned by the source
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
}

// NewFrame wraps an image with the current time and its bounds
func NewFrame(img image.Image, seq uint64, ts time.Time) *Frame {
	b := img.Bounds()
	return &Frame{
		Image:     img,
		Timestamp: ts,
		Seq:       seq,
		Width:     b.Dx(),
		Height:    b.Dy(),
	}
}

// Clone returns a deep copy whose pixels share no memory with f
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := *f
	if f.Image != nil {
		out.Image = imaging.Clone(f.Image)
	}
	return &out
}
