package renderer

import (
	"image"
	"image/color"
	"math"

	"github.com/srwiley/rasterx"
)

const (
	// ReferenceWidth is the overlay's native width in its own coordinate space.
	ReferenceWidth = 261.0

	verticalSquash    = 0.7
	landscapeSquash   = 0.8
	bandHeightPerUnit = 20.0
)

// BandColor fills the header band reserved above the overlay on portrait and
// square targets.
var BandColor = color.RGBA{R: 53, G: 57, B: 63, A: 255}

// Placement describes where the overlay lands on a target of a given size.
// It depends only on the target width and height.
type Placement struct {
	Width, Height int

	Scale         float64 // horizontal scale, also the upper bound for vertical scale
	AspectRatio   float64
	VerticalScale float64
	OffsetY       int
	Band          image.Rectangle // empty for landscape targets
}

// NewPlacement computes the overlay geometry for a width×height target.
// Callers must reject non-positive sizes before getting here.
func NewPlacement(width, height int) Placement {
	scale := float64(width) / ReferenceWidth
	aspect := float64(width) / float64(height)

	p := Placement{
		Width:         width,
		Height:        height,
		Scale:         scale,
		AspectRatio:   aspect,
		VerticalScale: scale * verticalSquash,
	}

	if aspect > 1.0 {
		p.VerticalScale *= landscapeSquash
		p.VerticalScale /= aspect
	} else {
		p.OffsetY = int(scale * bandHeightPerUnit)
		p.Band = image.Rect(0, 0, width, p.OffsetY)
	}
	return p
}

// Portrait reports whether the target gets a header band.
func (p Placement) Portrait() bool {
	return p.AspectRatio <= 1.0
}

// ScaleY is the effective vertical scale of the overlay.
func (p Placement) ScaleY() float64 {
	return math.Min(p.Scale, p.VerticalScale)
}

// Transform maps overlay user space (after the viewBox origin shift) onto the
// target canvas.
func (p Placement) Transform(viewX, viewY float64) rasterx.Matrix2D {
	return rasterx.Identity.
		Translate(0, float64(p.OffsetY)).
		Scale(p.Scale, p.ScaleY()).
		Translate(-viewX, -viewY)
}
