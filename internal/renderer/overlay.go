package renderer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"os"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

var (
	ErrInvalidOverlay = errors.New("invalid overlay document")
	ErrEmptyCanvas    = errors.New("overlay target has no area")
)

// Overlay is a validated SVG document. It is immutable and safe to share
// between goroutines.
//
// oksvg rewrites per-path matrices while drawing, so a parsed icon cannot be
// drawn from several goroutines at once. The shared value keeps the source
// bytes and every render parses its own working copy.
type Overlay struct {
	data    []byte
	viewBox struct{ X, Y, W, H float64 }
	paths   int
}

// LoadOverlay reads and validates the SVG at path.
func LoadOverlay(path string) (*Overlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overlay: %w", err)
	}
	o, err := ParseOverlay(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return o, nil
}

// ParseOverlay validates data as an SVG document with at least one drawable
// path. Unsupported elements are reported through the log and skipped.
func ParseOverlay(data []byte) (*Overlay, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data), oksvg.WarnErrorMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverlay, err)
	}
	if len(icon.SVGPaths) == 0 {
		return nil, fmt.Errorf("%w: no drawable paths", ErrInvalidOverlay)
	}

	o := &Overlay{
		data:  append([]byte(nil), data...),
		paths: len(icon.SVGPaths),
	}
	o.viewBox.X, o.viewBox.Y = icon.ViewBox.X, icon.ViewBox.Y
	o.viewBox.W, o.viewBox.H = icon.ViewBox.W, icon.ViewBox.H
	return o, nil
}

// Paths returns the number of drawable paths in the document.
func (o *Overlay) Paths() int { return o.paths }

// Render rasterizes the overlay onto a new transparent width×height canvas.
func (o *Overlay) Render(width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrEmptyCanvas, width, height)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if err := o.RenderInto(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// RenderInto clears dst and rasterizes the overlay onto it, positioned by the
// Placement for dst's size.
func (o *Overlay) RenderInto(dst *image.RGBA) error {
	b := dst.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrEmptyCanvas, b.Dx(), b.Dy())
	}
	clear(dst.Pix)

	p := NewPlacement(b.Dx(), b.Dy())
	if !p.Band.Empty() {
		draw.Draw(dst, p.Band.Add(b.Min), image.NewUniform(BandColor), image.Point{}, draw.Src)
	}

	icon, err := oksvg.ReadIconStream(bytes.NewReader(o.data), oksvg.IgnoreErrorMode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOverlay, err)
	}
	icon.Transform = p.Transform(o.viewBox.X, o.viewBox.Y)

	w, h := b.Dx(), b.Dy()
	scanner := rasterx.NewScannerGV(w, h, dst, b)
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1.0)
	return nil
}
