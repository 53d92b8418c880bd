package effects

import (
	"errors"
	"fmt"
	"image"
	stddraw "image/draw"
	"math"

	"golang.org/x/image/draw"

	"github.com/ivlev/gifrelay/internal/renderer"
	"github.com/ivlev/gifrelay/internal/system"
)

var ErrEmptyFrame = errors.New("frame has no area")

// Effect turns one decoded frame into a new RGBA frame. Implementations must
// be safe for concurrent use on distinct frames.
type Effect interface {
	Apply(img image.Image) (*image.RGBA, error)
}

// OverlayEffect draws the overlay on top of a frame, shrinking frames larger
// than MaxDimension first so the overlay is only rendered at the final size.
type OverlayEffect struct {
	Overlay      *renderer.Overlay
	MaxDimension int
}

func NewOverlayEffect(o *renderer.Overlay, maxDimension int) *OverlayEffect {
	return &OverlayEffect{Overlay: o, MaxDimension: maxDimension}
}

func (e *OverlayEffect) Apply(img image.Image) (*image.RGBA, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrEmptyFrame, b.Dx(), b.Dy())
	}

	w, h := FitWithin(b.Dx(), b.Dy(), e.MaxDimension)
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	if w != b.Dx() || h != b.Dy() {
		draw.NearestNeighbor.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	} else {
		stddraw.Draw(out, out.Bounds(), img, b.Min, stddraw.Src)
	}

	layer := system.GetImage(w, h)
	defer system.PutImage(layer)
	if err := e.Overlay.RenderInto(layer); err != nil {
		return nil, err
	}
	stddraw.Draw(out, out.Bounds(), layer, image.Point{}, stddraw.Over)
	return out, nil
}

// FitWithin returns the size of a w×h image scaled down to fit a limit×limit box
// with its aspect ratio kept. Sizes already inside the box are returned as is.
func FitWithin(w, h, limit int) (int, int) {
	if limit <= 0 || (w <= limit && h <= limit) {
		return w, h
	}
	ratio := math.Min(float64(limit)/float64(w), float64(limit)/float64(h))
	nw := int(math.Round(float64(w) * ratio))
	nh := int(math.Round(float64(h) * ratio))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	if nw > limit {
		nw = limit
	}
	if nh > limit {
		nh = limit
	}
	return nw, nh
}
