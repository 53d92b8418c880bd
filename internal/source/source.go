package source

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"github.com/ivlev/gifrelay/internal/effects"
)

const (
	// MaxCanvasPixels bounds the decoded canvas. Larger inputs are rejected
	// before any pixel buffer is allocated.
	MaxCanvasPixels = 4096 * 4096

	// DefaultMaxDecodedPixels bounds canvas area times frame count for one input.
	DefaultMaxDecodedPixels = 1 << 27
)

var (
	ErrUndecodable  = errors.New("undecodable image")
	ErrCanvasTooBig = errors.New("image canvas too large")
	ErrFrameIndex   = errors.New("frame index out of range")
)

// Frame is one fully composed picture and how long it stays on screen.
type Frame struct {
	Image *image.RGBA
	Delay time.Duration
}

// Source is a decoded, ordered frame sequence.
type Source interface {
	FrameCount() int
	Frame(index int) (Frame, error)
	// Skipped is the number of frames dropped because they failed to decode.
	Skipped() int
	Close() error
}

// Limits bounds the memory and work a single input may cost.
type Limits struct {
	// MaxDecodedPixels caps the canvas area summed over every frame.
	// 0 means DefaultMaxDecodedPixels.
	MaxDecodedPixels int64
	// MaxDimension shrinks retained frames to fit a square of this size.
	// 0 keeps frames at full size.
	MaxDimension int
}

func (l Limits) budget() int64 {
	if l.MaxDecodedPixels > 0 {
		return l.MaxDecodedPixels
	}
	return DefaultMaxDecodedPixels
}

// checkDecoded rejects inputs whose frames would compose more pixels than
// the budget allows. It runs before any frame is decoded.
func (l Limits) checkDecoded(w, h, frames int) error {
	total := int64(w) * int64(h) * int64(frames)
	if total > l.budget() {
		return fmt.Errorf("%w: %d frames of %dx%d exceed %d decoded pixels",
			ErrCanvasTooBig, frames, w, h, l.budget())
	}
	return nil
}

// retain returns a copy of img that is safe to keep, shrunk to MaxDimension
// with nearest-neighbour sampling when it is larger.
func (l Limits) retain(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	w, h := effects.FitWithin(b.Dx(), b.Dy(), l.MaxDimension)
	if w == b.Dx() && h == b.Dy() {
		return cloneRGBA(img)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Open decodes data as an animation when contentType names GIF and as a
// single still image otherwise.
func Open(data []byte, contentType string, lim Limits) (Source, error) {
	if IsAnimated(contentType) {
		return NewGIFSource(data, lim)
	}
	return NewStaticSource(data, lim)
}

// IsAnimated reports whether the declared content type is the animated GIF format.
func IsAnimated(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "image/gif")
}

// sequence is the in-memory Source shared by both decoders.
type sequence struct {
	frames  []Frame
	skipped int
}

func (s *sequence) FrameCount() int { return len(s.frames) }

func (s *sequence) Frame(index int) (Frame, error) {
	if index < 0 || index >= len(s.frames) {
		return Frame{}, fmt.Errorf("%w: %d of %d", ErrFrameIndex, index, len(s.frames))
	}
	return s.frames[index], nil
}

func (s *sequence) Skipped() int { return s.skipped }

func (s *sequence) Close() error {
	s.frames = nil
	return nil
}

func checkCanvas(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: empty canvas %dx%d", ErrUndecodable, w, h)
	}
	if w*h > MaxCanvasPixels {
		return fmt.Errorf("%w: %dx%d", ErrCanvasTooBig, w, h)
	}
	return nil
}
