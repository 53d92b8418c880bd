package source

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// StaticSource holds exactly one frame with no display delay.
type StaticSource struct {
	sequence
	format string
}

// NewStaticSource decodes a still image, detecting the format from its bytes.
// An animated input decodes to its first frame.
func NewStaticSource(data []byte, lim Limits) (*StaticSource, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if err := checkCanvas(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	if err := lim.checkDecoded(cfg.Width, cfg.Height, 1); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUndecodable, format, err)
	}

	return &StaticSource{
		sequence: sequence{frames: []Frame{{Image: shrink(toRGBA(img), lim)}}},
		format:   format,
	}, nil
}

// Format is the name the image package registered the decoder under.
func (s *StaticSource) Format() string { return s.format }

func shrink(img *image.RGBA, lim Limits) *image.RGBA {
	b := img.Bounds()
	if lim.MaxDimension <= 0 || (b.Dx() <= lim.MaxDimension && b.Dy() <= lim.MaxDimension) {
		return img
	}
	return lim.retain(img)
}

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba
	}
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
