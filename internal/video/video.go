package video

import (
	"errors"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"io"
	"time"

	"github.com/ivlev/gifrelay/internal/source"
)

// MaxDelayCentiseconds is the largest delay a GIF frame can carry.
const MaxDelayCentiseconds = 1<<16 - 1

var ErrNoFrames = errors.New("no frames to encode")

type Encoder interface {
	Encode(w io.Writer, frames []source.Frame) error
	ContentType() string
}

// GIFEncoder writes an infinitely looping GIF. Colors are mapped onto a fixed
// palette without dithering, trading size and fidelity for speed.
type GIFEncoder struct{}

// OutputPalette is the web-safe cube plus a gray ramp, with the last entry
// reserved for transparency.
var OutputPalette = buildPalette()

func buildPalette() color.Palette {
	p := make(color.Palette, 0, 256)
	p = append(p, palette.WebSafe...)
	for i := 1; len(p) < 255; i++ {
		v := uint8(i * 255 / 40)
		p = append(p, color.RGBA{v, v, v, 0xff})
	}
	return append(p, color.RGBA{})
}

func (e *GIFEncoder) ContentType() string { return "image/gif" }

func (e *GIFEncoder) Encode(w io.Writer, frames []source.Frame) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}

	g := &gif.GIF{
		Image:     make([]*image.Paletted, 0, len(frames)),
		Delay:     make([]int, 0, len(frames)),
		Disposal:  make([]byte, 0, len(frames)),
		LoopCount: 0,
	}

	var screen image.Rectangle
	for _, f := range frames {
		b := f.Image.Bounds()
		pm := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), OutputPalette)
		draw.Draw(pm, pm.Rect, f.Image, b.Min, draw.Src)

		g.Image = append(g.Image, pm)
		g.Delay = append(g.Delay, DelayToCentiseconds(f.Delay))
		// Every frame is a complete picture; clearing keeps transparent
		// regions from showing the previous frame.
		g.Disposal = append(g.Disposal, gif.DisposalBackground)
		screen = screen.Union(pm.Rect)
	}

	g.Config = image.Config{
		ColorModel: OutputPalette,
		Width:      screen.Dx(),
		Height:     screen.Dy(),
	}
	return gif.EncodeAll(w, g)
}

// DelayToCentiseconds rounds d to GIF delay units, clamping to [0, MaxDelayCentiseconds].
func DelayToCentiseconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	cs := (d + 5*time.Millisecond) / (10 * time.Millisecond)
	if cs > MaxDelayCentiseconds {
		return MaxDelayCentiseconds
	}
	return int(cs)
}
