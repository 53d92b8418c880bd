package source

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"log"
	"time"
)

const (
	blockExtension       = 0x21
	blockImageDescriptor = 0x2C
	blockTrailer         = 0x3B

	extGraphicControl = 0xF9

	// Packed fields of the screen and image descriptors.
	flagColorTable     = 1 << 7
	flagColorTableSize = 7
)

var errTruncated = errors.New("gif: truncated stream")

// GIFSource decodes an animated GIF one frame at a time. A frame whose image
// data fails to decode is dropped instead of failing the whole animation.
// Frames are composed onto the logical screen, so every Frame is a complete
// picture of the screen size.
type GIFSource struct {
	sequence
	total int
}

// rawFrame is a single image cut out of a GIF stream. Its slices alias the
// input; wrap turns it into a standalone one-frame GIF only when decoded.
type rawFrame struct {
	index int
	gce   []byte
	body  []byte
}

func (rf rawFrame) wrap(header []byte) []byte {
	buf := make([]byte, 0, len(header)+len(rf.gce)+len(rf.body)+1)
	buf = append(buf, header...)
	buf = append(buf, rf.gce...)
	buf = append(buf, rf.body...)
	return append(buf, blockTrailer)
}

// NewGIFSource decodes data frame by frame. The declared screen size times the
// number of frames must fit lim's decoded-pixel budget, and every composed
// frame is shrunk to lim.MaxDimension before it is kept.
func NewGIFSource(data []byte, lim Limits) (*GIFSource, error) {
	header, raw, width, height, err := splitFrames(data)
	if err != nil && len(raw) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if err != nil {
		log.Printf("[!] GIF stream damaged after %d frames: %v", len(raw), err)
	}
	if err := checkCanvas(width, height); err != nil {
		return nil, err
	}
	if err := lim.checkDecoded(width, height, len(raw)); err != nil {
		return nil, err
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	s := &GIFSource{total: len(raw)}

	var (
		saved        *image.RGBA
		prevDisposal byte
		prevRect     image.Rectangle
	)
	for _, rf := range raw {
		m, delay, disposal, err := decodeFrame(rf.wrap(header))
		if err != nil {
			log.Printf("[!] Skipping GIF frame %d: %v", rf.index, err)
			s.skipped++
			continue
		}

		switch prevDisposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, prevRect, image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			if saved != nil {
				copy(canvas.Pix, saved.Pix)
			}
		}
		if disposal == gif.DisposalPrevious {
			if saved == nil {
				saved = image.NewRGBA(canvas.Rect)
			}
			copy(saved.Pix, canvas.Pix)
		}

		draw.Draw(canvas, m.Bounds(), m, m.Bounds().Min, draw.Over)
		s.frames = append(s.frames, Frame{
			Image: lim.retain(canvas),
			Delay: DelayFromCentiseconds(delay),
		})
		prevDisposal, prevRect = disposal, m.Bounds()
	}
	return s, nil
}

// Total is the number of frames found in the stream, decodable or not.
func (s *GIFSource) Total() int { return s.total }

// DelayFromCentiseconds converts a GIF frame delay. Negative values clamp to zero.
func DelayFromCentiseconds(cs int) time.Duration {
	if cs <= 0 {
		return 0
	}
	return time.Duration(cs) * 10 * time.Millisecond
}

func decodeFrame(data []byte) (*image.Paletted, int, byte, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, err
	}
	if len(g.Image) == 0 {
		return nil, 0, 0, errors.New("gif: frame without image data")
	}

	var delay int
	var disposal byte
	if len(g.Delay) > 0 {
		delay = g.Delay[0]
	}
	if len(g.Disposal) > 0 {
		disposal = g.Disposal[0]
	}
	return g.Image[0], delay, disposal, nil
}

// splitFrames walks the block structure of a GIF and returns the header (with
// the global color table) and every image found. Walking ends at the trailer
// or at the end of data. An unknown block stops the walk; the frames found
// before it are returned together with the error. A frame cut short by the end of data is still
// returned so that decoding reports and skips it.
func splitFrames(data []byte) (header []byte, frames []rawFrame, width, height int, err error) {
	if len(data) < 13 {
		return nil, nil, 0, 0, errTruncated
	}
	if sig := string(data[:6]); sig != "GIF87a" && sig != "GIF89a" {
		return nil, nil, 0, 0, fmt.Errorf("gif: unknown signature %q", sig)
	}
	width = int(data[6]) | int(data[7])<<8
	height = int(data[8]) | int(data[9])<<8

	pos := 13
	if data[10]&flagColorTable != 0 {
		pos += colorTableLen(data[10])
	}
	if pos > len(data) {
		return nil, nil, width, height, errTruncated
	}
	header = data[:pos]

	var gce []byte
	for pos < len(data) {
		switch data[pos] {
		case blockTrailer:
			return header, frames, width, height, nil

		case blockExtension:
			if pos+1 >= len(data) {
				return header, frames, width, height, nil
			}
			end, ok := skipSubBlocks(data, pos+2)
			if !ok {
				return header, frames, width, height, nil
			}
			if data[pos+1] == extGraphicControl {
				gce = data[pos:end]
			}
			pos = end

		case blockImageDescriptor:
			start := pos
			p := pos + 10
			if p <= len(data) && data[pos+9]&flagColorTable != 0 {
				p += colorTableLen(data[pos+9])
			}
			p++ // LZW minimum code size
			end, ok := skipSubBlocks(data, p)
			frames = append(frames, rawFrame{
				index: len(frames),
				gce:   gce,
				body:  data[start:end],
			})
			gce = nil
			if !ok {
				return header, frames, width, height, nil
			}
			pos = end

		default:
			return header, frames, width, height, fmt.Errorf("gif: unknown block type 0x%.2x at offset %d", data[pos], pos)
		}
	}
	return header, frames, width, height, nil
}

func colorTableLen(flags byte) int {
	return 3 * (1 << ((flags & flagColorTableSize) + 1))
}

// skipSubBlocks returns the offset just past the zero-length terminator of
// the sub-block chain starting at p. ok is false when data ends first, in
// which case end is len(data).
func skipSubBlocks(data []byte, p int) (end int, ok bool) {
	for p < len(data) {
		n := int(data[p])
		p++
		if n == 0 {
			return p, true
		}
		p += n
	}
	return len(data), false
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}
