package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ivlev/gifrelay/internal/effects"
	"github.com/ivlev/gifrelay/internal/source"
	"github.com/ivlev/gifrelay/internal/video"
)

var ErrNoFrames = errors.New("no decodable frames")

// Pipeline decodes an image, applies an Effect to every frame on a bounded
// pool of goroutines and encodes the frames back in their original order.
type Pipeline struct {
	Effect    effects.Effect
	Encoder   video.Encoder
	Workers   int
	ShowStats bool

	// Limits bounds what a single input may decode to.
	Limits source.Limits
}

func NewPipeline(eff effects.Effect, enc video.Encoder, workers int) *Pipeline {
	return &Pipeline{
		Effect:  eff,
		Encoder: enc,
		Workers: workers,
	}
}

// Result is an encoded animation plus how many frames went into it.
type Result struct {
	Data        []byte
	ContentType string
	Frames      int
	Skipped     int
	Stats       Stats
}

// Stats holds the wall time spent in each pipeline stage.
type Stats struct {
	Decode    time.Duration
	Composite time.Duration
	Encode    time.Duration
	Total     time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("decode %.3fs | composite %.3fs | encode %.3fs | total %.3fs",
		s.Decode.Seconds(), s.Composite.Seconds(), s.Encode.Seconds(), s.Total.Seconds())
}

// Process runs the whole pipeline on data. contentType decides between the
// animated and the still decoder.
func (p *Pipeline) Process(ctx context.Context, data []byte, contentType string) (*Result, error) {
	startTime := time.Now()

	src, err := source.Open(data, contentType, p.Limits)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	defer src.Close()
	decodeEnd := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if src.FrameCount() == 0 {
		return nil, fmt.Errorf("%w: %d frames skipped", ErrNoFrames, src.Skipped())
	}

	frames, err := p.composite(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("composite: %w", err)
	}
	compositeEnd := time.Now()

	var buf bytes.Buffer
	if err := p.Encoder.Encode(&buf, frames); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	encodeEnd := time.Now()

	res := &Result{
		Data:        buf.Bytes(),
		ContentType: p.Encoder.ContentType(),
		Frames:      len(frames),
		Skipped:     src.Skipped(),
		Stats: Stats{
			Decode:    decodeEnd.Sub(startTime),
			Composite: compositeEnd.Sub(decodeEnd),
			Encode:    encodeEnd.Sub(compositeEnd),
			Total:     encodeEnd.Sub(startTime),
		},
	}

	if p.ShowStats {
		log.Printf("[*] %d frames (%d skipped), %d bytes | %s", res.Frames, res.Skipped, len(res.Data), res.Stats)
	}
	return res, nil
}

// composite applies the effect to every frame. Results land in the slot of
// their source index, so completion order never leaks into the output.
func (p *Pipeline) composite(ctx context.Context, src source.Source) ([]source.Frame, error) {
	n := src.FrameCount()
	results := make([]source.Frame, n)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers(n))

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() (err error) {
			defer func() {
				if v := recover(); v != nil {
					err = fmt.Errorf("frame %d: panic: %v", i, v)
				}
			}()
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := src.Frame(i)
			if err != nil {
				return err
			}
			img, err := p.Effect.Apply(f.Image)
			if err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
			results[i] = source.Frame{Image: img, Delay: f.Delay}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pipeline) workers(frames int) int {
	n := p.Workers
	if n < 1 {
		n = 1
	}
	if n > frames {
		n = frames
	}
	return n
}
