package system

import (
	"image/color"
	"testing"
)

func TestWorkerCount(t *testing.T) {
	if got := WorkerCount(3); got != 3 {
		t.Errorf("Expected configured value 3, got %d", got)
	}
	if got := WorkerCount(0); got < 1 {
		t.Errorf("Expected at least one worker, got %d", got)
	}
}

func TestImagePoolReturnsClearedBuffers(t *testing.T) {
	p := NewImagePool()

	img := p.Get(4, 3)
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 3 {
		t.Fatalf("Unexpected bounds %v", img.Bounds())
	}
	img.SetRGBA(1, 1, color.RGBA{R: 255, A: 255})
	p.Put(img)

	for i := 0; i < 10; i++ {
		again := p.Get(4, 3)
		for j, v := range again.Pix {
			if v != 0 {
				t.Fatalf("Buffer not cleared at byte %d", j)
			}
		}
		p.Put(again)
	}
}

func TestImagePoolSeparatesSizes(t *testing.T) {
	p := NewImagePool()
	a := p.Get(2, 2)
	p.Put(a)
	b := p.Get(3, 3)
	if b.Bounds().Dx() != 3 {
		t.Errorf("Expected 3x3 buffer, got %v", b.Bounds())
	}
}
