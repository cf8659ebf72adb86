package imgcmp

import (
	"image"
	"image/color"
	"math"
	"testing"
)

// sheet draws a synthetic design sheet: a light background with dark panel
// outlines, distinct enough that SSIM and pHash have structure to latch onto.
func sheet(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(200 + (x+y)%40)
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	// Panel outlines.
	for _, r := range []image.Rectangle{
		image.Rect(8, 8, w/2-8, h-8),
		image.Rect(w/2+8, 8, w-8, h-8),
	} {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Set(x, r.Min.Y, color.RGBA{20, 20, 20, 255})
			img.Set(x, r.Max.Y-1, color.RGBA{20, 20, 20, 255})
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.Set(r.Min.X, y, color.RGBA{20, 20, 20, 255})
			img.Set(r.Max.X-1, y, color.RGBA{20, 20, 20, 255})
		}
	}
	return img
}

// scribble overwrites a rectangle with noise-like content.
func scribble(img *image.RGBA, r image.Rectangle) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 7 % 256), uint8(y * 13 % 256), 40, 255})
		}
	}
}

func twoPanelRegions(w, h int) RegionMap {
	return RegionMap{
		"panel-west": {X: 0, Y: 0, W: w / 2, H: h},
		"panel-east": {X: w / 2, Y: 0, W: w - w/2, H: h},
	}
}

func TestCompare_Reflexive(t *testing.T) {
	img := sheet(128, 96)
	r := Compare(img, img, twoPanelRegions(128, 96))

	if r.GlobalSSIM != 1.0 {
		t.Errorf("self SSIM = %v, want exactly 1.0", r.GlobalSSIM)
	}
	if r.GlobalPHashDistance != 0 {
		t.Errorf("self pHash distance = %d, want 0", r.GlobalPHashDistance)
	}
	for name, m := range r.PerRegion {
		if m.SSIM != 1.0 || m.PHashDistance != 0 {
			t.Errorf("region %s: metrics %+v, want identical", name, m)
		}
	}
}

func TestCompare_Symmetric(t *testing.T) {
	a := sheet(128, 96)
	b := sheet(128, 96)
	scribble(b, image.Rect(70, 10, 120, 80))

	ab := Compare(a, b, nil)
	ba := Compare(b, a, nil)
	if ab.GlobalSSIM != ba.GlobalSSIM {
		t.Errorf("SSIM asymmetric: %v vs %v", ab.GlobalSSIM, ba.GlobalSSIM)
	}
	if ab.GlobalPHashDistance != ba.GlobalPHashDistance {
		t.Errorf("pHash asymmetric: %d vs %d", ab.GlobalPHashDistance, ba.GlobalPHashDistance)
	}
}

func TestCompare_Deterministic(t *testing.T) {
	a := sheet(100, 100)
	b := sheet(100, 100)
	scribble(b, image.Rect(10, 10, 50, 50))
	regions := twoPanelRegions(100, 100)

	first := Compare(a, b, regions)
	for i := 0; i < 5; i++ {
		again := Compare(a, b, regions)
		if again.GlobalSSIM != first.GlobalSSIM || again.GlobalPHashDistance != first.GlobalPHashDistance {
			t.Fatalf("global metrics changed on run %d", i)
		}
		for name := range regions {
			if again.PerRegion[name] != first.PerRegion[name] {
				t.Fatalf("region %s changed on run %d", name, i)
			}
		}
	}
}

func TestCompare_LocalisedDrift(t *testing.T) {
	ref := sheet(128, 96)
	cand := sheet(128, 96)
	// Corrupt only the east panel.
	scribble(cand, image.Rect(72, 12, 116, 84))

	r := Compare(ref, cand, twoPanelRegions(128, 96))

	west := r.PerRegion["panel-west"]
	east := r.PerRegion["panel-east"]
	if west.SSIM < 0.99 {
		t.Errorf("untouched panel SSIM = %v, want ~1", west.SSIM)
	}
	if east.SSIM >= west.SSIM {
		t.Errorf("scribbled panel SSIM %v not below untouched %v", east.SSIM, west.SSIM)
	}
	if east.SSIM > 0.9 {
		t.Errorf("scribbled panel SSIM = %v, expected heavy drift", east.SSIM)
	}
}

func TestCompare_BlackCandidate(t *testing.T) {
	ref := sheet(128, 96)
	black := image.NewRGBA(image.Rect(0, 0, 128, 96))
	for y := 0; y < 96; y++ {
		for x := 0; x < 128; x++ {
			black.Set(x, y, color.RGBA{0, 0, 0, 255})
		}
	}

	r := Compare(ref, black, twoPanelRegions(128, 96))
	if r.GlobalSSIM > 0.1 {
		t.Errorf("black candidate global SSIM = %v, want near zero", r.GlobalSSIM)
	}
	for name, m := range r.PerRegion {
		if m.SSIM > 0.1 {
			t.Errorf("region %s SSIM = %v against black, want near zero", name, m.SSIM)
		}
	}
}

func TestCompare_ResamplesDimensionMismatch(t *testing.T) {
	ref := sheet(128, 96)
	cand := sheet(130, 98) // slightly different canvas

	r := Compare(ref, cand, nil)
	// Content is near-identical once resampled; a metric far from 1 would
	// indicate the resample path is broken.
	if r.GlobalSSIM < 0.6 {
		t.Errorf("resampled near-identical SSIM = %v, want high", r.GlobalSSIM)
	}
	if math.IsNaN(r.GlobalSSIM) {
		t.Error("SSIM is NaN after resample")
	}
}

func TestCompare_RegionOutsideCanvas(t *testing.T) {
	img := sheet(64, 64)
	r := Compare(img, img, RegionMap{"ghost": {X: 500, Y: 500, W: 10, H: 10}})
	m := r.PerRegion["ghost"]
	if m.SSIM != 1.0 || m.PHashDistance != 0 {
		t.Errorf("out-of-canvas region = %+v, want identical metrics", m)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	img := sheet(32, 32)
	data, err := Encode(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !back.Bounds().Size().Eq(img.Bounds().Size()) {
		t.Errorf("round-trip size %v != %v", back.Bounds().Size(), img.Bounds().Size())
	}
	if _, err := Decode([]byte("not a png")); err == nil {
		t.Error("Decode accepted garbage")
	}
}

func TestPHash_Shift(t *testing.T) {
	a := toGray(sheet(96, 96))
	inverted := image.NewGray(image.Rect(0, 0, 96, 96))
	for i, p := range a.Pix {
		inverted.Pix[i] = 255 - p
	}
	d := hammingDistance(phash(a), phash(inverted))
	if d == 0 {
		t.Error("inverted image has pHash distance 0")
	}
}
