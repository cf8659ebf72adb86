// Package imgcmp computes structural similarity between two raster images,
// globally and per named region.
//
// Two metrics are produced for every comparison: SSIM on the luminance
// channel (1.0 = structurally identical) and a 64-bit DCT perceptual hash
// compared by Hamming distance (0 = perceptually identical). The gate in
// package drift consumes both: SSIM catches structural change, pHash
// catches global tone/texture shifts SSIM can be blind to.
//
// Everything in this package is deterministic: byte-identical inputs yield
// bit-identical reports. Per-region metrics are computed in parallel but
// assembled in a fixed order, so concurrency never changes results.
package imgcmp

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"
	"time"
)

// Region is a named rectangle in reference-image pixel coordinates.
type Region struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// RegionMap names the rectangular panels of a design sheet
// (e.g. "elevation-north" → its bounding box).
type RegionMap map[string]Region

// Metrics holds the similarity scores for one image pair or region.
type Metrics struct {
	SSIM          float64 `json:"ssim"`
	PHashDistance int     `json:"phash_distance"`
}

// Report is the full comparison result. Produced fresh for every comparison
// and attached to the design version it judged; never persisted standalone.
type Report struct {
	GlobalSSIM          float64            `json:"global_ssim"`
	GlobalPHashDistance int                `json:"global_phash_distance"`
	PerRegion           map[string]Metrics `json:"per_region"`
	Timestamp           time.Time          `json:"timestamp"`
}

// Decode decodes PNG bytes into an image. The generation service and the
// artifact store both traffic in PNG.
func Decode(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imgcmp: decode png: %w", err)
	}
	return img, nil
}

// Encode encodes an image to PNG bytes.
func Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("imgcmp: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Compare computes global and per-region similarity between reference and
// candidate. If the candidate's dimensions differ from the reference's, the
// candidate is resampled (bilinear, documented in resample.go) to the
// reference's dimensions first; generative services may return a slightly
// different canvas rather than failing the request.
func Compare(reference, candidate image.Image, regions RegionMap) Report {
	ref := toGray(reference)
	cand := toGray(candidate)
	if !ref.Bounds().Size().Eq(cand.Bounds().Size()) {
		cand = resample(cand, ref.Bounds())
	}

	report := Report{
		GlobalSSIM:          ssim(ref, cand),
		GlobalPHashDistance: hammingDistance(phash(ref), phash(cand)),
		PerRegion:           make(map[string]Metrics, len(regions)),
		Timestamp:           time.Now().UTC(),
	}

	// Regions are independent: compute them in parallel and assemble into
	// the map afterwards so goroutine scheduling cannot affect the report.
	names := make([]string, 0, len(regions))
	for name := range regions {
		names = append(names, name)
	}
	results := make([]Metrics, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, r Region) {
			defer wg.Done()
			results[i] = compareRegion(ref, cand, r)
		}(i, regions[name])
	}
	wg.Wait()

	for i, name := range names {
		report.PerRegion[name] = results[i]
	}
	return report
}

func compareRegion(ref, cand *image.Gray, r Region) Metrics {
	rect := image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H).Intersect(ref.Bounds())
	if rect.Empty() {
		// A region that falls entirely outside the canvas has nothing to
		// drift. Reported as identical, mirroring how absent views are
		// skipped rather than failed.
		return Metrics{SSIM: 1.0, PHashDistance: 0}
	}
	refCrop := ref.SubImage(rect).(*image.Gray)
	candCrop := cand.SubImage(rect).(*image.Gray)
	return Metrics{
		SSIM:          ssim(refCrop, candCrop),
		PHashDistance: hammingDistance(phash(refCrop), phash(candCrop)),
	}
}
