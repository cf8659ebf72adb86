package imgcmp

import (
	"image"

	"golang.org/x/image/draw"
)

// resample scales src to the target rectangle using bilinear interpolation.
//
// Bilinear is the documented, deterministic choice: the same source bytes
// always produce the same resampled pixels, and it is smooth enough that a
// one-pixel canvas difference from the generation service does not register
// as structural drift.
func resample(src *image.Gray, target image.Rectangle) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, target.Dx(), target.Dy()))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
