package imgcmp

import (
	"image"
	"image/color"
)

// SSIM stabilising constants at 8-bit dynamic range: C1=(K1*L)^2, C2=(K2*L)^2
// with K1=0.01, K2=0.03, L=255.
const (
	ssimC1 = 6.5025
	ssimC2 = 58.5225
)

// Uniform box window. The window slides by ssimStride and the final row and
// column of windows are clamped to the image edge, so every pixel is covered.
const (
	ssimWindow = 8
	ssimStride = 4
)

// toGray converts an image to 8-bit luminance using the BT.601 weights.
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// 16-bit components scaled down to 8-bit.
			luma := (299*(r>>8) + 587*(g>>8) + 114*(bl>>8)) / 1000
			gray.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: uint8(luma)})
		}
	}
	return gray
}

// ssim computes the mean structural similarity of two equally-sized
// grayscale images over sliding uniform windows. Exactly 1.0 for identical
// inputs; symmetric in its arguments by construction.
func ssim(a, b *image.Gray) float64 {
	w := a.Bounds().Dx()
	h := a.Bounds().Dy()
	if w == 0 || h == 0 {
		return 1.0
	}

	winW := min(ssimWindow, w)
	winH := min(ssimWindow, h)
	xs := windowStarts(w, winW)
	ys := windowStarts(h, winH)

	var total float64
	for _, y0 := range ys {
		for _, x0 := range xs {
			total += ssimWindowTerm(a, b, x0, y0, winW, winH)
		}
	}
	return total / float64(len(xs)*len(ys))
}

// windowStarts returns the window start offsets along one axis: every
// ssimStride pixels, with the last window clamped to end at the edge.
func windowStarts(n, win int) []int {
	if n <= win {
		return []int{0}
	}
	var starts []int
	last := n - win
	for s := 0; s < last; s += ssimStride {
		starts = append(starts, s)
	}
	return append(starts, last)
}

func ssimWindowTerm(a, b *image.Gray, x0, y0, winW, winH int) float64 {
	ab := a.Bounds()
	bb := b.Bounds()
	n := float64(winW * winH)

	var sumA, sumB float64
	for y := 0; y < winH; y++ {
		rowA := a.PixOffset(ab.Min.X+x0, ab.Min.Y+y0+y)
		rowB := b.PixOffset(bb.Min.X+x0, bb.Min.Y+y0+y)
		for x := 0; x < winW; x++ {
			sumA += float64(a.Pix[rowA+x])
			sumB += float64(b.Pix[rowB+x])
		}
	}
	muA := sumA / n
	muB := sumB / n

	var varA, varB, cov float64
	for y := 0; y < winH; y++ {
		rowA := a.PixOffset(ab.Min.X+x0, ab.Min.Y+y0+y)
		rowB := b.PixOffset(bb.Min.X+x0, bb.Min.Y+y0+y)
		for x := 0; x < winW; x++ {
			da := float64(a.Pix[rowA+x]) - muA
			db := float64(b.Pix[rowB+x]) - muB
			varA += da * da
			varB += db * db
			cov += da * db
		}
	}
	varA /= n
	varB /= n
	cov /= n

	num := (2*muA*muB + ssimC1) * (2*cov + ssimC2)
	den := (muA*muA + muB*muB + ssimC1) * (varA + varB + ssimC2)
	return num / den
}
