package imgcmp

import (
	"image"
	"math"
	"math/bits"
	"sort"
)

// pHash parameters: downsample to a 32×32 grid, DCT, keep the 8×8
// low-frequency block, binarise by median → 64-bit hash.
const (
	phashGrid = 32
	phashLow  = 8
)

// cosTable[k][n] = cos((2n+1)·k·π/64), precomputed once for the 32-point DCT.
var cosTable = func() [phashGrid][phashGrid]float64 {
	var t [phashGrid][phashGrid]float64
	for k := 0; k < phashGrid; k++ {
		for n := 0; n < phashGrid; n++ {
			t[k][n] = math.Cos(float64(2*n+1) * float64(k) * math.Pi / float64(2*phashGrid))
		}
	}
	return t
}()

// phash computes the 64-bit DCT perceptual hash of a grayscale image.
// Deterministic: fixed grid, fixed transform order, stable median split.
func phash(img *image.Gray) uint64 {
	small := resample(img, image.Rect(0, 0, phashGrid, phashGrid))

	var px [phashGrid][phashGrid]float64
	b := small.Bounds()
	for y := 0; y < phashGrid; y++ {
		row := small.PixOffset(b.Min.X, b.Min.Y+y)
		for x := 0; x < phashGrid; x++ {
			px[y][x] = float64(small.Pix[row+x])
		}
	}

	// Separable 2D DCT-II: rows, then columns.
	var rows [phashGrid][phashGrid]float64
	for y := 0; y < phashGrid; y++ {
		for k := 0; k < phashGrid; k++ {
			var sum float64
			for n := 0; n < phashGrid; n++ {
				sum += px[y][n] * cosTable[k][n]
			}
			rows[y][k] = sum
		}
	}
	var freq [phashLow][phashLow]float64
	for k := 0; k < phashLow; k++ {
		for u := 0; u < phashLow; u++ {
			var sum float64
			for n := 0; n < phashGrid; n++ {
				sum += rows[n][u] * cosTable[k][n]
			}
			freq[k][u] = sum
		}
	}

	coeffs := make([]float64, 0, phashLow*phashLow)
	for k := 0; k < phashLow; k++ {
		for u := 0; u < phashLow; u++ {
			coeffs = append(coeffs, freq[k][u])
		}
	}
	med := median(coeffs)

	var hash uint64
	for i, c := range coeffs {
		if c > med {
			hash |= 1 << uint(i)
		}
	}
	return hash
}

// hammingDistance counts differing bits between two hashes.
func hammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
