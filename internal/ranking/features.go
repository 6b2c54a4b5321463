package ranking

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// ErrInvalidPatchMode indicates a tile without three colour channels.
var ErrInvalidPatchMode = errors.New("patch is not 3-channel")

// PatchModeError carries the offending tile index and its channel count.
type PatchModeError struct {
	Index    int
	Channels int
}

func (e *PatchModeError) Error() string {
	return fmt.Sprintf("invalid patch mode: tile %d has %d channels, want 3", e.Index, e.Channels)
}

func (e *PatchModeError) Unwrap() error { return ErrInvalidPatchMode }

// FeatureDim is the length of a tile feature vector.
const FeatureDim = 3

// Channels reports how many colour channels an image model carries.
// Alpha is not counted.
func Channels(img image.Image) int {
	switch img.(type) {
	case *image.Gray, *image.Gray16, *image.Alpha, *image.Alpha16, *image.Paletted:
		return 1
	case *image.CMYK:
		return 4
	default:
		return 3
	}
}

// Histogram returns 256-bin counts for the red, green and blue channels.
func Histogram(img image.Image) [FeatureDim][256]int {
	var h [FeatureDim][256]int
	b := img.Bounds()
	if src, ok := img.(*image.NRGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := src.PixOffset(b.Min.X, y)
			for x := b.Min.X; x < b.Max.X; x++ {
				h[0][src.Pix[off]]++
				h[1][src.Pix[off+1]]++
				h[2][src.Pix[off+2]]++
				off += 4
			}
		}
		return h
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			h[0][r>>8]++
			h[1][g>>8]++
			h[2][bl>>8]++
		}
	}
	return h
}

// EntropyFromHistogram returns the Shannon entropy in bits of a histogram.
// Empty bins contribute nothing; an empty histogram has zero entropy.
func EntropyFromHistogram(hist []int) float64 {
	total := 0
	for _, c := range hist {
		total += c
	}
	if total == 0 {
		return 0
	}
	var e float64
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		e -= p * math.Log2(p)
	}
	return e
}

// FeatureVector returns the per-channel entropies of a 3-channel patch.
func FeatureVector(patch image.Image) ([]float64, error) {
	if n := Channels(patch); n != FeatureDim {
		return nil, &PatchModeError{Index: -1, Channels: n}
	}
	return featureVector(patch), nil
}

func featureVector(patch image.Image) []float64 {
	h := Histogram(patch)
	out := make([]float64, FeatureDim)
	for c := range h {
		out[c] = EntropyFromHistogram(h[c][:])
	}
	return out
}
