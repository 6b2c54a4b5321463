// Package foreground decides whether a tile shows tissue or background.
package foreground

import (
	"image"
	"image/color"
)

const (
	// DefaultThreshold is the luma at or above which a pixel counts as background.
	DefaultThreshold = 220
	// DefaultMaxBackgroundFraction is the largest background share still treated as tissue.
	DefaultMaxBackgroundFraction = 0.5
)

// Classifier thresholds luma to separate tissue from whitespace.
type Classifier struct {
	Threshold             uint8
	MaxBackgroundFraction float64
}

// Default returns a classifier with the standard threshold and fraction.
func Default() Classifier {
	return Classifier{
		Threshold:             DefaultThreshold,
		MaxBackgroundFraction: DefaultMaxBackgroundFraction,
	}
}

// IsForeground classifies img with the default classifier.
func IsForeground(img image.Image) bool {
	return Default().IsForeground(img)
}

// IsForeground reports whether at most MaxBackgroundFraction of the pixels are background.
func (c Classifier) IsForeground(img image.Image) bool {
	return c.BackgroundFraction(img) <= c.MaxBackgroundFraction
}

// BackgroundFraction returns the share of pixels whose luma is >= Threshold.
// An empty image has no background.
func (c Classifier) BackgroundFraction(img image.Image) float64 {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}

	background := 0
	switch src := img.(type) {
	case *image.NRGBA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := src.PixOffset(b.Min.X, y)
			for x := b.Min.X; x < b.Max.X; x++ {
				if luma(src.Pix[off], src.Pix[off+1], src.Pix[off+2]) >= c.Threshold {
					background++
				}
				off += 4
			}
		}
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := src.PixOffset(b.Min.X, y)
			for x := b.Min.X; x < b.Max.X; x++ {
				if src.Pix[off] >= c.Threshold {
					background++
				}
				off++
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				px := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				if luma(px.R, px.G, px.B) >= c.Threshold {
					background++
				}
			}
		}
	}
	return float64(background) / float64(total)
}

// luma uses the ITU-R 601-2 transform with rounding.
func luma(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b) + 500) / 1000)
}
