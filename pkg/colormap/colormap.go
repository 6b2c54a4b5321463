// Package colormap provides color schemes for slide overlays.
package colormap

import (
	"image/color"
	"sort"
)

// Colormap maps normalized values [0, 1] or integer labels to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap interpolates between evenly spaced stops.
type LinearColormap struct {
	stops []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 {
		return c.stops[0]
	}
	if t >= 1 {
		return c.stops[len(c.stops)-1]
	}

	pos := t * float64(len(c.stops)-1)
	lo := int(pos)
	hi := min(lo+1, len(c.stops)-1)
	return lerp(c.stops[lo], c.stops[hi], pos-float64(lo))
}

// AtIndex returns stop i, wrapping around. Negative labels wrap too.
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.stops[wrap(i, len(c.stops))]
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(a.R) + t*(float64(b.R)-float64(a.R))),
		G: uint8(float64(a.G) + t*(float64(b.G)-float64(a.G))),
		B: uint8(float64(a.B) + t*(float64(b.B)-float64(a.B))),
		A: 255,
	}
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	stops: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Magma colormap
var Magma = LinearColormap{
	stops: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

// CategoricalColormap gives each cluster label its own color.
type CategoricalColormap struct {
	colors []color.RGBA
}

// At returns the color for the label nearest to t scaled over the palette.
func (c CategoricalColormap) At(t float64) color.Color {
	idx := int(t * float64(len(c.colors)))
	return c.colors[max(0, min(idx, len(c.colors)-1))]
}

// AtIndex returns the color of label i.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	return c.colors[wrap(i, len(c.colors))]
}

// Len is the number of distinct colors before labels repeat.
func (c CategoricalColormap) Len() int { return len(c.colors) }

// Categorical is the 20-color tab20 palette, dark shades first.
var Categorical = CategoricalColormap{
	colors: []color.RGBA{
		{31, 119, 180, 255},
		{255, 127, 14, 255},
		{44, 160, 44, 255},
		{214, 39, 40, 255},
		{148, 103, 189, 255},
		{140, 86, 75, 255},
		{227, 119, 194, 255},
		{127, 127, 127, 255},
		{188, 189, 34, 255},
		{23, 190, 207, 255},
		{174, 199, 232, 255},
		{255, 187, 120, 255},
		{152, 223, 138, 255},
		{255, 152, 150, 255},
		{197, 176, 213, 255},
		{196, 156, 148, 255},
		{247, 182, 210, 255},
		{199, 199, 199, 255},
		{219, 219, 141, 255},
		{158, 218, 229, 255},
	},
}

var registry = map[string]Colormap{
	"viridis":     Viridis,
	"magma":       Magma,
	"categorical": Categorical,
}

// Lookup returns the named colormap.
func Lookup(name string) (Colormap, bool) {
	c, ok := registry[name]
	return c, ok
}

// Names lists the registered colormaps.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// WithAlpha returns c as non-premultiplied color with alpha a.
func WithAlpha(c color.Color, a uint8) color.NRGBA {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	n.A = a
	return n
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
