// Package render draws ranking overlays and encodes frames using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"sync"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/minipath/server/internal/ranking"
	"github.com/minipath/server/pkg/colormap"
)

// Output formats.
const (
	FormatPNG  = "png"
	FormatWebP = "webp"
)

// Config contains renderer configuration.
type Config struct {
	// CellSize is the side of one ranking tile on the overlay, in pixels.
	CellSize int
	// GridCells is the number of tiles per side for pooled canvases.
	GridCells       int
	DefaultColormap string
}

// OverlayRenderer draws cluster overlays on top of a slide thumbnail.
type OverlayRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewOverlayRenderer creates a new overlay renderer.
func NewOverlayRenderer(cfg Config) *OverlayRenderer {
	if cfg.CellSize <= 0 {
		cfg.CellSize = 16
	}
	if cfg.GridCells <= 0 {
		cfg.GridCells = 32
	}
	if _, ok := colormap.Lookup(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = "categorical"
	}
	side := cfg.CellSize * cfg.GridCells
	return &OverlayRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(side, side)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// Overlay describes what to draw.
type Overlay struct {
	Base      image.Image
	Result    *ranking.Result
	GridCells int
	Colormap  string
	Format    string
}

// Render draws every tile tinted by cluster label, the tile grid, and a
// labelled box around each exemplar showing its diversity rank.
func (r *OverlayRenderer) Render(o Overlay) ([]byte, error) {
	if o.Result == nil {
		return nil, fmt.Errorf("overlay needs a ranking result")
	}
	cells := o.GridCells
	if cells <= 0 {
		cells = r.config.GridCells
	}
	cell := float64(r.config.CellSize)
	side := r.config.CellSize * cells

	var dc *gg.Context
	if cells == r.config.GridCells {
		dc = r.contextPool.Get().(*gg.Context)
		defer r.contextPool.Put(dc)
	} else {
		dc = gg.NewContext(side, side)
	}

	dc.SetColor(color.White)
	dc.Clear()
	if o.Base != nil {
		dc.DrawImage(imaging.Resize(o.Base, side, side, imaging.Linear), 0, 0)
	}

	cmap, ok := colormap.Lookup(o.Colormap)
	if !ok {
		cmap, _ = colormap.Lookup(r.config.DefaultColormap)
	}

	for _, t := range o.Result.Tiles {
		if t.Label < 0 {
			continue
		}
		x, y := float64(t.Index%cells)*cell, float64(t.Index/cells)*cell
		dc.SetColor(colormap.WithAlpha(labelColor(cmap, t.Label, o.Result.NClusters), 90))
		dc.DrawRectangle(x, y, cell, cell)
		dc.Fill()
	}

	dc.SetRGBA(0, 0, 0, 0.2)
	dc.SetLineWidth(1)
	for i := 0; i <= cells; i++ {
		p := float64(i) * cell
		dc.DrawLine(p, 0, p, float64(side))
		dc.DrawLine(0, p, float64(side), p)
	}
	dc.Stroke()

	rank := make(map[int]int, len(o.Result.Ordering))
	for pos, idx := range o.Result.Ordering {
		rank[idx] = pos
	}
	for label, idx := range o.Result.Exemplars {
		x, y := float64(idx%cells)*cell, float64(idx/cells)*cell
		dc.SetColor(labelColor(cmap, label, o.Result.NClusters))
		dc.SetLineWidth(3)
		dc.DrawRectangle(x+1.5, y+1.5, cell-3, cell-3)
		dc.Stroke()

		dc.SetColor(color.Black)
		dc.DrawStringAnchored(strconv.Itoa(rank[idx]), x+cell/2, y+cell/2, 0.5, 0.5)
	}

	return r.encode(dc.Image(), o.Format)
}

// EncodeFrame encodes a decoded frame in the requested format.
func (r *OverlayRenderer) EncodeFrame(img image.Image, format string) ([]byte, error) {
	return r.encode(img, format)
}

func labelColor(cmap colormap.Colormap, label, n int) color.Color {
	if _, categorical := cmap.(colormap.CategoricalColormap); categorical || n <= 1 {
		return cmap.AtIndex(label)
	}
	return cmap.At(float64(label) / float64(n-1))
}

func (r *OverlayRenderer) encode(img image.Image, format string) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	switch format {
	case FormatWebP:
		if err := webp.Encode(buf, img, &webp.Options{Quality: 90}); err != nil {
			return nil, err
		}
	case FormatPNG, "":
		// Use fast PNG encoder
		encoder := png.Encoder{CompressionLevel: png.BestSpeed}
		if err := encoder.Encode(buf, img); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported image format %q", format)
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
