// Package magnification maps low-magnification tile boxes onto the frame grid
// of a paired high-magnification image.
package magnification

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrFrameCountMismatch indicates the frame grid disagrees with the declared frame count.
	ErrFrameCountMismatch = errors.New("frame count mismatch")
	// ErrInvalidSpacing indicates a pixel spacing that cannot produce a scaling factor.
	ErrInvalidSpacing = errors.New("invalid pixel spacing")
	// ErrInvalidGeometry indicates non-positive frame or matrix dimensions.
	ErrInvalidGeometry = errors.New("invalid frame geometry")
)

// FrameCountError reports the expected and declared frame counts.
type FrameCountError struct {
	GridRows int
	GridCols int
	Expected int
	Actual   int
}

func (e *FrameCountError) Error() string {
	return fmt.Sprintf("frame count mismatch: grid %dx%d expects %d frames, image declares %d",
		e.GridRows, e.GridCols, e.Expected, e.Actual)
}

func (e *FrameCountError) Unwrap() error { return ErrFrameCountMismatch }

// GridGeometry is the subset of image metadata needed to lay out frames.
type GridGeometry struct {
	Rows           int // per-frame rows
	Columns        int // per-frame columns
	TotalRows      int // total pixel matrix rows
	TotalColumns   int // total pixel matrix columns
	NumberOfFrames int
}

// FrameDescriptor locates one frame within the full pixel matrix.
type FrameDescriptor struct {
	ID     int `json:"frame"`
	RowMin int `json:"row_min"`
	RowMax int `json:"row_max"`
	ColMin int `json:"col_min"`
	ColMax int `json:"col_max"`
}

// PixelRange is an axis-aligned box in a single resolution's pixel coordinates.
type PixelRange struct {
	XMin int `json:"x_min"`
	XMax int `json:"x_max"`
	YMin int `json:"y_min"`
	YMax int `json:"y_max"`
}

// ScalingFactor returns floor(low/high). Both spacings must be positive and
// finite, and the high-magnification spacing must not exceed the low one.
func ScalingFactor(lowSpacing, highSpacing float64) (int, error) {
	for _, s := range []float64{lowSpacing, highSpacing} {
		if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return 0, fmt.Errorf("%w: %v", ErrInvalidSpacing, s)
		}
	}
	factor := int(math.Floor(lowSpacing / highSpacing))
	if factor < 1 {
		return 0, fmt.Errorf("%w: high-magnification spacing %v is coarser than low-magnification spacing %v",
			ErrInvalidSpacing, highSpacing, lowSpacing)
	}
	return factor, nil
}

// GridSize returns the number of frame rows and columns covering the matrix.
func GridSize(g GridGeometry) (rows, cols int, err error) {
	if g.Rows <= 0 || g.Columns <= 0 || g.TotalRows <= 0 || g.TotalColumns <= 0 {
		return 0, 0, fmt.Errorf("%w: frame %dx%d, matrix %dx%d",
			ErrInvalidGeometry, g.Rows, g.Columns, g.TotalRows, g.TotalColumns)
	}
	return ceilDiv(g.TotalRows, g.Rows), ceilDiv(g.TotalColumns, g.Columns), nil
}

// BuildFrameGrid lays out frame descriptors row-major starting at id 0.
func BuildFrameGrid(g GridGeometry) ([]FrameDescriptor, error) {
	gridRows, gridCols, err := GridSize(g)
	if err != nil {
		return nil, err
	}
	if gridRows*gridCols != g.NumberOfFrames {
		return nil, &FrameCountError{
			GridRows: gridRows,
			GridCols: gridCols,
			Expected: gridRows * gridCols,
			Actual:   g.NumberOfFrames,
		}
	}

	frames := make([]FrameDescriptor, 0, gridRows*gridCols)
	id := 0
	for row := 0; row < gridRows; row++ {
		for col := 0; col < gridCols; col++ {
			frames = append(frames, FrameDescriptor{
				ID:     id,
				RowMin: row * g.Rows,
				RowMax: row*g.Rows + g.Rows,
				ColMin: col * g.Columns,
				ColMax: col*g.Columns + g.Columns,
			})
			id++
		}
	}
	return frames, nil
}

// BoxForTile returns the low-magnification box covered by a tile.
func BoxForTile(x, y, width, height int) PixelRange {
	return PixelRange{XMin: x, XMax: x + width, YMin: y, YMax: y + height}
}

// ScaleBox multiplies every bound by the integer scaling factor.
func ScaleBox(box PixelRange, factor int) PixelRange {
	return PixelRange{
		XMin: box.XMin * factor,
		XMax: box.XMax * factor,
		YMin: box.YMin * factor,
		YMax: box.YMax * factor,
	}
}

// Intersects reports whether the frame overlaps r. Touching edges count.
func (f FrameDescriptor) Intersects(r PixelRange) bool {
	return r.XMin <= f.ColMax && r.XMax >= f.ColMin &&
		r.YMin <= f.RowMax && r.YMax >= f.RowMin
}

// IntersectingFrames returns the frames overlapping r, or every frame when matchAll is set.
func IntersectingFrames(grid []FrameDescriptor, r PixelRange, matchAll bool) []FrameDescriptor {
	var out []FrameDescriptor
	for _, f := range grid {
		if matchAll || f.Intersects(r) {
			out = append(out, f)
		}
	}
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
