// Package slide provides a reader for multi-frame whole-slide image stores.
//
// A store is a directory holding slide.json and one encoded unit per frame
// under f/<id>. Frames are addressed by id, so any frame can be decoded
// without touching the others.
package slide

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff"

	"github.com/minipath/server/internal/magnification"
)

// MetadataFile is the store descriptor file name.
const MetadataFile = "slide.json"

var (
	// ErrInvalidImageShape indicates decoded pixels with an unsupported layout.
	ErrInvalidImageShape = errors.New("invalid image shape")
	// ErrFrameNotFound indicates a frame id with no encoded unit.
	ErrFrameNotFound = errors.New("frame not found")
	// ErrUnknownSeries indicates a series UID absent from the catalog.
	ErrUnknownSeries = errors.New("unknown series")
)

// ShapeError describes pixel data that cannot be interpreted as a frame.
type ShapeError struct {
	FrameID  int
	Samples  int
	Length   int
	Expected int
}

func (e *ShapeError) Error() string {
	if e.Expected > 0 {
		return fmt.Sprintf("invalid image shape: frame %d has %d bytes, expected %d (%d samples per pixel)",
			e.FrameID, e.Length, e.Expected, e.Samples)
	}
	return fmt.Sprintf("invalid image shape: %d samples per pixel is not supported", e.Samples)
}

func (e *ShapeError) Unwrap() error { return ErrInvalidImageShape }

// FrameNotFoundError reports a requested frame id missing from the store.
type FrameNotFoundError struct {
	SeriesUID string
	ID        int
	Count     int
}

func (e *FrameNotFoundError) Error() string {
	return fmt.Sprintf("frame %d not found in series %s (%d frames)", e.ID, e.SeriesUID, e.Count)
}

func (e *FrameNotFoundError) Unwrap() error { return ErrFrameNotFound }

// Codec names the encoding of each frame unit.
type Codec string

const (
	CodecRawZstd Codec = "raw+zstd"
	CodecPNG     Codec = "png"
	CodecJPEG    Codec = "jpeg"
	CodecWebP    Codec = "webp"
	CodecTIFF    Codec = "tiff"
)

// Metadata describes a slide store.
type Metadata struct {
	SeriesInstanceUID       string  `json:"series_instance_uid"`
	PixelSpacing            float64 `json:"pixel_spacing"`
	Rows                    int     `json:"rows"`
	Columns                 int     `json:"columns"`
	TotalPixelMatrixRows    int     `json:"total_pixel_matrix_rows"`
	TotalPixelMatrixColumns int     `json:"total_pixel_matrix_columns"`
	NumberOfFrames          int     `json:"number_of_frames"`
	SamplesPerPixel         int     `json:"samples_per_pixel"`
	Codec                   Codec   `json:"codec"`
}

// Geometry returns the frame layout of the store.
func (m *Metadata) Geometry() magnification.GridGeometry {
	return magnification.GridGeometry{
		Rows:           m.Rows,
		Columns:        m.Columns,
		TotalRows:      m.TotalPixelMatrixRows,
		TotalColumns:   m.TotalPixelMatrixColumns,
		NumberOfFrames: m.NumberOfFrames,
	}
}

// Reader provides access to the frames of one slide store.
type Reader struct {
	basePath string
	metadata *Metadata
	decoder  *zstd.Decoder
	mu       sync.Mutex
}

// Open opens the store at basePath.
func Open(basePath string) (*Reader, error) {
	data, err := os.ReadFile(filepath.Join(basePath, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", MetadataFile, err)
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MetadataFile, err)
	}
	if md.Codec == "" {
		md.Codec = CodecRawZstd
	}
	if md.SamplesPerPixel == 0 {
		md.SamplesPerPixel = 3
	}
	if err := checkSamples(md.SamplesPerPixel); err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Reader{
		basePath: basePath,
		metadata: &md,
		decoder:  decoder,
	}, nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

// SeriesUID returns the series instance UID of the store.
func (r *Reader) SeriesUID() string {
	return r.metadata.SeriesInstanceUID
}

// FrameCount returns the declared number of frames.
func (r *Reader) FrameCount() int {
	return r.metadata.NumberOfFrames
}

// EstimatedBufferBytes is the size of every frame decoded at once.
func (r *Reader) EstimatedBufferBytes() int64 {
	md := r.metadata
	return int64(md.NumberOfFrames) * int64(md.Rows) * int64(md.Columns) * int64(bytesPerPixel(md.SamplesPerPixel))
}

// DecodeFrame decodes a single frame by id. Safe for concurrent use.
func (r *Reader) DecodeFrame(id int) (image.Image, error) {
	if id < 0 || id >= r.metadata.NumberOfFrames {
		return nil, r.notFound(id)
	}

	unit, err := os.ReadFile(filepath.Join(r.basePath, "f", strconv.Itoa(id)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, r.notFound(id)
		}
		return nil, fmt.Errorf("failed to read frame %d: %w", id, err)
	}

	if r.metadata.Codec == CodecRawZstd {
		return r.decodeRaw(id, unit)
	}
	return r.decodeEncoded(id, unit)
}

// DecodeAll decodes every frame into one buffer indexed by frame id.
func (r *Reader) DecodeAll() ([]image.Image, error) {
	frames := make([]image.Image, r.metadata.NumberOfFrames)
	for id := range frames {
		img, err := r.DecodeFrame(id)
		if err != nil {
			return nil, err
		}
		frames[id] = img
	}
	return frames, nil
}

// Mosaic stitches every frame row-major into a single grid image.
func (r *Reader) Mosaic() (image.Image, error) {
	md := r.metadata
	gridRows, gridCols, err := magnification.GridSize(md.Geometry())
	if err != nil {
		return nil, err
	}
	if gridRows*gridCols != md.NumberOfFrames {
		return nil, &magnification.FrameCountError{
			GridRows: gridRows,
			GridCols: gridCols,
			Expected: gridRows * gridCols,
			Actual:   md.NumberOfFrames,
		}
	}

	bounds := image.Rect(0, 0, gridCols*md.Columns, gridRows*md.Rows)
	var dst draw.Image
	if md.SamplesPerPixel == 1 {
		dst = image.NewGray(bounds)
	} else {
		dst = image.NewNRGBA(bounds)
	}

	for id := 0; id < md.NumberOfFrames; id++ {
		frame, err := r.DecodeFrame(id)
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame %d: %w", id, err)
		}
		row, col := id/gridCols, id%gridCols
		at := image.Pt(col*md.Columns, row*md.Rows)
		draw.Draw(dst, frame.Bounds().Sub(frame.Bounds().Min).Add(at), frame, frame.Bounds().Min, draw.Src)
	}
	return dst, nil
}

func (r *Reader) decodeRaw(id int, unit []byte) (image.Image, error) {
	raw, err := r.decoder.DecodeAll(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed for frame %d: %w", id, err)
	}

	md := r.metadata
	expected := md.Rows * md.Columns * md.SamplesPerPixel
	if len(raw) != expected {
		return nil, &ShapeError{FrameID: id, Samples: md.SamplesPerPixel, Length: len(raw), Expected: expected}
	}

	rect := image.Rect(0, 0, md.Columns, md.Rows)
	switch md.SamplesPerPixel {
	case 1:
		return &image.Gray{Pix: raw, Stride: md.Columns, Rect: rect}, nil
	case 3:
		img := image.NewNRGBA(rect)
		for i, j := 0, 0; i < len(raw); i, j = i+3, j+4 {
			img.Pix[j] = raw[i]
			img.Pix[j+1] = raw[i+1]
			img.Pix[j+2] = raw[i+2]
			img.Pix[j+3] = 255
		}
		return img, nil
	default:
		return &image.NRGBA{Pix: raw, Stride: md.Columns * 4, Rect: rect}, nil
	}
}

func (r *Reader) decodeEncoded(id int, unit []byte) (image.Image, error) {
	var (
		img image.Image
		err error
	)
	src := bytes.NewReader(unit)
	switch r.metadata.Codec {
	case CodecPNG:
		img, err = png.Decode(src)
	case CodecJPEG:
		img, err = jpeg.Decode(src)
	case CodecWebP:
		img, err = webp.Decode(src)
	case CodecTIFF:
		img, err = tiff.Decode(src)
	default:
		return nil, fmt.Errorf("unsupported codec %q", r.metadata.Codec)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s frame %d: %w", r.metadata.Codec, id, err)
	}
	if r.metadata.SamplesPerPixel == 1 {
		if g, ok := img.(*image.Gray); ok {
			return g, nil
		}
		gray := image.NewGray(img.Bounds())
		draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)
		return gray, nil
	}
	return imaging.Clone(img), nil
}

func (r *Reader) notFound(id int) error {
	return &FrameNotFoundError{SeriesUID: r.metadata.SeriesInstanceUID, ID: id, Count: r.metadata.NumberOfFrames}
}

// Close releases resources.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decoder != nil {
		r.decoder.Close()
		r.decoder = nil
	}
}

func checkSamples(samples int) error {
	switch samples {
	case 1, 3, 4:
		return nil
	default:
		return &ShapeError{FrameID: -1, Samples: samples}
	}
}

// bytesPerPixel is the in-memory footprint of a decoded pixel.
func bytesPerPixel(samples int) int {
	if samples == 1 {
		return 1
	}
	return 4
}
