package slide

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chai2010/webp"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff"

	"github.com/minipath/server/internal/magnification"
)

// Writer creates a slide store one frame at a time.
type Writer struct {
	basePath string
	metadata Metadata
	encoder  *zstd.Encoder
}

// Create initialises an empty store at basePath. The metadata must describe
// a grid whose frame count matches NumberOfFrames.
func Create(basePath string, md Metadata) (*Writer, error) {
	if md.Codec == "" {
		md.Codec = CodecRawZstd
	}
	if md.SamplesPerPixel == 0 {
		md.SamplesPerPixel = 3
	}
	if err := checkSamples(md.SamplesPerPixel); err != nil {
		return nil, err
	}
	if _, err := magnification.BuildFrameGrid(md.Geometry()); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(basePath, "f"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(basePath, MetadataFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", MetadataFile, err)
	}

	w := &Writer{basePath: basePath, metadata: md}
	if md.Codec == CodecRawZstd {
		w.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	return w, nil
}

// WriteFrame encodes img as frame id. The image must match the frame size.
func (w *Writer) WriteFrame(id int, img image.Image) error {
	md := w.metadata
	if id < 0 || id >= md.NumberOfFrames {
		return &FrameNotFoundError{SeriesUID: md.SeriesInstanceUID, ID: id, Count: md.NumberOfFrames}
	}
	b := img.Bounds()
	if b.Dx() != md.Columns || b.Dy() != md.Rows {
		return &ShapeError{
			FrameID:  id,
			Samples:  md.SamplesPerPixel,
			Length:   b.Dx() * b.Dy() * md.SamplesPerPixel,
			Expected: md.Rows * md.Columns * md.SamplesPerPixel,
		}
	}

	unit, err := w.encode(img)
	if err != nil {
		return fmt.Errorf("failed to encode frame %d: %w", id, err)
	}
	if err := os.WriteFile(filepath.Join(w.basePath, "f", strconv.Itoa(id)), unit, 0o644); err != nil {
		return fmt.Errorf("failed to write frame %d: %w", id, err)
	}
	return nil
}

// WriteMosaic cuts img into frames row-major and writes each one.
// Frames extending past the image edge are padded with zero pixels.
func (w *Writer) WriteMosaic(img image.Image) error {
	md := w.metadata
	_, gridCols, err := magnification.GridSize(md.Geometry())
	if err != nil {
		return err
	}
	origin := img.Bounds().Min
	for id := 0; id < md.NumberOfFrames; id++ {
		row, col := id/gridCols, id%gridCols
		r := image.Rect(0, 0, md.Columns, md.Rows).Add(origin).Add(image.Pt(col*md.Columns, row*md.Rows))
		frame := image.NewNRGBA(image.Rect(0, 0, md.Columns, md.Rows))
		draw.Draw(frame, frame.Bounds(), img, r.Min, draw.Src)
		if err := w.WriteFrame(id, frame); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the encoder.
func (w *Writer) Close() error {
	if w.encoder != nil {
		return w.encoder.Close()
	}
	return nil
}

func (w *Writer) encode(img image.Image) ([]byte, error) {
	switch w.metadata.Codec {
	case CodecRawZstd:
		return w.encoder.EncodeAll(rawSamples(img, w.metadata.SamplesPerPixel), nil), nil
	case CodecPNG:
		var buf bytes.Buffer
		err := (&png.Encoder{CompressionLevel: png.BestSpeed}).Encode(&buf, img)
		return buf.Bytes(), err
	case CodecJPEG:
		var buf bytes.Buffer
		err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
		return buf.Bytes(), err
	case CodecWebP:
		var buf bytes.Buffer
		err := webp.Encode(&buf, img, &webp.Options{Lossless: true})
		return buf.Bytes(), err
	case CodecTIFF:
		var buf bytes.Buffer
		err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
		return buf.Bytes(), err
	default:
		return nil, fmt.Errorf("unsupported codec %q", w.metadata.Codec)
	}
}

// rawSamples flattens img into interleaved 8-bit samples.
func rawSamples(img image.Image, samples int) []byte {
	b := img.Bounds()
	if samples == 1 {
		gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
		return gray.Pix
	}

	nrgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, b.Min, draw.Src)
	if samples == 4 {
		return nrgba.Pix
	}
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for i := 0; i < len(nrgba.Pix); i += 4 {
		out = append(out, nrgba.Pix[i], nrgba.Pix[i+1], nrgba.Pix[i+2])
	}
	return out
}
