// Package extract retrieves decoded high-magnification frames for a set of
// frame descriptors and classifies each one as tissue or background.
package extract

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"iter"
	"log/slog"
	"math"
	"runtime/debug"

	"github.com/minipath/server/internal/cache"
	"github.com/minipath/server/internal/foreground"
	"github.com/minipath/server/internal/magnification"
)

// ErrMemoryBudget marks a full decode that would exceed the memory budget.
// It selects the decode-by-id strategy and is never returned to callers.
var ErrMemoryBudget = errors.New("full frame buffer exceeds memory budget")

// FrameSource is a multi-frame image that can be decoded whole or by id.
type FrameSource interface {
	SeriesUID() string
	FrameCount() int
	EstimatedBufferBytes() int64
	DecodeAll() ([]image.Image, error)
	DecodeFrame(id int) (image.Image, error)
}

// FrameCache stores encoded frames between requests.
type FrameCache interface {
	GetFrame(key string) ([]byte, bool)
	SetFrame(key string, data []byte) error
}

// Strategy names how frames are decoded.
type Strategy int

const (
	// FullBuffer decodes every frame once and indexes by id.
	FullBuffer Strategy = iota
	// ByID decodes only the requested frames, in any order.
	ByID
)

func (s Strategy) String() string {
	if s == FullBuffer {
		return "full_buffer"
	}
	return "by_id"
}

// Frame is a decoded frame with its position and foreground flag.
type Frame struct {
	magnification.FrameDescriptor
	Image      *image.NRGBA `json:"-"`
	Foreground bool         `json:"foreground"`
}

// Config controls extraction.
type Config struct {
	// MemoryBudgetBytes caps the full-buffer strategy. Zero uses the
	// runtime soft memory limit.
	MemoryBudgetBytes int64
	Classifier        foreground.Classifier
}

// Extractor yields frames from a FrameSource.
type Extractor struct {
	cfg    Config
	cache  FrameCache
	logger *slog.Logger
}

// NewExtractor creates an extractor. frames may be nil.
func NewExtractor(cfg Config, frames FrameCache, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Classifier == (foreground.Classifier{}) {
		cfg.Classifier = foreground.Default()
	}
	return &Extractor{cfg: cfg, cache: frames, logger: logger}
}

// Budget returns the effective memory budget in bytes.
func (e *Extractor) Budget() int64 {
	if e.cfg.MemoryBudgetBytes > 0 {
		return e.cfg.MemoryBudgetBytes
	}
	return debug.SetMemoryLimit(-1)
}

// ChooseStrategy picks the decode strategy for src before any allocation.
func (e *Extractor) ChooseStrategy(src FrameSource) (Strategy, error) {
	estimate, budget := src.EstimatedBufferBytes(), e.Budget()
	if budget != math.MaxInt64 && estimate > budget {
		return ByID, fmt.Errorf("%w: need %d bytes, budget %d", ErrMemoryBudget, estimate, budget)
	}
	return FullBuffer, nil
}

// Extract yields one Frame per descriptor, in the given order. A descriptor
// that cannot be decoded yields its error; frames yielded before it remain
// valid and iteration continues with the next descriptor. The sequence is
// single-use.
func (e *Extractor) Extract(ctx context.Context, src FrameSource, descriptors []magnification.FrameDescriptor) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		strategy, reason := e.ChooseStrategy(src)
		if reason != nil {
			e.logger.Warn("falling back to decode-by-id", "series_uid", src.SeriesUID(), "reason", reason)
		}
		e.logger.Debug("extracting frames", "series_uid", src.SeriesUID(), "frames", len(descriptors), "strategy", strategy)

		var (
			buffer    []image.Image
			bufferErr error
			loaded    bool
		)
		decode := func(id int) (image.Image, error) {
			if strategy == ByID {
				return src.DecodeFrame(id)
			}
			if !loaded {
				buffer, bufferErr = src.DecodeAll()
				loaded = true
				if bufferErr != nil {
					// One missing unit should not cost the rest of the frames.
					e.logger.Warn("full decode failed, decoding by id", "series_uid", src.SeriesUID(), "err", bufferErr)
					strategy = ByID
					return src.DecodeFrame(id)
				}
			}
			if id < 0 || id >= len(buffer) {
				return src.DecodeFrame(id)
			}
			return buffer[id], nil
		}

		for _, d := range descriptors {
			if err := ctx.Err(); err != nil {
				yield(Frame{}, err)
				return
			}
			img, err := e.frameImage(src, d.ID, decode)
			if err != nil {
				if !yield(Frame{FrameDescriptor: d}, err) {
					return
				}
				continue
			}
			frame := Frame{
				FrameDescriptor: d,
				Image:           img,
				Foreground:      e.cfg.Classifier.IsForeground(img),
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

// Collect drains Extract, keeping foreground frames. It stops at the first
// error and returns the frames gathered so far along with it.
func (e *Extractor) Collect(ctx context.Context, src FrameSource, descriptors []magnification.FrameDescriptor) ([]Frame, error) {
	var out []Frame
	for frame, err := range e.Extract(ctx, src, descriptors) {
		if err != nil {
			return out, err
		}
		if frame.Foreground {
			out = append(out, frame)
		}
	}
	return out, nil
}

func (e *Extractor) frameImage(src FrameSource, id int, decode func(int) (image.Image, error)) (*image.NRGBA, error) {
	key := cache.FrameKey(src.SeriesUID(), id)
	if e.cache != nil {
		if data, ok := e.cache.GetFrame(key); ok {
			if img, err := unmarshalFrame(data); err == nil {
				return img, nil
			}
		}
	}

	decoded, err := decode(id)
	if err != nil {
		return nil, err
	}
	img := toNRGBA(decoded)

	if e.cache != nil {
		if err := e.cache.SetFrame(key, marshalFrame(img)); err != nil {
			e.logger.Debug("frame not cached", "key", key, "err", err)
		}
	}
	return img, nil
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) && n.Stride == 4*n.Rect.Dx() {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// marshalFrame encodes width and height followed by the NRGBA pixels.
func marshalFrame(img *image.NRGBA) []byte {
	b := img.Bounds()
	out := make([]byte, 8, 8+len(img.Pix))
	binary.LittleEndian.PutUint32(out[0:4], uint32(b.Dx()))
	binary.LittleEndian.PutUint32(out[4:8], uint32(b.Dy()))
	return append(out, img.Pix...)
}

func unmarshalFrame(data []byte) (*image.NRGBA, error) {
	if len(data) < 8 {
		return nil, errors.New("short frame blob")
	}
	w := int(binary.LittleEndian.Uint32(data[0:4]))
	h := int(binary.LittleEndian.Uint32(data[4:8]))
	if len(data)-8 != w*h*4 {
		return nil, fmt.Errorf("frame blob has %d bytes, want %d", len(data)-8, w*h*4)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	copy(img.Pix, data[8:])
	return img, nil
}
