package extract

import (
	"context"
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"
	"time"

	"github.com/minipath/server/internal/cache"
	"github.com/minipath/server/internal/data/slide"
	"github.com/minipath/server/internal/magnification"
)

// fakeSource serves solid frames and records how it was asked for them.
type fakeSource struct {
	count      int
	size       int
	missing    map[int]bool
	white      map[int]bool
	decodeAll  int
	decodedIDs []int
}

func (f *fakeSource) SeriesUID() string { return "9.9.9" }
func (f *fakeSource) FrameCount() int  { return f.count }
func (f *fakeSource) EstimatedBufferBytes() int64 {
	return int64(f.count * f.size * f.size * 4)
}

func (f *fakeSource) frame(id int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, f.size, f.size))
	c := color.NRGBA{R: uint8(id), G: 40, B: 90, A: 255}
	if f.white[id] {
		c = color.NRGBA{255, 255, 255, 255}
	}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func (f *fakeSource) DecodeAll() ([]image.Image, error) {
	f.decodeAll++
	out := make([]image.Image, f.count)
	for id := range out {
		if f.missing[id] {
			return nil, &slide.FrameNotFoundError{SeriesUID: f.SeriesUID(), ID: id, Count: f.count}
		}
		out[id] = f.frame(id)
	}
	return out, nil
}

func (f *fakeSource) DecodeFrame(id int) (image.Image, error) {
	f.decodedIDs = append(f.decodedIDs, id)
	if id < 0 || id >= f.count || f.missing[id] {
		return nil, &slide.FrameNotFoundError{SeriesUID: f.SeriesUID(), ID: id, Count: f.count}
	}
	return f.frame(id), nil
}

func descriptors(ids ...int) []magnification.FrameDescriptor {
	out := make([]magnification.FrameDescriptor, len(ids))
	for i, id := range ids {
		out[i] = magnification.FrameDescriptor{ID: id}
	}
	return out
}

func TestChooseStrategy(t *testing.T) {
	src := &fakeSource{count: 10, size: 16} // 10 KiB

	e := NewExtractor(Config{MemoryBudgetBytes: 1 << 20}, nil, nil)
	if s, err := e.ChooseStrategy(src); s != FullBuffer || err != nil {
		t.Errorf("within budget: got %v, %v", s, err)
	}

	e = NewExtractor(Config{MemoryBudgetBytes: 1024}, nil, nil)
	s, err := e.ChooseStrategy(src)
	if s != ByID {
		t.Errorf("over budget: got %v", s)
	}
	if !errors.Is(err, ErrMemoryBudget) {
		t.Errorf("expected ErrMemoryBudget reason, got %v", err)
	}
}

func TestExtract_FullBuffer(t *testing.T) {
	src := &fakeSource{count: 6, size: 8}
	e := NewExtractor(Config{MemoryBudgetBytes: 1 << 20}, nil, nil)

	var got []int
	for frame, err := range e.Extract(context.Background(), src, descriptors(4, 1, 4)) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if frame.Image.NRGBAAt(0, 0).R != uint8(frame.ID) {
			t.Errorf("frame %d carries the wrong pixels", frame.ID)
		}
		got = append(got, frame.ID)
	}
	if len(got) != 3 || got[0] != 4 || got[1] != 1 || got[2] != 4 {
		t.Errorf("unexpected order %v", got)
	}
	if src.decodeAll != 1 || len(src.decodedIDs) != 0 {
		t.Errorf("expected one full decode, got decodeAll=%d byID=%v", src.decodeAll, src.decodedIDs)
	}
}

func TestExtract_ByIDOutOfOrder(t *testing.T) {
	src := &fakeSource{count: 6, size: 8}
	e := NewExtractor(Config{MemoryBudgetBytes: 64}, nil, nil)

	frames, err := e.Collect(context.Background(), src, descriptors(5, 0, 3))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(frames) != 3 || frames[0].ID != 5 || frames[1].ID != 0 || frames[2].ID != 3 {
		t.Fatalf("unexpected frames %+v", frames)
	}
	if src.decodeAll != 0 {
		t.Error("decode-by-id path must not decode the full buffer")
	}
	if len(src.decodedIDs) != 3 {
		t.Errorf("decoded ids %v", src.decodedIDs)
	}
}

func TestExtract_FrameNotFoundKeepsPartial(t *testing.T) {
	for _, budget := range []int64{1 << 20, 64} {
		src := &fakeSource{count: 4, size: 8, missing: map[int]bool{2: true}}
		e := NewExtractor(Config{MemoryBudgetBytes: budget}, nil, nil)

		var ok []int
		var errs []error
		for frame, err := range e.Extract(context.Background(), src, descriptors(0, 2, 3)) {
			if err != nil {
				errs = append(errs, err)
				continue
			}
			ok = append(ok, frame.ID)
		}
		if len(ok) != 2 || ok[0] != 0 || ok[1] != 3 {
			t.Errorf("budget %d: decoded %v", budget, ok)
		}
		if len(errs) != 1 {
			t.Fatalf("budget %d: expected 1 error, got %v", budget, errs)
		}
		var fnf *slide.FrameNotFoundError
		if !errors.As(errs[0], &fnf) || fnf.ID != 2 {
			t.Errorf("budget %d: unexpected error %v", budget, errs[0])
		}

		frames, err := e.Collect(context.Background(), src, descriptors(0, 2, 3))
		if !errors.Is(err, slide.ErrFrameNotFound) {
			t.Errorf("Collect: expected ErrFrameNotFound, got %v", err)
		}
		if len(frames) != 1 || frames[0].ID != 0 {
			t.Errorf("Collect partial frames = %+v", frames)
		}
	}
}

func TestCollect_FiltersBackground(t *testing.T) {
	src := &fakeSource{count: 4, size: 8, white: map[int]bool{1: true, 3: true}}
	e := NewExtractor(Config{}, nil, nil)

	frames, err := e.Collect(context.Background(), src, descriptors(0, 1, 2, 3))
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || frames[0].ID != 0 || frames[1].ID != 2 {
		t.Errorf("expected tissue frames 0 and 2, got %+v", frames)
	}
}

func TestExtract_StopsEarly(t *testing.T) {
	src := &fakeSource{count: 6, size: 8}
	e := NewExtractor(Config{MemoryBudgetBytes: 64}, nil, nil)
	n := 0
	for range e.Extract(context.Background(), src, descriptors(0, 1, 2, 3)) {
		n++
		if n == 2 {
			break
		}
	}
	if len(src.decodedIDs) != 2 {
		t.Errorf("expected 2 decodes after early break, got %v", src.decodedIDs)
	}
}

func TestExtract_UsesCache(t *testing.T) {
	m, err := cache.NewManager(cache.Config{FrameCacheSizeMB: 16, FrameTTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	src := &fakeSource{count: 4, size: 8}
	e := NewExtractor(Config{MemoryBudgetBytes: 64}, m, nil)

	if _, err := e.Collect(context.Background(), src, descriptors(1, 2)); err != nil {
		t.Fatal(err)
	}
	frames, err := e.Collect(context.Background(), src, descriptors(2, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(src.decodedIDs) != 2 {
		t.Errorf("second pass should hit the cache, decoded %v", src.decodedIDs)
	}
	if len(frames) != 2 || frames[0].Image.NRGBAAt(3, 3).R != 2 {
		t.Errorf("cached frame mismatch: %+v", frames)
	}
}

func TestExtract_SlideStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "high")
	md := slide.Metadata{
		SeriesInstanceUID:       "2.2",
		PixelSpacing:            0.001,
		Rows:                    4,
		Columns:                 4,
		TotalPixelMatrixRows:    8,
		TotalPixelMatrixColumns: 8,
		NumberOfFrames:          4,
	}
	w, err := slide.Create(dir, md)
	if err != nil {
		t.Fatal(err)
	}
	for id := 0; id < 4; id++ {
		img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
		for i := 0; i < len(img.Pix); i += 4 {
			img.Pix[i], img.Pix[i+3] = uint8(10*id), 255
		}
		if err := w.WriteFrame(id, img); err != nil {
			t.Fatal(err)
		}
	}
	w.Close()

	r, err := slide.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	e := NewExtractor(Config{MemoryBudgetBytes: 1}, nil, nil)
	frames, err := e.Collect(context.Background(), r, descriptors(3, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || frames[0].Image.NRGBAAt(0, 0).R != 30 || frames[1].Image.NRGBAAt(0, 0).R != 10 {
		t.Errorf("unexpected frames %+v", frames)
	}
}

func TestFrameBlob(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.Pix[5] = 77
	got, err := unmarshalFrame(marshalFrame(img))
	if err != nil {
		t.Fatal(err)
	}
	if got.Bounds() != img.Bounds() || got.Pix[5] != 77 {
		t.Errorf("blob mismatch: %v", got.Bounds())
	}
	if _, err := unmarshalFrame([]byte{1, 2}); err == nil {
		t.Error("expected error for short blob")
	}
}
