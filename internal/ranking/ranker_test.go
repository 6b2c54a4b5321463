package ranking

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"
)

// halvesImage builds a 256x256 image whose left half has low colour entropy
// and whose right half has high colour entropy. Flat halves would be
// degenerate, since every uniform tile has zero entropy.
func halvesImage(seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			var c color.NRGBA
			if x < 128 {
				c = color.NRGBA{uint8(100 + rng.Intn(2)), uint8(60 + rng.Intn(2)), uint8(140 + rng.Intn(2)), 255}
			} else {
				c = color.NRGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.NInit = 2
	cfg.MaxIter = 100
	return cfg
}

func TestEntropyFromHistogram(t *testing.T) {
	single := make([]int, 256)
	single[17] = 64
	if got := EntropyFromHistogram(single); got != 0 {
		t.Errorf("single-bin entropy = %v, want 0", got)
	}

	for _, n := range []int{2, 4, 16, 256} {
		hist := make([]int, 256)
		for i := 0; i < n; i++ {
			hist[i] = 5
		}
		if got, want := EntropyFromHistogram(hist), math.Log2(float64(n)); math.Abs(got-want) > 1e-12 {
			t.Errorf("uniform over %d bins: entropy = %v, want %v", n, got, want)
		}
	}

	if got := EntropyFromHistogram(make([]int, 256)); got != 0 {
		t.Errorf("empty histogram entropy = %v", got)
	}
}

func TestFeatureVector_RejectsNonRGB(t *testing.T) {
	_, err := FeatureVector(image.NewGray(image.Rect(0, 0, 8, 8)))
	var pme *PatchModeError
	if !errors.As(err, &pme) {
		t.Fatalf("expected *PatchModeError, got %v", err)
	}
	if pme.Channels != 1 || !errors.Is(err, ErrInvalidPatchMode) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestRank_RejectsNonRGB(t *testing.T) {
	_, err := Rank(context.Background(), image.NewGray(image.Rect(0, 0, 64, 64)), fastConfig(), nil)
	if !errors.Is(err, ErrInvalidPatchMode) {
		t.Fatalf("expected ErrInvalidPatchMode, got %v", err)
	}
}

func TestSelectComponents(t *testing.T) {
	tests := []struct {
		name      string
		ratios    []float64
		threshold float64
		want      int
	}{
		{"first exceeds, clamped to 2", []float64{0.9, 0.07, 0.03}, 0.8, 2},
		{"needs three", []float64{0.5, 0.25, 0.25}, 0.8, 3},
		{"needs two", []float64{0.6, 0.3, 0.1}, 0.8, 2},
		{"never exceeds", []float64{0.5, 0.3, 0.2}, 1.0, 3},
		{"zero variance", []float64{0, 0, 0}, 0.8, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectComponents(tt.ratios, tt.threshold)
			if got != tt.want {
				t.Fatalf("SelectComponents = %d, want %d", got, tt.want)
			}
			if got < 2 || got > len(tt.ratios) {
				t.Fatalf("component count %d outside [2, %d]", got, len(tt.ratios))
			}
		})
	}
}

func TestSelectComponents_CumulativeExceedsThreshold(t *testing.T) {
	ratios := ExplainedVarianceRatio([]float64{5, 3, 1.5, 0.5})
	for _, th := range []float64{0.1, 0.5, 0.79, 0.9, 0.97} {
		n := SelectComponents(ratios, th)
		var cum float64
		for _, r := range ratios[:n] {
			cum += r
		}
		if cum <= th {
			t.Errorf("threshold %v: cumulative %v at n=%d does not exceed it", th, cum, n)
		}
	}
}

func TestSelectElbow(t *testing.T) {
	// k = 2..10 with a sharp knee at k = 4.
	inertias := []float64{100, 60, 20, 18, 16, 14, 12, 10, 8}
	if got := SelectElbow(inertias); got != 4 {
		t.Errorf("SelectElbow = %d, want 4", got)
	}

	// Knee at k = 7.
	inertias = []float64{500, 480, 460, 440, 420, 50, 45, 40, 35, 30}
	if got := SelectElbow(inertias); got != 7 {
		t.Errorf("SelectElbow = %d, want 7", got)
	}

	if got := SelectElbow([]float64{42}); got != 2 {
		t.Errorf("single sample: SelectElbow = %d, want 2", got)
	}
	if got := SelectElbow(nil); got != 2 {
		t.Errorf("no samples: SelectElbow = %d, want 2", got)
	}
}

func TestMakeTiles_Count(t *testing.T) {
	for _, tc := range []struct{ size, patch int }{{256, 8}, {256, 16}, {64, 8}, {32, 32}} {
		cfg := DefaultConfig()
		cfg.ImageSize, cfg.PatchSize = tc.size, tc.patch
		tiles := makeTiles(image.NewNRGBA(image.Rect(0, 0, 1000, 700)), cfg)
		want := (tc.size / tc.patch) * (tc.size / tc.patch)
		if len(tiles) != want {
			t.Errorf("size %d patch %d: %d tiles, want %d", tc.size, tc.patch, len(tiles), want)
		}
	}
}

func TestMakeTiles_OriginalBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ImageSize, cfg.PatchSize = 4, 2
	tiles := makeTiles(image.NewNRGBA(image.Rect(0, 0, 10, 6)), cfg)

	// scaleX = 2.5, scaleY = 1.5; row-major, truncated.
	want := []Tile{
		{Index: 0, X: 0, Y: 0, Width: 5, Height: 3},
		{Index: 1, X: 5, Y: 0, Width: 5, Height: 3},
		{Index: 2, X: 0, Y: 3, Width: 5, Height: 3},
		{Index: 3, X: 5, Y: 3, Width: 5, Height: 3},
	}
	for i, w := range want {
		got := tiles[i]
		if got.Index != w.Index || got.X != w.X || got.Y != w.Y || got.Width != w.Width || got.Height != w.Height {
			t.Errorf("tile %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.PatchSize = 7
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("indivisible patch size: expected ErrInvalidConfig, got %v", err)
	}
	bad = DefaultConfig()
	bad.Init = "spectral"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("unknown init: expected ErrInvalidConfig, got %v", err)
	}
	bad = DefaultConfig()
	bad.MinK, bad.MaxK = 10, 4
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("min_k above max_k: expected ErrInvalidConfig, got %v", err)
	}
	edge := DefaultConfig()
	edge.MinK, edge.MaxK = 4, 4
	if err := edge.Validate(); err != nil {
		t.Errorf("min_k equal to max_k rejected: %v", err)
	}
}

func TestRank_ClusterCountWithinMaxK(t *testing.T) {
	cfg := fastConfig()
	cfg.ImageSize = 64
	cfg.MinK, cfg.MaxK = 4, 4
	out, err := Rank(context.Background(), halvesImage(1), cfg, nil)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if out.IsDegenerate() {
		t.Fatal("unexpected degenerate outcome")
	}
	if out.Result.NClusters > cfg.MaxK {
		t.Errorf("n_clusters = %d exceeds max_k %d", out.Result.NClusters, cfg.MaxK)
	}
}

// Uniform tiles all have zero entropy, so two flat halves leave a single
// distinct feature vector.
func TestRank_UniformHalvesDegenerate(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			c := color.NRGBA{30, 30, 30, 255}
			if x >= 128 {
				c = color.NRGBA{230, 200, 210, 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	out, err := Rank(context.Background(), img, fastConfig(), nil)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if !out.IsDegenerate() {
		t.Fatalf("expected a degenerate outcome, got %+v", out.Result)
	}
	if out.Degenerate.Distinct != 1 {
		t.Errorf("distinct = %d, want 1", out.Degenerate.Distinct)
	}
	if len(out.Degenerate.Tiles) != 32*32 {
		t.Errorf("tiles = %d, want %d", len(out.Degenerate.Tiles), 32*32)
	}
}

func TestRank_Degenerate(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 128, 128))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	out, err := Rank(context.Background(), img, fastConfig(), nil)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if !out.IsDegenerate() || out.Result != nil {
		t.Fatalf("expected a degenerate outcome, got %+v", out)
	}
	if out.Degenerate.Distinct != 1 {
		t.Errorf("distinct = %d, want 1", out.Degenerate.Distinct)
	}
	if !errors.Is(out.Err(), ErrDegenerateClusterSet) {
		t.Errorf("Err() = %v", out.Err())
	}
}

func TestRank_Halves(t *testing.T) {
	img := halvesImage(1)
	cfg := fastConfig()
	out, err := Rank(context.Background(), img, cfg, nil)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if out.IsDegenerate() {
		t.Fatalf("unexpected degenerate outcome: %+v", out.Degenerate)
	}
	res := out.Result
	nTiles := (cfg.ImageSize / cfg.PatchSize) * (cfg.ImageSize / cfg.PatchSize)

	if len(res.Tiles) != nTiles {
		t.Fatalf("%d tiles, want %d", len(res.Tiles), nTiles)
	}
	if res.NClusters < cfg.MinK || res.NClusters > cfg.MaxK {
		t.Errorf("n_clusters %d outside [%d, %d]", res.NClusters, cfg.MinK, cfg.MaxK)
	}
	if res.NComponents < 2 || res.NComponents > FeatureDim {
		t.Errorf("n_components %d outside [2, %d]", res.NComponents, FeatureDim)
	}
	if res.Silhouette <= 0 {
		t.Errorf("silhouette %v, want > 0", res.Silhouette)
	}

	// Sorted by label.
	for i := 1; i < len(res.Tiles); i++ {
		if res.Tiles[i].Label < res.Tiles[i-1].Label {
			t.Fatalf("tiles not sorted by label at %d", i)
		}
	}

	// No cluster spans both halves.
	left, right := map[int]bool{}, map[int]bool{}
	for _, tile := range res.Tiles {
		if tile.X < 128 {
			left[tile.Label] = true
		} else {
			right[tile.Label] = true
		}
	}
	if len(left) == 0 || len(right) == 0 {
		t.Fatalf("expected labels on both halves")
	}
	for l := range left {
		if right[l] {
			t.Errorf("label %d appears on both halves", l)
		}
	}

	if len(res.Exemplars) != res.NClusters {
		t.Errorf("%d exemplars for %d clusters", len(res.Exemplars), res.NClusters)
	}
	for _, idx := range res.Exemplars {
		if idx < 0 || idx >= nTiles {
			t.Errorf("exemplar index %d out of range", idx)
		}
	}
	if got := res.ExemplarTiles(); len(got) != res.NClusters {
		t.Errorf("%d exemplar tiles for %d clusters", len(got), res.NClusters)
	}

	seen := make([]bool, nTiles)
	for _, idx := range res.Ordering {
		if idx < 0 || idx >= nTiles || seen[idx] {
			t.Fatalf("ordering is not a permutation: bad index %d", idx)
		}
		seen[idx] = true
	}
	if len(res.Ordering) != nTiles {
		t.Fatalf("ordering has %d entries, want %d", len(res.Ordering), nTiles)
	}

	tile, ok := res.TileByIndex(0)
	if !ok || tile.Image == nil || tile.Image.Bounds().Dx() != 8 {
		t.Errorf("tile 0 missing its original-resolution crop: %+v", tile)
	}
}

func TestRank_Deterministic(t *testing.T) {
	img := halvesImage(7)
	cfg := fastConfig()
	cfg.ImageSize = 64
	cfg.MaxK = 12
	cfg.Seed = 42

	a, err := Rank(context.Background(), img, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Workers = 1
	b, err := Rank(context.Background(), img, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.IsDegenerate() || b.IsDegenerate() {
		t.Fatal("unexpected degenerate outcome")
	}
	if a.Result.NClusters != b.Result.NClusters || a.Result.Silhouette != b.Result.Silhouette {
		t.Fatalf("runs differ: k %d/%d silhouette %v/%v",
			a.Result.NClusters, b.Result.NClusters, a.Result.Silhouette, b.Result.Silhouette)
	}
	for i := range a.Result.Ordering {
		if a.Result.Ordering[i] != b.Result.Ordering[i] {
			t.Fatalf("ordering differs at %d", i)
		}
	}
}

func TestRank_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Rank(ctx, halvesImage(3), fastConfig(), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSilhouette(t *testing.T) {
	data := [][]float64{{0, 0}, {0, 1}, {10, 0}, {10, 1}}
	labels := []int{0, 0, 1, 1}
	if got := Silhouette(data, labels, 2); got < 0.85 {
		t.Errorf("well-separated silhouette = %v", got)
	}
	if got := Silhouette(data, []int{0, 0, 0, 0}, 1); got != 0 {
		t.Errorf("single cluster silhouette = %v", got)
	}
	// A singleton cluster contributes zero.
	got := Silhouette([][]float64{{0}, {1}, {100}}, []int{0, 0, 1}, 2)
	if got <= 0 || got >= 1 {
		t.Errorf("silhouette with singleton = %v", got)
	}
}

func BenchmarkExtractFeatures(b *testing.B) {
	img := halvesImage(1)
	cfg := DefaultConfig()
	tiles := makeTiles(img, cfg)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := extractFeatures(context.Background(), img, tiles, cfg); err != nil {
			b.Fatal(err)
		}
	}
}
