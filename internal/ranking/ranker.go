// Package ranking selects diverse, information-dense tiles from a slide
// image by clustering per-tile colour entropy.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDegenerateClusterSet indicates too few distinct feature vectors to cluster.
	ErrDegenerateClusterSet = errors.New("degenerate cluster set")
	// ErrInvalidConfig indicates a ranking configuration that cannot be used.
	ErrInvalidConfig = errors.New("invalid ranking config")
)

// Config controls one ranking call.
type Config struct {
	ImageSize         int     `yaml:"image_size" json:"image_size"`
	PatchSize         int     `yaml:"patch_size" json:"patch_size"`
	MinK              int     `yaml:"min_k" json:"min_k"`
	MaxK              int     `yaml:"max_k" json:"max_k"`
	ExplainedVariance float64 `yaml:"explained_variance" json:"explained_variance"`
	Init              string  `yaml:"km_init" json:"km_init"`
	MaxIter           int     `yaml:"km_max_iter" json:"km_max_iter"`
	NInit             int     `yaml:"km_n_init" json:"km_n_init"`
	Seed              int64   `yaml:"seed" json:"seed"`
	Workers           int     `yaml:"workers" json:"workers"`
}

// DefaultConfig returns the standard ranking parameters.
func DefaultConfig() Config {
	return Config{
		ImageSize:         256,
		PatchSize:         8,
		MinK:              8,
		MaxK:              50,
		ExplainedVariance: 0.8,
		Init:              InitKMeansPlusPlus,
		MaxIter:           300,
		NInit:             10,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.ImageSize <= 0 || c.PatchSize <= 0:
		return fmt.Errorf("%w: image_size %d and patch_size %d must be positive", ErrInvalidConfig, c.ImageSize, c.PatchSize)
	case c.ImageSize%c.PatchSize != 0:
		return fmt.Errorf("%w: image_size %d is not divisible by patch_size %d", ErrInvalidConfig, c.ImageSize, c.PatchSize)
	case c.MinK < 1:
		return fmt.Errorf("%w: min_k %d must be positive", ErrInvalidConfig, c.MinK)
	case c.MaxK < 2:
		return fmt.Errorf("%w: max_k %d must be at least 2", ErrInvalidConfig, c.MaxK)
	case c.MinK > c.MaxK:
		return fmt.Errorf("%w: min_k %d exceeds max_k %d", ErrInvalidConfig, c.MinK, c.MaxK)
	case c.ExplainedVariance <= 0 || c.ExplainedVariance > 1:
		return fmt.Errorf("%w: explained_variance %v must be in (0, 1]", ErrInvalidConfig, c.ExplainedVariance)
	case c.Init != InitKMeansPlusPlus && c.Init != InitRandom:
		return fmt.Errorf("%w: unknown km_init %q", ErrInvalidConfig, c.Init)
	case c.MaxIter < 1 || c.NInit < 1:
		return fmt.Errorf("%w: km_max_iter and km_n_init must be positive", ErrInvalidConfig)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers %d must not be negative", ErrInvalidConfig, c.Workers)
	}
	return nil
}

// Tile is one grid cell. X, Y, Width and Height are in original image pixels.
type Tile struct {
	Index    int         `json:"index"`
	X        int         `json:"x"`
	Y        int         `json:"y"`
	Width    int         `json:"width"`
	Height   int         `json:"height"`
	Image    image.Image `json:"-"`
	Features []float64   `json:"features,omitempty"`
	Label    int         `json:"label"`
}

// Result is a completed clustering.
type Result struct {
	// Tiles are sorted by label. Index still refers to row-major grid order.
	Tiles       []Tile  `json:"tiles"`
	NComponents int     `json:"n_components"`
	NClusters   int     `json:"n_clusters"`
	Exemplars   []int   `json:"exemplars"`
	Ordering    []int   `json:"ordering"`
	Silhouette  float64 `json:"silhouette"`
}

// TileByIndex returns the tile with the given row-major index.
func (r *Result) TileByIndex(idx int) (Tile, bool) {
	for _, t := range r.Tiles {
		if t.Index == idx {
			return t, true
		}
	}
	return Tile{}, false
}

// ExemplarTiles returns one tile per cluster, in cluster order.
func (r *Result) ExemplarTiles() []Tile {
	byIndex := make(map[int]Tile, len(r.Tiles))
	for _, t := range r.Tiles {
		byIndex[t.Index] = t
	}
	out := make([]Tile, 0, len(r.Exemplars))
	for _, idx := range r.Exemplars {
		out = append(out, byIndex[idx])
	}
	return out
}

// Degenerate reports an image without enough distinct tiles to cluster.
type Degenerate struct {
	Distinct int    `json:"distinct"`
	Tiles    []Tile `json:"tiles"`
}

// Outcome holds exactly one of Result or Degenerate.
type Outcome struct {
	Result     *Result     `json:"result,omitempty"`
	Degenerate *Degenerate `json:"degenerate,omitempty"`
}

// IsDegenerate reports whether clustering was skipped.
func (o Outcome) IsDegenerate() bool { return o.Degenerate != nil }

// Err returns ErrDegenerateClusterSet for a degenerate outcome.
func (o Outcome) Err() error {
	if o.Degenerate != nil {
		return fmt.Errorf("%w: %d distinct feature vectors", ErrDegenerateClusterSet, o.Degenerate.Distinct)
	}
	return nil
}

// Rank tiles img, clusters the tiles by entropy and orders them for diversity.
func Rank(ctx context.Context, img image.Image, cfg Config, logger *slog.Logger) (Outcome, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return Outcome{}, err
	}
	b := img.Bounds()
	if b.Empty() {
		return Outcome{}, fmt.Errorf("%w: empty image", ErrInvalidConfig)
	}
	if n := Channels(img); n != FeatureDim {
		return Outcome{}, &PatchModeError{Index: 0, Channels: n}
	}

	tiles := makeTiles(img, cfg)
	features, err := extractFeatures(ctx, img, tiles, cfg)
	if err != nil {
		return Outcome{}, err
	}
	for i := range tiles {
		tiles[i].Features = append([]float64(nil), features[i]...)
	}

	if distinct := countDistinct(features); distinct <= 2 {
		logger.Debug("too few distinct feature vectors", "distinct", distinct, "tiles", len(tiles))
		return Outcome{Degenerate: &Degenerate{Distinct: distinct, Tiles: tiles}}, nil
	}

	Standardize(features)
	fit, ok := fitPCA(features)
	if !ok {
		return Outcome{}, errors.New("principal component analysis did not converge")
	}
	ratios := ExplainedVarianceRatio(fit.vars)
	nc := SelectComponents(ratios, cfg.ExplainedVariance)
	logger.Debug("selected components", "n_components", nc, "explained_variance_ratio", ratios)
	reduced := fit.project(nc)

	distinct := countDistinct(reduced)
	if distinct <= 2 {
		logger.Debug("too few distinct reduced vectors", "distinct", distinct)
		return Outcome{Degenerate: &Degenerate{Distinct: distinct, Tiles: tiles}}, nil
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	elbow, err := elbowClusters(ctx, reduced, distinct, cfg, rng)
	if err != nil {
		return Outcome{}, err
	}
	k := max(elbow, cfg.MinK)
	if k > distinct {
		k = distinct
	}
	logger.Debug("selected cluster count", "elbow", elbow, "min_k", cfg.MinK, "n_clusters", k)

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	km := kmeans(reduced, k, cfg, rng)
	for i := range tiles {
		tiles[i].Label = km.labels[i]
	}

	exemplars, ordering := exemplarsAndOrdering(reduced, km.centroids)
	score := Silhouette(reduced, km.labels, k)

	sorted := append([]Tile(nil), tiles...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Label < sorted[j].Label })

	logger.Debug("ranking complete", "tiles", len(tiles), "n_clusters", k, "silhouette", score)
	return Outcome{Result: &Result{
		Tiles:       sorted,
		NComponents: nc,
		NClusters:   k,
		Exemplars:   exemplars,
		Ordering:    ordering,
		Silhouette:  score,
	}}, nil
}

// makeTiles lays out the row-major grid and maps each cell back to the
// original resolution, truncating to whole pixels.
func makeTiles(img image.Image, cfg Config) []Tile {
	b := img.Bounds()
	scaleX := float64(b.Dx()) / float64(cfg.ImageSize)
	scaleY := float64(b.Dy()) / float64(cfg.ImageSize)

	per := cfg.ImageSize / cfg.PatchSize
	tiles := make([]Tile, 0, per*per)
	for y := 0; y < cfg.ImageSize; y += cfg.PatchSize {
		for x := 0; x < cfg.ImageSize; x += cfg.PatchSize {
			x0 := int(float64(x) * scaleX)
			y0 := int(float64(y) * scaleY)
			x1 := int(float64(x+cfg.PatchSize) * scaleX)
			y1 := int(float64(y+cfg.PatchSize) * scaleY)
			tiles = append(tiles, Tile{
				Index:  len(tiles),
				X:      x0,
				Y:      y0,
				Width:  x1 - x0,
				Height: y1 - y0,
				Label:  -1,
			})
		}
	}
	return tiles
}

// extractFeatures resizes img to the working grid and computes one feature
// vector per tile in parallel.
func extractFeatures(ctx context.Context, img image.Image, tiles []Tile, cfg Config) ([][]float64, error) {
	working := imaging.Resize(img, cfg.ImageSize, cfg.ImageSize, imaging.CatmullRom)
	per := cfg.ImageSize / cfg.PatchSize
	origin := img.Bounds().Min

	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	features := make([][]float64, len(tiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range tiles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			x, y := (i%per)*cfg.PatchSize, (i/per)*cfg.PatchSize
			cell := working.SubImage(image.Rect(x, y, x+cfg.PatchSize, y+cfg.PatchSize))
			features[i] = featureVector(cell)

			t := &tiles[i]
			if t.Width > 0 && t.Height > 0 {
				t.Image = imaging.Crop(img, image.Rect(t.X, t.Y, t.X+t.Width, t.Y+t.Height).Add(origin))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return features, nil
}

// elbowClusters fits k = 2..min(MaxK, distinct) and picks the elbow.
func elbowClusters(ctx context.Context, data [][]float64, distinct int, cfg Config, rng *rand.Rand) (int, error) {
	upper := min(cfg.MaxK, distinct)
	inertias := make([]float64, 0, max(upper-1, 0))
	for k := 2; k <= upper; k++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		inertias = append(inertias, kmeans(data, k, cfg, rng).inertia)
	}
	return SelectElbow(inertias), nil
}

// exemplarsAndOrdering returns the nearest tile to each centroid and all
// tiles sorted by their summed distance to every centroid.
func exemplarsAndOrdering(data, centroids [][]float64) ([]int, []int) {
	exemplars := make([]int, len(centroids))
	bestDist := make([]float64, len(centroids))
	for c := range bestDist {
		bestDist[c] = math.Inf(1)
	}
	summed := make([]float64, len(data))

	for i, row := range data {
		for c, centroid := range centroids {
			dist := math.Sqrt(sqDist(row, centroid))
			summed[i] += dist
			if dist < bestDist[c] {
				bestDist[c] = dist
				exemplars[c] = i
			}
		}
	}

	ordering := make([]int, len(data))
	for i := range ordering {
		ordering[i] = i
	}
	sort.SliceStable(ordering, func(a, b int) bool { return summed[ordering[a]] < summed[ordering[b]] })
	return exemplars, ordering
}

func countDistinct(rows [][]float64) int {
	seen := make(map[string]struct{}, len(rows))
	var sb strings.Builder
	for _, row := range rows {
		sb.Reset()
		for _, v := range row {
			sb.WriteString(strconv.FormatUint(math.Float64bits(v), 16))
			sb.WriteByte(',')
		}
		seen[sb.String()] = struct{}{}
	}
	return len(seen)
}
