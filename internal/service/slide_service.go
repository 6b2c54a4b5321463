// Package service provides business logic for the tile selection server.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"golang.org/x/sync/singleflight"

	"github.com/minipath/server/internal/cache"
	"github.com/minipath/server/internal/data/slide"
	"github.com/minipath/server/internal/extract"
	"github.com/minipath/server/internal/magnification"
	"github.com/minipath/server/internal/ranking"
	"github.com/minipath/server/internal/render"
)

// PairingLookup resolves the high-magnification series paired with a
// low-magnification one.
type PairingLookup interface {
	Lookup(ctx context.Context, seriesUID string) (string, error)
}

// SlideServiceConfig contains slide service configuration.
type SlideServiceConfig struct {
	Catalog   *slide.Catalog
	Pairings  PairingLookup
	Cache     *cache.Manager
	Extractor *extract.Extractor
	Renderer  *render.OverlayRenderer
	Ranking   ranking.Config
	// Subset keeps only cluster exemplars when selecting frames.
	Subset bool
	// AllFrames returns every high-magnification frame for each tile.
	AllFrames bool
	Logger    *slog.Logger
}

// SlideService ranks low-magnification slides and extracts the matching
// high-magnification frames.
type SlideService struct {
	catalog   *slide.Catalog
	pairings  PairingLookup
	cache     *cache.Manager
	extractor *extract.Extractor
	renderer  *render.OverlayRenderer
	ranking   ranking.Config
	subset    bool
	allFrames bool
	logger    *slog.Logger

	rankGroup singleflight.Group
}

// NewSlideService creates a new slide service.
func NewSlideService(cfg SlideServiceConfig) *SlideService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = extract.NewExtractor(extract.Config{}, cfg.Cache, logger)
	}
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = render.NewOverlayRenderer(render.Config{
			GridCells: cfg.Ranking.ImageSize / max(cfg.Ranking.PatchSize, 1),
		})
	}
	return &SlideService{
		catalog:   cfg.Catalog,
		pairings:  cfg.Pairings,
		cache:     cfg.Cache,
		extractor: extractor,
		renderer:  renderer,
		ranking:   cfg.Ranking,
		subset:    cfg.Subset,
		allFrames: cfg.AllFrames,
		logger:    logger,
	}
}

// RankingConfig returns the default ranking parameters.
func (s *SlideService) RankingConfig() ranking.Config {
	return s.ranking
}

// Refresh rescans the slide root for new or removed stores.
func (s *SlideService) Refresh() error {
	return s.catalog.Refresh()
}

// ListSlides returns every slide in the catalog.
func (s *SlideService) ListSlides() []slide.Entry {
	return s.catalog.List()
}

// Metadata returns the stored metadata for a series.
func (s *SlideService) Metadata(seriesUID string) (*slide.Metadata, error) {
	r, err := s.catalog.Open(seriesUID)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	md := *r.Metadata()
	return &md, nil
}

// RankPatches mosaics the series and ranks its tiles. Results are cached per
// series and parameter set; cached tiles carry no pixel data.
func (s *SlideService) RankPatches(ctx context.Context, seriesUID string, cfg ranking.Config) (ranking.Outcome, error) {
	if err := cfg.Validate(); err != nil {
		return ranking.Outcome{}, err
	}
	key := cache.ResultKey(seriesUID, rankParams(cfg))
	if data, ok := s.cache.GetResult(key); ok {
		var outcome ranking.Outcome
		if err := json.Unmarshal(data, &outcome); err == nil {
			return outcome, nil
		}
	}

	// The shared computation outlives any single caller so that one
	// cancelled request does not fail the others waiting on it.
	ch := s.rankGroup.DoChan(key, func() (interface{}, error) {
		outcome, err := s.rank(context.WithoutCancel(ctx), seriesUID, cfg)
		if err != nil {
			return ranking.Outcome{}, err
		}
		data, err := json.Marshal(outcome)
		if err != nil {
			return ranking.Outcome{}, fmt.Errorf("failed to encode ranking result: %w", err)
		}
		s.cache.SetResult(key, data)
		return outcome, nil
	})
	select {
	case <-ctx.Done():
		return ranking.Outcome{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("shared in-flight ranking", "series_uid", seriesUID)
		}
		if res.Err != nil {
			return ranking.Outcome{}, res.Err
		}
		return res.Val.(ranking.Outcome), nil
	}
}

func (s *SlideService) rank(ctx context.Context, seriesUID string, cfg ranking.Config) (ranking.Outcome, error) {
	r, err := s.catalog.Open(seriesUID)
	if err != nil {
		return ranking.Outcome{}, err
	}
	defer r.Close()

	img, err := r.Mosaic()
	if err != nil {
		return ranking.Outcome{}, fmt.Errorf("failed to assemble %s: %w", seriesUID, err)
	}
	outcome, err := ranking.Rank(ctx, img, cfg, s.logger.With("series_uid", seriesUID))
	if err != nil {
		return ranking.Outcome{}, fmt.Errorf("failed to rank %s: %w", seriesUID, err)
	}
	return outcome, nil
}

// rankParams is the cache identity of a ranking config. Workers does not
// change the result and is left out.
func rankParams(cfg ranking.Config) string {
	return fmt.Sprintf("%d/%d/%d/%d/%g/%s/%d/%d/%d",
		cfg.ImageSize, cfg.PatchSize, cfg.MinK, cfg.MaxK, cfg.ExplainedVariance,
		cfg.Init, cfg.MaxIter, cfg.NInit, cfg.Seed)
}

// TileMapping records where one low-magnification tile lands in the
// high-magnification frame grid.
type TileMapping struct {
	Tile      ranking.Tile             `json:"tile"`
	Rank      int                      `json:"rank"`
	HighRange magnification.PixelRange `json:"high_range"`
	FrameIDs  []int                    `json:"frame_ids"`
}

// frameMap is the mapping of a tile list onto one high-magnification series.
type frameMap struct {
	highUID     string
	factor      int
	tiles       []TileMapping
	descriptors []magnification.FrameDescriptor
	reader      *slide.Reader
}

// GetHighResFrames maps tiles onto the paired high-magnification series and
// returns the foreground frames covering them, in first-seen order. When a
// frame cannot be decoded the frames gathered before it are returned with
// the error.
func (s *SlideService) GetHighResFrames(ctx context.Context, lowSeriesUID string, tiles []ranking.Tile) ([]extract.Frame, error) {
	fm, err := s.mapFrames(ctx, lowSeriesUID, tiles, s.allFrames)
	if err != nil {
		return nil, err
	}
	defer fm.reader.Close()
	return s.extractor.Collect(ctx, fm.reader, fm.descriptors)
}

func (s *SlideService) mapFrames(ctx context.Context, lowSeriesUID string, tiles []ranking.Tile, allFrames bool) (*frameMap, error) {
	low, ok := s.catalog.Lookup(lowSeriesUID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", slide.ErrUnknownSeries, lowSeriesUID)
	}
	highUID, err := s.pairings.Lookup(ctx, lowSeriesUID)
	if err != nil {
		return nil, err
	}
	reader, err := s.catalog.Open(highUID)
	if err != nil {
		return nil, fmt.Errorf("paired series of %s: %w", lowSeriesUID, err)
	}

	md := reader.Metadata()
	factor, err := magnification.ScalingFactor(low.PixelSpacing, md.PixelSpacing)
	if err != nil {
		reader.Close()
		return nil, err
	}
	if ratio := low.PixelSpacing / md.PixelSpacing; ratio != math.Floor(ratio) {
		s.logger.Warn("non-integral scaling factor truncated",
			"series_uid", lowSeriesUID, "high_series_uid", highUID, "ratio", ratio, "factor", factor)
	}

	grid, err := s.frameGrid(highUID, md)
	if err != nil {
		reader.Close()
		return nil, err
	}

	fm := &frameMap{highUID: highUID, factor: factor, reader: reader}
	seen := make(map[int]bool)
	for rank, t := range tiles {
		high := magnification.ScaleBox(magnification.BoxForTile(t.X, t.Y, t.Width, t.Height), factor)
		frames := magnification.IntersectingFrames(grid, high, allFrames)
		ids := make([]int, 0, len(frames))
		for _, f := range frames {
			ids = append(ids, f.ID)
			if !seen[f.ID] {
				seen[f.ID] = true
				fm.descriptors = append(fm.descriptors, f)
			}
		}
		s.logger.Debug("mapped tile", "tile", t.Index, "x_min", high.XMin, "x_max", high.XMax,
			"y_min", high.YMin, "y_max", high.YMax, "frames", len(ids))
		t.Image = nil
		fm.tiles = append(fm.tiles, TileMapping{Tile: t, Rank: rank, HighRange: high, FrameIDs: ids})
	}
	return fm, nil
}

func (s *SlideService) frameGrid(seriesUID string, md *slide.Metadata) ([]magnification.FrameDescriptor, error) {
	if grid, ok := s.cache.GetGrid(seriesUID); ok {
		return grid, nil
	}
	grid, err := magnification.BuildFrameGrid(md.Geometry())
	if err != nil {
		return nil, fmt.Errorf("frame grid of %s: %w", seriesUID, err)
	}
	s.cache.SetGrid(seriesUID, grid)
	return grid, nil
}

// SelectOptions override the service defaults for one selection.
type SelectOptions struct {
	Ranking   *ranking.Config `json:"ranking,omitempty"`
	Subset    *bool           `json:"subset,omitempty"`
	AllFrames *bool           `json:"all_frames,omitempty"`
}

// SelectDefaults returns options seeded with the service ranking config.
// Decoding a partial JSON override onto them keeps the unspecified fields.
func (s *SlideService) SelectDefaults() SelectOptions {
	cfg := s.ranking
	return SelectOptions{Ranking: &cfg}
}

// Selection is the outcome of ranking a slide and extracting its
// high-magnification frames.
type Selection struct {
	SeriesUID     string          `json:"series_uid"`
	HighSeriesUID string          `json:"high_series_uid,omitempty"`
	ScalingFactor int             `json:"scaling_factor,omitempty"`
	NClusters     int             `json:"n_clusters"`
	Silhouette    float64         `json:"silhouette"`
	Degenerate    bool            `json:"degenerate"`
	Distinct      int             `json:"distinct,omitempty"`
	Tiles         []TileMapping   `json:"tiles"`
	Frames        []extract.Frame `json:"frames"`
	Partial       bool            `json:"partial,omitempty"`
}

// Select ranks a slide, picks tiles in diversity order and extracts their
// foreground high-magnification frames. A degenerate ranking yields a
// selection without frames. When extraction stops early the partial
// selection is returned together with the error.
func (s *SlideService) Select(ctx context.Context, seriesUID string, opts SelectOptions) (*Selection, error) {
	cfg := s.ranking
	if opts.Ranking != nil {
		cfg = *opts.Ranking
	}
	subset := s.subset
	if opts.Subset != nil {
		subset = *opts.Subset
	}
	allFrames := s.allFrames
	if opts.AllFrames != nil {
		allFrames = *opts.AllFrames
	}

	outcome, err := s.RankPatches(ctx, seriesUID, cfg)
	if err != nil {
		return nil, err
	}
	sel := &Selection{SeriesUID: seriesUID, Tiles: []TileMapping{}, Frames: []extract.Frame{}}
	if outcome.IsDegenerate() {
		s.logger.Info("skipping frame extraction", "series_uid", seriesUID, "reason", outcome.Err())
		sel.Degenerate = true
		sel.Distinct = outcome.Degenerate.Distinct
		return sel, nil
	}
	res := outcome.Result
	sel.NClusters = res.NClusters
	sel.Silhouette = res.Silhouette

	fm, err := s.mapFrames(ctx, seriesUID, selectTiles(res, subset), allFrames)
	if err != nil {
		return nil, err
	}
	defer fm.reader.Close()
	sel.HighSeriesUID = fm.highUID
	sel.ScalingFactor = fm.factor
	sel.Tiles = fm.tiles

	frames, err := s.extractor.Collect(ctx, fm.reader, fm.descriptors)
	sel.Frames = append(sel.Frames, frames...)
	if err != nil {
		sel.Partial = true
		return sel, err
	}
	s.logger.Info("selection complete", "series_uid", seriesUID, "high_series_uid", fm.highUID,
		"tiles", len(sel.Tiles), "candidate_frames", len(fm.descriptors), "foreground_frames", len(sel.Frames))
	return sel, nil
}

// selectTiles returns the exemplars, or every tile, in diversity order.
func selectTiles(res *ranking.Result, subset bool) []ranking.Tile {
	byIndex := make(map[int]ranking.Tile, len(res.Tiles))
	for _, t := range res.Tiles {
		byIndex[t.Index] = t
	}
	out := make([]ranking.Tile, 0, len(res.Ordering))
	for _, idx := range res.Ordering {
		if subset && !slices.Contains(res.Exemplars, idx) {
			continue
		}
		out = append(out, byIndex[idx])
	}
	return out
}

// Frame returns one decoded frame of a series, encoded in format.
func (s *SlideService) Frame(seriesUID string, id int, format string) ([]byte, error) {
	r, err := s.catalog.Open(seriesUID)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	decoded, err := r.DecodeFrame(id)
	if err != nil {
		return nil, err
	}
	return s.renderer.EncodeFrame(decoded, format)
}

// Overlay renders the ranking of a series over its mosaic.
func (s *SlideService) Overlay(ctx context.Context, seriesUID, colormap, format string) ([]byte, error) {
	outcome, err := s.RankPatches(ctx, seriesUID, s.ranking)
	if err != nil {
		return nil, err
	}
	r, err := s.catalog.Open(seriesUID)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	base, err := r.Mosaic()
	if err != nil {
		return nil, err
	}

	res := outcome.Result
	if outcome.IsDegenerate() {
		res = &ranking.Result{Tiles: outcome.Degenerate.Tiles}
	}
	return s.renderer.Render(render.Overlay{
		Base:      base,
		Result:    res,
		GridCells: s.ranking.ImageSize / s.ranking.PatchSize,
		Colormap:  colormap,
		Format:    format,
	})
}
