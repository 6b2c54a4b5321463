// Package cache provides caching for decoded frames, frame grids and ranking results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/minipath/server/internal/magnification"
)

// Config contains cache configuration.
type Config struct {
	FrameCacheSizeMB int
	FrameTTL         time.Duration
	GridCacheSize    int
	ResultCacheSize  int
}

// Manager manages frame, grid and result caches.
type Manager struct {
	frameCache  *bigcache.BigCache
	gridCache   *lru.Cache[string, []magnification.FrameDescriptor]
	resultCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.FrameTTL <= 0 {
		cfg.FrameTTL = 10 * time.Minute
	}
	if cfg.GridCacheSize <= 0 {
		cfg.GridCacheSize = 64
	}
	if cfg.ResultCacheSize <= 0 {
		cfg.ResultCacheSize = 128
	}

	frameCacheConfig := bigcache.Config{
		Shards:             16,
		LifeWindow:         cfg.FrameTTL,
		CleanWindow:        cfg.FrameTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024, // one 256x256 RGBA frame
		HardMaxCacheSize:   cfg.FrameCacheSizeMB,
		Verbose:            false,
	}

	frameCache, err := bigcache.New(context.Background(), frameCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame cache: %w", err)
	}

	gridCache, err := lru.New[string, []magnification.FrameDescriptor](cfg.GridCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create grid cache: %w", err)
	}

	resultCache, err := lru.New[string, []byte](cfg.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	return &Manager{
		frameCache:  frameCache,
		gridCache:   gridCache,
		resultCache: resultCache,
	}, nil
}

// GetFrame retrieves an encoded frame from cache.
func (m *Manager) GetFrame(key string) ([]byte, bool) {
	data, err := m.frameCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetFrame stores an encoded frame in cache.
func (m *Manager) SetFrame(key string, data []byte) error {
	return m.frameCache.Set(key, data)
}

// GetGrid retrieves the frame grid of a series.
func (m *Manager) GetGrid(seriesUID string) ([]magnification.FrameDescriptor, bool) {
	return m.gridCache.Get(seriesUID)
}

// SetGrid stores the frame grid of a series.
func (m *Manager) SetGrid(seriesUID string, grid []magnification.FrameDescriptor) {
	m.gridCache.Add(seriesUID, grid)
}

// GetResult retrieves a serialized ranking result.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	return m.resultCache.Get(key)
}

// SetResult stores a serialized ranking result.
func (m *Manager) SetResult(key string, data []byte) {
	m.resultCache.Add(key, data)
}

// FrameKey generates a cache key for a decoded frame.
func FrameKey(seriesUID string, frameID int) string {
	return fmt.Sprintf("frame:%s/%d", seriesUID, frameID)
}

// ResultKey generates a cache key for a ranking result. params is any
// stable textual form of the parameters that produced it.
func ResultKey(seriesUID string, params string) string {
	base := "rank:" + seriesUID
	if params == "" {
		return base
	}
	h := sha256.New()
	h.Write([]byte(base))
	h.Write([]byte(params))
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.frameCache.Stats()
	return map[string]interface{}{
		"frame_cache_len":    m.frameCache.Len(),
		"frame_cache_cap":    m.frameCache.Capacity(),
		"frame_cache_hits":   stats.Hits,
		"frame_cache_misses": stats.Misses,
		"grid_cache_len":     m.gridCache.Len(),
		"result_cache_len":   m.resultCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.frameCache.Close()
}
