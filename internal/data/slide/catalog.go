package slide

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Entry is a catalog listing for one store.
type Entry struct {
	SeriesUID      string  `json:"series_uid"`
	Path           string  `json:"-"`
	PixelSpacing   float64 `json:"pixel_spacing"`
	NumberOfFrames int     `json:"number_of_frames"`
}

// Catalog indexes the stores below a root directory by series UID.
type Catalog struct {
	root    string
	logger  *slog.Logger
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewCatalog scans root for slide stores.
func NewCatalog(root string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{root: root, logger: logger}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh rescans the root directory.
func (c *Catalog) Refresh() error {
	entries := make(map[string]Entry)
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != MetadataFile {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var md Metadata
		if err := json.Unmarshal(data, &md); err != nil {
			c.logger.Warn("skipping unreadable slide store", "path", path, "err", err)
			return nil
		}
		if md.SeriesInstanceUID == "" {
			c.logger.Warn("skipping slide store without series uid", "path", path)
			return nil
		}
		dir := filepath.Dir(path)
		if prev, ok := entries[md.SeriesInstanceUID]; ok {
			c.logger.Warn("duplicate series uid", "series_uid", md.SeriesInstanceUID, "kept", prev.Path, "ignored", dir)
			return nil
		}
		entries[md.SeriesInstanceUID] = Entry{
			SeriesUID:      md.SeriesInstanceUID,
			Path:           dir,
			PixelSpacing:   md.PixelSpacing,
			NumberOfFrames: md.NumberOfFrames,
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", c.root, err)
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	c.logger.Info("slide catalog loaded", "root", c.root, "stores", len(entries))
	return nil
}

// List returns every entry sorted by series UID.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeriesUID < out[j].SeriesUID })
	return out
}

// Lookup returns the entry for a series UID.
func (c *Catalog) Lookup(seriesUID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[seriesUID]
	return e, ok
}

// Open opens the store for a series UID. The caller closes the reader.
func (c *Catalog) Open(seriesUID string) (*Reader, error) {
	e, ok := c.Lookup(seriesUID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSeries, seriesUID)
	}
	return Open(e.Path)
}
