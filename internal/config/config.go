// Package config handles configuration loading for the tile selection server.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/minipath/server/internal/ranking"
)

// Config represents the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Data       DataConfig       `yaml:"data"`
	Cache      CacheConfig      `yaml:"cache"`
	Ranking    RankingConfig    `yaml:"ranking"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Render     RenderConfig     `yaml:"render"`
	Jobs       JobsConfig       `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	LogLevel    string   `yaml:"log_level"`
}

// DataConfig contains data source settings.
type DataConfig struct {
	SlidesDir  string `yaml:"slides_dir"`
	PairingDB  string `yaml:"pairing_db"`
	PairingCSV string `yaml:"pairing_csv"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	FrameSizeMB     int `yaml:"frame_cache_mb"`
	FrameTTLMinutes int `yaml:"frame_ttl_minutes"`
	GridCacheSize   int `yaml:"grid_cache_size"`
	ResultCacheSize int `yaml:"result_cache_size"`
}

// RankingConfig holds clustering parameters plus the tile subset switch.
type RankingConfig struct {
	ranking.Config `yaml:",inline"`
	// Subset keeps only cluster exemplars when mapping to high magnification.
	Subset bool `yaml:"subset"`
}

// ExtractionConfig contains frame extraction settings.
type ExtractionConfig struct {
	MemoryBudgetMB        int     `yaml:"memory_budget_mb"`
	AllFrames             bool    `yaml:"all_frames"`
	BackgroundThreshold   int     `yaml:"background_threshold"`
	MaxBackgroundFraction float64 `yaml:"max_background_fraction"`
}

// RenderConfig contains overlay rendering settings.
type RenderConfig struct {
	CellSize        int    `yaml:"cell_size"`
	Format          string `yaml:"format"`
	DefaultColormap string `yaml:"default_colormap"`
}

// JobsConfig contains asynchronous selection job settings.
type JobsConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Apply defaults for values explicitly zeroed
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			LogLevel:    "info",
		},
		Data: DataConfig{
			SlidesDir: "./data/slides",
			PairingDB: "./data/pairing.db",
		},
		Cache: CacheConfig{
			FrameSizeMB:     512,
			FrameTTLMinutes: 10,
			GridCacheSize:   64,
			ResultCacheSize: 128,
		},
		Ranking: RankingConfig{
			Config: ranking.DefaultConfig(),
			Subset: true,
		},
		Extraction: ExtractionConfig{
			BackgroundThreshold:   220,
			MaxBackgroundFraction: 0.5,
		},
		Render: RenderConfig{
			CellSize:        16,
			Format:          "png",
			DefaultColormap: "categorical",
		},
		Jobs: JobsConfig{
			SQLitePath:    "./data/jobs.db",
			MaxConcurrent: 1,
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = defaults.Server.LogLevel
	}
	if cfg.Data.SlidesDir == "" {
		cfg.Data.SlidesDir = defaults.Data.SlidesDir
	}
	if cfg.Data.PairingDB == "" {
		cfg.Data.PairingDB = defaults.Data.PairingDB
	}
	if cfg.Cache.FrameSizeMB == 0 {
		cfg.Cache.FrameSizeMB = defaults.Cache.FrameSizeMB
	}
	if cfg.Cache.FrameTTLMinutes == 0 {
		cfg.Cache.FrameTTLMinutes = defaults.Cache.FrameTTLMinutes
	}
	if cfg.Cache.GridCacheSize == 0 {
		cfg.Cache.GridCacheSize = defaults.Cache.GridCacheSize
	}
	if cfg.Cache.ResultCacheSize == 0 {
		cfg.Cache.ResultCacheSize = defaults.Cache.ResultCacheSize
	}

	r, dr := &cfg.Ranking.Config, defaults.Ranking.Config
	if r.ImageSize == 0 {
		r.ImageSize = dr.ImageSize
	}
	if r.PatchSize == 0 {
		r.PatchSize = dr.PatchSize
	}
	if r.MinK == 0 {
		r.MinK = dr.MinK
	}
	if r.MaxK == 0 {
		r.MaxK = dr.MaxK
	}
	if r.ExplainedVariance == 0 {
		r.ExplainedVariance = dr.ExplainedVariance
	}
	if r.Init == "" {
		r.Init = dr.Init
	}
	if r.MaxIter == 0 {
		r.MaxIter = dr.MaxIter
	}
	if r.NInit == 0 {
		r.NInit = dr.NInit
	}

	if cfg.Extraction.BackgroundThreshold == 0 {
		cfg.Extraction.BackgroundThreshold = defaults.Extraction.BackgroundThreshold
	}
	if cfg.Extraction.MaxBackgroundFraction == 0 {
		cfg.Extraction.MaxBackgroundFraction = defaults.Extraction.MaxBackgroundFraction
	}
	if cfg.Render.CellSize == 0 {
		cfg.Render.CellSize = defaults.Render.CellSize
	}
	if cfg.Render.Format == "" {
		cfg.Render.Format = defaults.Render.Format
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
}

// Validate checks value ranges that defaults cannot repair.
func (c *Config) Validate() error {
	if err := c.Ranking.Validate(); err != nil {
		return err
	}
	if c.Extraction.MemoryBudgetMB < 0 {
		return fmt.Errorf("extraction.memory_budget_mb must not be negative, got %d", c.Extraction.MemoryBudgetMB)
	}
	if t := c.Extraction.BackgroundThreshold; t < 1 || t > 255 {
		return fmt.Errorf("extraction.background_threshold must be in [1, 255], got %d", t)
	}
	if f := c.Extraction.MaxBackgroundFraction; f < 0 || f > 1 {
		return fmt.Errorf("extraction.max_background_fraction must be in [0, 1], got %v", f)
	}
	switch c.Render.Format {
	case "png", "webp":
	default:
		return fmt.Errorf("render.format must be png or webp, got %q", c.Render.Format)
	}
	if _, err := c.Server.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (s ServerConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s.LogLevel))); err != nil {
		return 0, fmt.Errorf("server.log_level: %w", err)
	}
	return level, nil
}
