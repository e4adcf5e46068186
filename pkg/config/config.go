// Package config loads genrelab settings from a YAML file, a .env file and
// GENRELAB_* environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/nzoschke/genrelab/pkg/errs"
)

// Config is the full set of settings shared by the CLI and the web server.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Model    ModelConfig    `yaml:"model"`
	Features FeaturesConfig `yaml:"features"`
	Train    TrainConfig    `yaml:"train"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Server   ServerConfig   `yaml:"server"`
}

// ModelConfig locates the trained model and the label registry.
type ModelConfig struct {
	Path    string `yaml:"path"`
	Labels  string `yaml:"labels"`
	Backend string `yaml:"backend"` // native, onnx or tensorflow

	// Tensor names for the onnx and tensorflow backends.
	InputName  string `yaml:"input_name"`
	OutputName string `yaml:"output_name"`
}

// FeaturesConfig controls feature extraction.
type FeaturesConfig struct {
	Policy  string `yaml:"policy"` // midpoint or augment
	Workers int    `yaml:"workers"`
}

// TrainConfig holds trainer hyperparameters.
type TrainConfig struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Patience     int     `yaml:"patience"`
	Seed         uint64  `yaml:"seed"`
}

// CatalogConfig locates the recommender catalog.
type CatalogConfig struct {
	Path  string `yaml:"path"`
	Store string `yaml:"store"` // csv or badger
	Top   int    `yaml:"top"`
}

// ServerConfig configures the web front-end.
type ServerConfig struct {
	Addr    string `yaml:"addr"`
	TempDir string `yaml:"temp_dir"`
	Fetcher string `yaml:"fetcher"` // yt-dlp binary used for remote URLs

	// MaxUpload caps request bodies, e.g. "64M".
	MaxUpload string `yaml:"max_upload"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Model: ModelConfig{
			Path:       "genre_model.msgpack",
			Labels:     "genre_labels.json",
			Backend:    "native",
			InputName:  "input",
			OutputName: "output",
		},
		Features: FeaturesConfig{
			Policy: "midpoint",
		},
		Train: TrainConfig{
			Epochs:       50,
			BatchSize:    1,
			LearningRate: 0.0005,
			WeightDecay:  5e-4,
			Patience:     10,
		},
		Catalog: CatalogConfig{
			Path:  "recommender.csv",
			Store: "csv",
			Top:   5,
		},
		Server: ServerConfig{
			Addr:      ":8080",
			Fetcher:   "yt-dlp",
			MaxUpload: "64M",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if path is
// not empty), then with variables from .env and the process environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.FromFS("read config", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errs.IO("write config", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"GENRELAB_LOG_LEVEL": &c.LogLevel,
		"GENRELAB_MODEL":     &c.Model.Path,
		"GENRELAB_LABELS":    &c.Model.Labels,
		"GENRELAB_BACKEND":   &c.Model.Backend,
		"GENRELAB_POLICY":    &c.Features.Policy,
		"GENRELAB_CATALOG":   &c.Catalog.Path,
		"GENRELAB_STORE":     &c.Catalog.Store,
		"GENRELAB_ADDR":      &c.Server.Addr,
		"GENRELAB_FETCHER":   &c.Server.Fetcher,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("GENRELAB_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GENRELAB_WORKERS: %w", err)
		}
		c.Features.Workers = n
	}
	return nil
}

// SlogLevel parses LogLevel, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
