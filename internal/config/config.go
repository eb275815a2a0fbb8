// Package config resolves worker settings from defaults, an optional YAML
// file, an optional .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/receipt-forensics/internal/forensics"
	"github.com/Brownie44l1/receipt-forensics/internal/imaging"
	"github.com/Brownie44l1/receipt-forensics/internal/model"
	"github.com/Brownie44l1/receipt-forensics/internal/protocol"
	"github.com/Brownie44l1/receipt-forensics/internal/verdict"
)

type Config struct {
	ModelDir          string  `yaml:"model_dir" env:"MAD_MODEL_DIR"`
	OrtLibrary        string  `yaml:"ort_library" env:"MAD_ORT_LIBRARY"`
	ReviewThreshold   float64 `yaml:"review_threshold" env:"MAD_REVIEW_THRESHOLD"`
	ParallelInference bool    `yaml:"parallel_inference" env:"MAD_PARALLEL_INFERENCE"`

	ForensicsEnabled  bool `yaml:"forensics_enabled" env:"MAD_FORENSICS_ENABLED"`
	ForensicsFallback bool `yaml:"forensics_fallback" env:"MAD_FORENSICS_FALLBACK"`

	MaxImageBytes  int64         `yaml:"max_image_bytes" env:"MAD_MAX_IMAGE_BYTES"`
	MaxImagePixels int64         `yaml:"max_image_pixels" env:"MAD_MAX_IMAGE_PIXELS"`
	MaxLineBytes   int           `yaml:"max_line_bytes" env:"MAD_MAX_LINE_BYTES"`
	StartupTimeout time.Duration `yaml:"startup_timeout" env:"MAD_STARTUP_TIMEOUT"`
	CacheSize      int           `yaml:"cache_size" env:"MAD_CACHE_SIZE"`

	MetricsAddr string `yaml:"metrics_addr" env:"MAD_METRICS_ADDR"`
	LogLevel    string `yaml:"log_level" env:"MAD_LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"MAD_LOG_FORMAT"`

	Models    []model.Spec     `yaml:"models"`
	Forensics forensics.Config `yaml:"forensics"`
	Policy    verdict.Policy   `yaml:"policy"`
}

// Default returns the settings the worker runs with when nothing is
// overridden.
func Default() *Config {
	return &Config{
		ModelDir:          "models",
		ReviewThreshold:   model.DefaultReviewThreshold,
		ParallelInference: true,
		ForensicsEnabled:  true,
		MaxImageBytes:     32 << 20,
		MaxImagePixels:    imaging.DefaultMaxPixels,
		MaxLineBytes:      protocol.DefaultMaxLineBytes,
		StartupTimeout:    5 * time.Minute,
		CacheSize:         64,
		LogLevel:          "info",
		LogFormat:         "json",
		Models:            model.DefaultSpecs(),
		Forensics:         forensics.DefaultConfig(),
		Policy:            verdict.DefaultPolicy(),
	}
}

// LoadFile overlays the YAML document at path onto c. Keys absent from the
// document keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// LoadEnv loads envFile into the environment when it exists, then overlays
// every MAD_* variable that is set.
func (c *Config) LoadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env (%s): %w", envFile, err)
		}
	}
	if err := envdecode.Decode(c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode environment: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.ModelDir == "" {
		return fmt.Errorf("model_dir is required")
	}
	if c.ReviewThreshold < 0 || c.ReviewThreshold > 1 {
		return fmt.Errorf("review_threshold %v outside [0,1]", c.ReviewThreshold)
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model is required")
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("model without a name")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate model %q", m.Name)
		}
		seen[m.Name] = true
		if len(m.FeatureShape) == 0 || m.FeatureSize() <= 0 {
			return fmt.Errorf("model %q: feature_shape must be positive", m.Name)
		}
	}

	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("max_image_bytes must be positive")
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("max_image_pixels must be positive")
	}
	if c.MaxLineBytes <= 0 {
		return fmt.Errorf("max_line_bytes must be positive")
	}
	if c.StartupTimeout <= 0 {
		return fmt.Errorf("startup_timeout must be positive")
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative")
	}

	if q := c.Forensics.ELA.Quality; q < 1 || q > 100 {
		return fmt.Errorf("forensics.ela.quality %d outside [1,100]", q)
	}
	for _, kw := range c.Policy.KeywordWeights {
		if kw.Weight < 0 || kw.Weight > 1 {
			return fmt.Errorf("policy weight for %q outside [0,1]", kw.Keyword)
		}
	}
	if w := c.Policy.CompressionWeight; w < 0 || w > 1 {
		return fmt.Errorf("policy.compression_weight %v outside [0,1]", w)
	}
	if v := c.Policy.ManipulatedCutoff; v < 0 || v > 1 {
		return fmt.Errorf("policy.manipulated_cutoff %v outside [0,1]", v)
	}
	return nil
}
