// Package config provides configuration loading for the service: defaults,
// an optional JSON file, and environment overrides, validated before use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jmalik/finsights/internal/pipeline"
)

// PipelineConfig carries the executor tunables in file-friendly units.
// These are empirically tuned values, kept configurable on purpose.
type PipelineConfig struct {
	OverallDeadlineSeconds int            `json:"overall_deadline_seconds" validate:"gte=0"`
	StageTimeoutSeconds    map[string]int `json:"stage_timeout_seconds"`
	CacheTTLSeconds        int            `json:"cache_ttl_seconds" validate:"gte=0"`
	MinResultLength        int            `json:"min_result_length" validate:"gte=0"`
}

// Config is the full service configuration.
type Config struct {
	Port        int    `json:"port" validate:"gte=1,lte=65535"`
	DatabaseURL string `json:"database_url"`
	APIKey      string `json:"api_key"`
	// AuthSecret signs/verifies owner bearer tokens. When empty the
	// server accepts the X-User-ID header instead (trusted deployments).
	AuthSecret string `json:"auth_secret"`

	DataDir    string `json:"data_dir" validate:"required"`
	StorageDir string `json:"storage_dir" validate:"required"`
	CacheDir   string `json:"cache_dir"`

	MaxUploadBytes   int64 `json:"max_upload_bytes" validate:"gte=0"`
	MaxDocumentChars int   `json:"max_document_chars" validate:"gte=0"`

	Pipeline PipelineConfig `json:"pipeline"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Port:             8000,
		DataDir:          "data",
		StorageDir:       "storage",
		CacheDir:         "cache",
		MaxUploadBytes:   50 * 1024 * 1024,
		MaxDocumentChars: 200_000,
		Pipeline: PipelineConfig{
			OverallDeadlineSeconds: 15 * 60,
			CacheTTLSeconds:        3600,
			MinResultLength:        100,
		},
	}
}

// Load builds the configuration from defaults, an optional JSON file, and
// environment overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		c.AuthSecret = v
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// OverallDeadline returns the hard wall-clock bound for one job.
func (c *Config) OverallDeadline() time.Duration {
	return time.Duration(c.Pipeline.OverallDeadlineSeconds) * time.Second
}

// ExecutorConfig converts the pipeline section into executor units,
// preserving defaults for anything unset.
func (c *Config) ExecutorConfig() pipeline.Config {
	out := pipeline.DefaultConfig()
	if c.Pipeline.CacheTTLSeconds > 0 {
		out.CacheTTL = time.Duration(c.Pipeline.CacheTTLSeconds) * time.Second
	}
	if c.Pipeline.MinResultLength > 0 {
		out.MinResultLength = c.Pipeline.MinResultLength
	}
	for stage, secs := range c.Pipeline.StageTimeoutSeconds {
		if secs > 0 {
			out.StageTimeouts[stage] = time.Duration(secs) * time.Second
		}
	}
	return out
}
