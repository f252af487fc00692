package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"SIFT_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"SIFT_DB_MAX_CONNS" default:"8"`

	Pipeline PipelineConfig
}

// PipelineConfig carries every tunable the orchestrator and the dedup
// engine consume. It is passed into constructors explicitly so tests can
// override single knobs without touching the environment.
type PipelineConfig struct {
	BatchSize        int           `envconfig:"SIFT_BATCH_SIZE" default:"50"`
	ItemWorkers      int           `envconfig:"SIFT_ITEM_WORKERS" default:"4"`
	UnitWorkers      int           `envconfig:"SIFT_UNIT_WORKERS" default:"2"`
	URLSimilarity    float64       `envconfig:"SIFT_URL_SIMILARITY" default:"0.85"`
	TitleSimilarity  float64       `envconfig:"SIFT_TITLE_SIMILARITY" default:"0.8"`
	MinConfidence    float64       `envconfig:"SIFT_MIN_CONFIDENCE" default:"0.7"`
	MaxRetries       int           `envconfig:"SIFT_MAX_RETRIES" default:"3"`
	BackoffBase      time.Duration `envconfig:"SIFT_BACKOFF_BASE" default:"2s"`
	BackoffCap       time.Duration `envconfig:"SIFT_BACKOFF_CAP" default:"1m"`
	HeartbeatTimeout time.Duration `envconfig:"SIFT_HEARTBEAT_TIMEOUT" default:"5m"`
	StepTimeout      time.Duration `envconfig:"SIFT_STEP_TIMEOUT" default:"30s"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("SIFT_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("SIFT_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("SIFT_DB_MIN_CONNS (%d) cannot exceed SIFT_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return c.Pipeline.Validate()
}

func (p *PipelineConfig) Validate() error {
	if p.BatchSize < 1 {
		return fmt.Errorf("SIFT_BATCH_SIZE must be >= 1")
	}
	if p.ItemWorkers < 1 {
		return fmt.Errorf("SIFT_ITEM_WORKERS must be >= 1")
	}
	if p.UnitWorkers < 1 {
		return fmt.Errorf("SIFT_UNIT_WORKERS must be >= 1")
	}
	for name, v := range map[string]float64{
		"SIFT_URL_SIMILARITY":   p.URLSimilarity,
		"SIFT_TITLE_SIMILARITY": p.TitleSimilarity,
		"SIFT_MIN_CONFIDENCE":   p.MinConfidence,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
		}
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("SIFT_MAX_RETRIES must be >= 0")
	}
	if p.BackoffBase <= 0 {
		return fmt.Errorf("SIFT_BACKOFF_BASE must be > 0")
	}
	if p.BackoffCap < p.BackoffBase {
		return fmt.Errorf("SIFT_BACKOFF_CAP must be >= SIFT_BACKOFF_BASE")
	}
	if p.HeartbeatTimeout <= 0 {
		return fmt.Errorf("SIFT_HEARTBEAT_TIMEOUT must be > 0")
	}
	if p.StepTimeout <= 0 {
		return fmt.Errorf("SIFT_STEP_TIMEOUT must be > 0")
	}
	return nil
}

// DefaultPipeline returns the tunables with their env defaults, for tests
// and callers that do not go through envconfig.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		BatchSize:        50,
		ItemWorkers:      4,
		UnitWorkers:      2,
		URLSimilarity:    0.85,
		TitleSimilarity:  0.8,
		MinConfidence:    0.7,
		MaxRetries:       3,
		BackoffBase:      2 * time.Second,
		BackoffCap:       time.Minute,
		HeartbeatTimeout: 5 * time.Minute,
		StepTimeout:      30 * time.Second,
	}
}
