package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ReefScan server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Blob      BlobConfig
	Queue     QueueConfig
	Vision    VisionConfig
	Collector CollectorConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type BlobConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

type QueueConfig struct {
	// Backend selects the queue implementation at startup: "redis" or "mock".
	Backend string
	// Name tags every message with this deployment's queue. Results carrying
	// a different tag are drained but never applied.
	Name string
	// MockDir is where the mock backend persists result files.
	MockDir string
}

type VisionConfig struct {
	// MaxConcurrentApiJobs is the per-user cap on non-terminal deploy jobs.
	MaxConcurrentApiJobs int
	// ScoresPerPoint is the top-K label scores retained per point.
	ScoresPerPoint int
	// MinAnnotatedImages gates a source's first classifier.
	MinAnnotatedImages int
	// TrainGrowthFactor is the proportional retrain trigger: a retrain is
	// eligible once confirmed images reach factor x images in last training.
	TrainGrowthFactor float64
	// ImprovementMargin is the multiplicative accuracy margin a new
	// classifier must clear to replace the active one.
	ImprovementMargin float64
	TrainEpochs       int
	// TrainResubmitWindow bounds automatic training resubmission after a
	// failed run so a broken source cannot thrash the queue.
	TrainResubmitWindow time.Duration
}

type CollectorConfig struct {
	Interval time.Duration
}

var validBackends = map[string]bool{
	"redis": true,
	"mock":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("REEFSCAN_PORT", 8080),
			Env:  envString("REEFSCAN_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Blob: BlobConfig{
			BaseURL:  os.Getenv("BLOBSTORE_URL"),
			Username: os.Getenv("BLOBSTORE_USERNAME"),
			Password: os.Getenv("BLOBSTORE_PASSWORD"),
			Timeout:  envDuration("BLOBSTORE_TIMEOUT", 30*time.Second),
		},
		Queue: QueueConfig{
			Backend: envString("QUEUE_BACKEND", "redis"),
			Name:    envString("QUEUE_NAME", "reefscan"),
			MockDir: envString("MOCK_QUEUE_DIR", os.TempDir()),
		},
		Vision: VisionConfig{
			MaxConcurrentApiJobs: envInt("MAX_CONCURRENT_API_JOBS", 5),
			ScoresPerPoint:       envInt("SCORES_PER_POINT", 5),
			MinAnnotatedImages:   envInt("MIN_ANNOTATED_IMAGES", 20),
			TrainGrowthFactor:    envFloat("TRAIN_GROWTH_FACTOR", 1.1),
			ImprovementMargin:    envFloat("IMPROVEMENT_MARGIN", 1.01),
			TrainEpochs:          envInt("TRAIN_EPOCHS", 10),
			TrainResubmitWindow:  envDuration("TRAIN_RESUBMIT_WINDOW", 24*time.Hour),
		},
		Collector: CollectorConfig{
			Interval: envDuration("COLLECT_INTERVAL", 10*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validBackends[c.Queue.Backend] {
		return fmt.Errorf("QUEUE_BACKEND must be one of redis, mock; got %q", c.Queue.Backend)
	}

	if c.Queue.Backend == "redis" {
		if c.Blob.BaseURL == "" {
			return fmt.Errorf("BLOBSTORE_URL is required when QUEUE_BACKEND is redis")
		}
		if !strings.HasPrefix(c.Blob.BaseURL, "http://") && !strings.HasPrefix(c.Blob.BaseURL, "https://") {
			return fmt.Errorf("BLOBSTORE_URL must start with http:// or https://, got %q", c.Blob.BaseURL)
		}
	}

	if c.Vision.MaxConcurrentApiJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_API_JOBS must be at least 1")
	}
	if c.Vision.ScoresPerPoint < 1 {
		return fmt.Errorf("SCORES_PER_POINT must be at least 1")
	}
	if c.Vision.TrainGrowthFactor <= 1.0 {
		return fmt.Errorf("TRAIN_GROWTH_FACTOR must be greater than 1.0, got %v", c.Vision.TrainGrowthFactor)
	}
	if c.Vision.ImprovementMargin < 1.0 {
		return fmt.Errorf("IMPROVEMENT_MARGIN must be at least 1.0, got %v", c.Vision.ImprovementMargin)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
