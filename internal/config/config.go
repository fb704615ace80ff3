package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/italolelis/video_cache/internal/cache"
	"github.com/italolelis/video_cache/internal/downloader"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir     string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	MaxParallel     int           `envconfig:"MAX_PARALLEL" default:"5"`
	MaxStorageBytes int64         `envconfig:"MAX_STORAGE_BYTES" default:"10737418240"`
	ChunkSize       int64         `envconfig:"CHUNK_SIZE" default:"262144"`
	DownloadTimeout time.Duration `envconfig:"DOWNLOAD_TIMEOUT" default:"30m"`
	RejectOversized bool          `envconfig:"REJECT_OVERSIZED" default:"false"`
	Retention       time.Duration `envconfig:"RETENTION" default:"0"`
	SweepInterval   time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`

	Retry struct {
		MaxAttempts    int           `split_words:"true" default:"3"`
		InitialBackoff time.Duration `split_words:"true" default:"2s"`
		MaxBackoff     time.Duration `split_words:"true" default:"1m"`
	}

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string `envconfig:"DB_PATH" default:"video_cache.db"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	PutioToken    string        `envconfig:"PUTIO_TOKEN"`
	PutioFolderID int64         `envconfig:"PUTIO_FOLDER_ID" default:"0"`
	FeedInterval  time.Duration `envconfig:"FEED_INTERVAL" default:"5m"`

	TelemetryEnabled bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
	OTLPEndpoint     string `envconfig:"OTLP_ENDPOINT"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}
}

// LoadConfig reads a .env file when present, then environment variables, and validates
// the result.
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate returns the first invalid setting found.
func (c *Config) Validate() error {
	switch {
	case c.DownloadDir == "":
		return errors.New("download directory cannot be empty")
	case c.MaxParallel <= 0:
		return fmt.Errorf("max parallel downloads must be positive: %d", c.MaxParallel)
	case c.MaxStorageBytes < 0:
		return fmt.Errorf("max storage bytes cannot be negative: %d", c.MaxStorageBytes)
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunk size must be positive: %d", c.ChunkSize)
	case c.Retry.MaxAttempts <= 0:
		return fmt.Errorf("retry max attempts must be positive: %d", c.Retry.MaxAttempts)
	case c.Retry.InitialBackoff > c.Retry.MaxBackoff:
		return fmt.Errorf("retry initial backoff %s exceeds max backoff %s", c.Retry.InitialBackoff, c.Retry.MaxBackoff)
	case c.Web.Username != "" && c.Web.Password == "":
		return errors.New("web password is required when a web username is set")
	case c.PutioToken != "" && c.FeedInterval <= 0:
		return fmt.Errorf("feed interval must be positive: %s", c.FeedInterval)
	}

	return nil
}

// CacheOptions maps the settings onto the cache core.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		DownloadDir:          c.DownloadDir,
		MaxParallelDownloads: c.MaxParallel,
		MaxStorageBytes:      c.MaxStorageBytes,
		ChunkSize:            c.ChunkSize,
		DownloadTimeout:      c.DownloadTimeout,
		Retry: downloader.RetryPolicy{
			MaxAttempts:    c.Retry.MaxAttempts,
			InitialBackoff: c.Retry.InitialBackoff,
			MaxBackoff:     c.Retry.MaxBackoff,
			Multiplier:     2,
		},
		RejectOversized: c.RejectOversized,
		Retention:       c.Retention,
		SweepInterval:   c.SweepInterval,
	}
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
