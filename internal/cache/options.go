package cache

import (
	"time"

	"github.com/italolelis/video_cache/internal/downloader"
	"github.com/italolelis/video_cache/internal/storage"
	"github.com/italolelis/video_cache/internal/telemetry"
)

// Options are the read-only settings of a cache.
type Options struct {
	DownloadDir          string
	MaxParallelDownloads int
	MaxStorageBytes      int64
	// ChunkSize is how many bytes may land between two progress updates.
	ChunkSize       int64
	DownloadTimeout time.Duration
	Retry           downloader.RetryPolicy
	// RejectOversized fails items larger than the whole budget instead of completing and
	// evicting them.
	RejectOversized bool
	Retention       time.Duration
	SweepInterval   time.Duration
}

func (o Options) validate() error {
	switch {
	case o.DownloadDir == "":
		return &ConfigurationError{Field: "DownloadDir", Reason: "must not be empty"}
	case o.MaxParallelDownloads <= 0:
		return &ConfigurationError{Field: "MaxParallelDownloads", Reason: "must be positive"}
	case o.MaxStorageBytes < 0:
		return &ConfigurationError{Field: "MaxStorageBytes", Reason: "must not be negative"}
	case o.ChunkSize < 0:
		return &ConfigurationError{Field: "ChunkSize", Reason: "must not be negative"}
	case o.DownloadTimeout < 0:
		return &ConfigurationError{Field: "DownloadTimeout", Reason: "must not be negative"}
	case o.Retry.MaxAttempts < 0:
		return &ConfigurationError{Field: "Retry.MaxAttempts", Reason: "must not be negative"}
	case o.Retry.InitialBackoff < 0 || o.Retry.MaxBackoff < 0:
		return &ConfigurationError{Field: "Retry", Reason: "backoff must not be negative"}
	case o.Retry.MaxBackoff > 0 && o.Retry.InitialBackoff > o.Retry.MaxBackoff:
		return &ConfigurationError{Field: "Retry", Reason: "initial backoff exceeds max backoff"}
	case o.Retention < 0:
		return &ConfigurationError{Field: "Retention", Reason: "must not be negative"}
	case o.SweepInterval < 0:
		return &ConfigurationError{Field: "SweepInterval", Reason: "must not be negative"}
	}

	return nil
}

// Option injects a collaborator.
type Option func(*Cache)

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f downloader.Fetcher) Option {
	return func(c *Cache) {
		c.fetcher = f
	}
}

// WithTracker persists records so completed downloads survive a restart.
func WithTracker(repo storage.DownloadRepository) Option {
	return func(c *Cache) {
		c.tracker = repo
	}
}

// WithTelemetry records cache metrics and spans.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Cache) {
		c.telemetry = tel
	}
}
