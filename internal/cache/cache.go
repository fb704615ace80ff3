// Package cache is the bounded media-download cache: it admits discovered content,
// downloads it under a concurrency cap, keeps it under a storage budget and reports
// what is new.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/italolelis/video_cache/internal/content"
	"github.com/italolelis/video_cache/internal/downloader"
	"github.com/italolelis/video_cache/internal/logctx"
	"github.com/italolelis/video_cache/internal/playlist"
	"github.com/italolelis/video_cache/internal/quota"
	"github.com/italolelis/video_cache/internal/registry"
	"github.com/italolelis/video_cache/internal/storage"
	"github.com/italolelis/video_cache/internal/telemetry"
)

const dirPerm = 0755

// Usage describes storage and transfer occupancy.
type Usage struct {
	UsedBytes  int64 `json:"used_bytes"`
	LimitBytes int64 `json:"limit_bytes"`
	Records    int   `json:"records"`
	Active     int   `json:"active"`
	Pending    int   `json:"pending"`
	// Unseen counts records not yet returned by NewContent.
	Unseen int `json:"unseen"`
}

// Cache is the handle to a running core. Every entry point goes through it; there is no
// process-wide state, so several caches can coexist.
type Cache struct {
	opts      Options
	registry  *registry.Registry
	playlist  *playlist.View
	scheduler *downloader.Scheduler
	quota     *quota.Manager
	fetcher   downloader.Fetcher
	tracker   storage.DownloadRepository
	telemetry *telemetry.Telemetry
	validate  *validator.Validate

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	sweeps  sync.WaitGroup

	// Events are delivered without blocking the workers; unread events are dropped.
	OnCompleted <-chan content.Record
	OnFailed    <-chan content.Record
	OnEvicted   <-chan content.Record
}

// New validates opts and builds a cache. Nothing is downloaded until Start.
func New(opts Options, deps ...Option) (*Cache, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	c := &Cache{
		opts:     opts,
		registry: registry.New(),
		validate: validator.New(),
	}

	for _, apply := range deps {
		apply(c)
	}

	if c.fetcher == nil {
		c.fetcher = downloader.NewHTTPFetcher()
	}

	c.playlist = playlist.New(c.registry)

	c.scheduler = downloader.NewScheduler(downloader.Config{
		DownloadDir:     opts.DownloadDir,
		MaxParallel:     opts.MaxParallelDownloads,
		ChunkSize:       opts.ChunkSize,
		Timeout:         opts.DownloadTimeout,
		Retry:           opts.Retry,
		MaxStorageBytes: opts.MaxStorageBytes,
		RejectOversized: opts.RejectOversized,
	}, c.registry, c.fetcher, c.telemetry)

	var tracker quota.Tracker
	if c.tracker != nil {
		tracker = c.tracker
	}

	c.quota = quota.New(quota.Config{
		DownloadDir:     opts.DownloadDir,
		MaxStorageBytes: opts.MaxStorageBytes,
		Retention:       opts.Retention,
	}, c.registry, tracker, c.telemetry)

	c.scheduler.OnComplete(c.onCompleted)
	c.scheduler.OnFail(c.onFailed)

	c.OnCompleted = c.scheduler.OnCompleted
	c.OnFailed = c.scheduler.OnFailed
	c.OnEvicted = c.quota.OnEvicted

	return c, nil
}

// Start restores persisted records, removes stray files and begins downloading.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(c.opts.DownloadDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	if err := c.restore(ctx); err != nil {
		return err
	}

	pruned, err := c.quota.PruneOrphans(ctx)
	if err != nil {
		logger.Warn("failed to prune orphaned files", "err", err)
	}

	ctx, c.cancel = context.WithCancel(ctx)

	c.scheduler.Start(ctx)

	for _, rec := range c.registry.Enumerate() {
		if rec.State.IsPending() {
			c.scheduler.Submit(rec.ID)
		}
	}

	if _, err := c.quota.Enforce(ctx); err != nil {
		logger.Warn("initial storage enforcement finished with errors", "err", err)
	}

	c.sweeps.Add(1)

	go func() {
		defer c.sweeps.Done()

		c.quota.Run(ctx, c.opts.SweepInterval)
	}()

	c.started = true

	logger.Info("content cache started",
		"download_dir", c.opts.DownloadDir,
		"max_parallel", c.opts.MaxParallelDownloads,
		"max_storage", humanize.Bytes(uint64(c.opts.MaxStorageBytes)),
		"records", c.registry.Len(),
		"pruned", pruned,
	)

	return nil
}

// Shutdown cancels in-flight transfers and waits for the workers, or for ctx to expire.
// Interrupted records go back to the queue and are resumed by the next Start.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.mu.Lock()

	if !c.started {
		c.mu.Unlock()

		return nil
	}

	c.started = false
	c.cancel()
	c.mu.Unlock()

	done := make(chan struct{})

	go func() {
		defer close(done)

		c.scheduler.Stop()
		c.sweeps.Wait()
	}()

	select {
	case <-done:
		logctx.LoggerFromContext(ctx).Info("content cache stopped")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop workers: %w", ctx.Err())
	}
}

// Discover admits a descriptor announced by a feed. It reports whether the content was new;
// re-announcing known content is a no-op.
func (c *Cache) Discover(ctx context.Context, d content.Descriptor) (bool, error) {
	if err := c.validate.StructCtx(ctx, d); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}

	rec := content.NewRecord(d)

	isNew := c.registry.InsertIfAbsent(rec)
	c.telemetry.RecordDiscovery(isNew)

	if !isNew {
		return false, nil
	}

	logger := logctx.LoggerFromContext(ctx).With("content_id", rec.ID)
	logger.Debug("content discovered", "url", rec.URL, "title", rec.Metadata.Title)

	if snapshot, ok := c.registry.Get(rec.ID); ok {
		c.persist(ctx, snapshot)
	}

	c.scheduler.Submit(rec.ID)

	return true, nil
}

// ListAll returns every known record in discovery order.
func (c *Cache) ListAll() []content.Summary {
	return content.Summarize(c.playlist.All())
}

// NewContent returns the records discovered since the previous call and clears their new flag.
func (c *Cache) NewContent() []content.Summary {
	return content.Summarize(c.playlist.NewContent())
}

// Get returns a snapshot of one record.
func (c *Cache) Get(id string) (content.Record, bool) {
	return c.registry.Get(id)
}

// Remove forgets a record, aborting its transfer and deleting its file.
func (c *Cache) Remove(ctx context.Context, id string) bool {
	rec, ok := c.registry.Remove(id)
	if !ok {
		return false
	}

	logger := logctx.LoggerFromContext(ctx).With("content_id", id)

	// The worker deletes its own partial file once cancelled.
	c.scheduler.Cancel(id)

	if rec.State == content.StateCompleted && rec.LocalPath != "" {
		if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete removed content", "file", rec.LocalPath, "err", err)
		}
	}

	if c.tracker != nil {
		if err := c.tracker.RemoveDownload(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("failed to forget removed content", "err", err)
		}
	}

	logger.Info("content removed", "state", rec.State)

	return true
}

// Usage reports storage and transfer occupancy.
func (c *Cache) Usage() Usage {
	used, limit := c.quota.Usage()

	return Usage{
		UsedBytes:  used,
		LimitBytes: limit,
		Records:    c.registry.Len(),
		Active:     c.scheduler.Active(),
		Pending:    c.scheduler.Pending(),
		Unseen:     c.playlist.Pending(),
	}
}

func (c *Cache) onCompleted(ctx context.Context, rec content.Record) {
	// Bookkeeping must finish even when shutdown races the last bytes.
	ctx = context.WithoutCancel(ctx)

	c.persist(ctx, rec)

	if _, err := c.quota.Enforce(ctx); err != nil {
		logctx.LoggerFromContext(ctx).Error("storage enforcement finished with errors", "err", err)
	}
}

func (c *Cache) onFailed(ctx context.Context, rec content.Record) {
	c.persist(context.WithoutCancel(ctx), rec)
}

func (c *Cache) persist(ctx context.Context, rec content.Record) {
	if c.tracker == nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	row, err := storage.FromRecord(rec)
	if err != nil {
		logger.Error("failed to encode record", "content_id", rec.ID, "err", err)

		return
	}

	if err := c.tracker.TrackDownload(ctx, row); err != nil {
		logger.Warn("failed to persist record", "content_id", rec.ID, "err", err)
	}
}

// restore loads persisted records. Completed records whose file vanished are downloaded again.
func (c *Cache) restore(ctx context.Context) error {
	if c.tracker == nil {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)

	rows, err := c.tracker.GetDownloads(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tracked downloads: %w", err)
	}

	restored := 0

	for _, row := range rows {
		rec, err := row.Record()
		if err != nil {
			logger.Warn("skipping unreadable record", "content_id", row.ContentID, "err", err)

			continue
		}

		if rec.State == content.StateCompleted && !fileExists(rec.LocalPath) {
			logger.Warn("completed file is missing, downloading again", "content_id", rec.ID, "file", rec.LocalPath)

			rec = content.NewRecord(content.Descriptor{ID: rec.ID, URL: rec.URL, Metadata: rec.Metadata})
			rec.DiscoveredAt = row.DiscoveredAt
		}

		if !c.registry.InsertIfAbsent(rec) {
			continue
		}

		restored++

		// Sequences restart with the process; keep the stored order in step.
		if snapshot, ok := c.registry.Get(rec.ID); ok {
			c.persist(ctx, snapshot)
		}
	}

	if restored > 0 {
		logger.Info("restored tracked content", "records", restored)
	}

	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}
