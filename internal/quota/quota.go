// Package quota keeps the bytes held by completed downloads under the storage budget.
package quota

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/video_cache/internal/content"
	"github.com/italolelis/video_cache/internal/logctx"
	"github.com/italolelis/video_cache/internal/registry"
	"github.com/italolelis/video_cache/internal/telemetry"
)

const eventBuffer = 64

// Eviction reasons.
const (
	ReasonQuota     = "quota"
	ReasonRetention = "retention"
)

// Tracker persists the state of evicted records.
type Tracker interface {
	UpdateDownloadStatus(ctx context.Context, contentID, status string) error
}

// Config holds the quota settings.
type Config struct {
	DownloadDir     string
	MaxStorageBytes int64
	// Retention evicts completed records older than this regardless of the budget. Zero disables it.
	Retention time.Duration
}

// Manager evicts completed records, least recently completed first, until the budget holds.
type Manager struct {
	cfg       Config
	registry  *registry.Registry
	tracker   Tracker
	telemetry *telemetry.Telemetry
	now       func() time.Time

	// mu serializes passes so two enforcements never pick the same victims.
	mu sync.Mutex

	OnEvicted chan content.Record
}

// New creates a manager. tracker and tel may be nil.
func New(cfg Config, reg *registry.Registry, tracker Tracker, tel *telemetry.Telemetry) *Manager {
	return &Manager{
		cfg:       cfg,
		registry:  reg,
		tracker:   tracker,
		telemetry: tel,
		now:       time.Now,
		OnEvicted: make(chan content.Record, eventBuffer),
	}
}

// Usage returns the bytes held by completed records and the budget.
func (m *Manager) Usage() (used, limit int64) {
	for _, rec := range m.registry.Enumerate() {
		used += rec.OccupiedBytes()
	}

	return used, m.cfg.MaxStorageBytes
}

// Enforce evicts completed records until their total size fits the budget and returns what
// it evicted. Records that are queued or downloading are never touched.
func (m *Manager) Enforce(ctx context.Context) ([]content.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.enforce(ctx)
}

// Sweep applies retention and then the budget.
func (m *Manager) Sweep(ctx context.Context) ([]content.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		evicted []content.Record
		errs    []error
	)

	if m.cfg.Retention > 0 {
		expired, err := m.expire(ctx)
		evicted = append(evicted, expired...)
		errs = append(errs, err)
	}

	overBudget, err := m.enforce(ctx)
	evicted = append(evicted, overBudget...)
	errs = append(errs, err)

	return evicted, errors.Join(errs...)
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	if interval <= 0 {
		logger.Debug("storage sweep disabled")

		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("storage sweep shutting down")

			return
		case <-ticker.C:
			evicted, err := m.Sweep(ctx)
			if err != nil {
				logger.Error("storage sweep finished with errors", "err", err)
			}

			if len(evicted) > 0 {
				used, limit := m.Usage()
				logger.Info("storage sweep evicted content",
					"evicted", len(evicted),
					"used", humanize.Bytes(uint64(used)),
					"limit", humanize.Bytes(uint64(limit)),
				)
			}
		}
	}
}

// PruneOrphans deletes files in the download directory that no completed record owns, such
// as partial files left by a crash. It must run before any transfer starts.
func (m *Manager) PruneOrphans(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(m.cfg.DownloadDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read download directory: %w", err)
	}

	owned := make(map[string]bool)

	for _, rec := range m.registry.Enumerate() {
		if rec.State == content.StateCompleted && rec.LocalPath != "" {
			owned[filepath.Clean(rec.LocalPath)] = true
		}
	}

	var (
		pruned int
		errs   []error
	)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(m.cfg.DownloadDir, entry.Name())
		if owned[filepath.Clean(path)] {
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete orphaned file", "file", path, "err", err)
			errs = append(errs, err)

			continue
		}

		logger.Info("deleted orphaned file", "file", path)

		pruned++
	}

	return pruned, errors.Join(errs...)
}

func (m *Manager) enforce(ctx context.Context) ([]content.Record, error) {
	var (
		evicted []content.Record
		errs    []error
		used    int64
	)

	err := m.telemetry.InstrumentSweep(ctx, ReasonQuota, func(ctx context.Context) error {
		// Each round re-reads the registry: completions may land while we evict.
		for {
			var candidates []content.Record

			candidates, used = m.completed()
			if used <= m.cfg.MaxStorageBytes || len(candidates) == 0 {
				return errors.Join(errs...)
			}

			rec, ok, err := m.evict(ctx, candidates[0].ID, ReasonQuota)
			if err != nil {
				errs = append(errs, err)
			}

			if ok {
				evicted = append(evicted, rec)
			}
		}
	})

	m.telemetry.RecordStorageUsage(used)

	return evicted, err
}

func (m *Manager) expire(ctx context.Context) ([]content.Record, error) {
	var (
		evicted []content.Record
		errs    []error
	)

	err := m.telemetry.InstrumentSweep(ctx, ReasonRetention, func(ctx context.Context) error {
		cutoff := m.now().Add(-m.cfg.Retention)
		candidates, _ := m.completed()

		for _, c := range candidates {
			if !c.CompletedAt.Before(cutoff) {
				// Candidates are ordered by completion time.
				break
			}

			rec, ok, err := m.evict(ctx, c.ID, ReasonRetention)
			if err != nil {
				errs = append(errs, err)
			}

			if ok {
				evicted = append(evicted, rec)
			}
		}

		return errors.Join(errs...)
	})

	return evicted, err
}

// completed returns completed records ordered by completion time, then discovery order,
// with the bytes they hold.
func (m *Manager) completed() ([]content.Record, int64) {
	var (
		records []content.Record
		used    int64
	)

	for _, rec := range m.registry.Enumerate() {
		if rec.State != content.StateCompleted {
			continue
		}

		records = append(records, rec)
		used += rec.OccupiedBytes()
	}

	slices.SortStableFunc(records, func(a, b content.Record) int {
		if c := a.CompletedAt.Compare(b.CompletedAt); c != 0 {
			return c
		}

		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}

		return 0
	})

	return records, used
}

// evict moves a completed record to evicted under the registry lock and then deletes its
// file. ok is false when the record stopped being completed in the meantime.
func (m *Manager) evict(ctx context.Context, id, reason string) (rec content.Record, ok bool, err error) {
	logger := logctx.LoggerFromContext(ctx).With("content_id", id, "reason", reason)

	var path string

	m.registry.Update(id, func(r *content.Record) {
		if r.State != content.StateCompleted || r.Downloading {
			return
		}

		path = r.LocalPath

		r.State = content.StateEvicted
		r.LocalPath = ""
		rec = r.Clone()
		ok = true
	})

	if !ok {
		return rec, false, nil
	}

	if path != "" {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Error("failed to delete evicted file", "file", path, "err", rmErr)

			err = fmt.Errorf("failed to delete evicted file %s: %w", path, rmErr)
		}
	}

	if m.tracker != nil {
		if trackErr := m.tracker.UpdateDownloadStatus(ctx, id, content.StateEvicted.String()); trackErr != nil {
			logger.Warn("failed to persist eviction", "err", trackErr)
		}
	}

	m.telemetry.RecordEviction(reason, rec.DownloadedBytes)

	logger.Info("evicted content", "file", path, "file_size", humanize.Bytes(uint64(rec.DownloadedBytes)))

	select {
	case m.OnEvicted <- rec:
	default:
		logger.Warn("event channel full, dropping eviction event")
	}

	return rec, true, err
}
