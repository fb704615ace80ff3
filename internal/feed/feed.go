// Package feed polls discovery sources and admits what they announce into the cache.
package feed

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/italolelis/video_cache/internal/content"
	"github.com/italolelis/video_cache/internal/logctx"
)

const restartDelay = time.Second

// Entry is an item listed by a source before its download URL is resolved.
type Entry struct {
	ID    string
	Title string
	Size  int64
}

// Source lists downloadable content. Resolving an entry may be expensive, so the poller
// only resolves entries the cache does not know yet.
type Source interface {
	Authenticate(ctx context.Context) error
	Entries(ctx context.Context) ([]Entry, error)
	Resolve(ctx context.Context, entry Entry) (content.Descriptor, error)
}

// Sink receives discovered content.
type Sink interface {
	Get(id string) (content.Record, bool)
	Discover(ctx context.Context, d content.Descriptor) (bool, error)
}

type Poller struct {
	source   Source
	sink     Sink
	name     string
	interval time.Duration
}

func NewPoller(name string, source Source, sink Sink, interval time.Duration) *Poller {
	return &Poller{
		source:   source,
		sink:     sink,
		name:     name,
		interval: interval,
	}
}

// Poll lists the source once and returns how many new records were admitted.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx).With("feed", p.name)

	entries, err := p.source.Entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s entries: %w", p.name, err)
	}

	admitted := 0

	for _, entry := range entries {
		entryLogger := logger.With("content_id", entry.ID)

		if _, known := p.sink.Get(entry.ID); known {
			continue
		}

		d, err := p.source.Resolve(ctx, entry)
		if err != nil {
			entryLogger.Error("failed to resolve entry", "err", err)

			continue
		}

		isNew, err := p.sink.Discover(ctx, d)
		if err != nil {
			entryLogger.Warn("entry rejected", "err", err)

			continue
		}

		if isNew {
			entryLogger.Info("content discovered", "title", entry.Title)

			admitted++
		}
	}

	logger.Debug("feed polled", "entries", len(entries), "admitted", admitted)

	return admitted, nil
}

// Run polls immediately and then every interval until ctx is done. A panic while polling
// restarts the loop.
func (p *Poller) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx).With("feed", p.name)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("feed poller panic", "panic", r, "stack", string(debug.Stack()))

			if ctx.Err() == nil {
				logger.Info("restarting feed poller after panic")

				select {
				case <-ctx.Done():
					return
				case <-time.After(restartDelay):
				}

				p.Run(ctx)
			}
		}
	}()

	if _, err := p.Poll(ctx); err != nil {
		logger.Error("failed to poll feed", "err", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("feed poller shutdown", "reason", "context_cancelled")

			return
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				logger.Error("failed to poll feed", "err", err)
			}
		}
	}
}
