// Package storage defines how content records are persisted across restarts.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/video_cache/internal/content"
)

// ErrNotFound is returned when no row exists for a content id.
var ErrNotFound = errors.New("download not found")

// DownloadRecord is the persisted form of a content record.
type DownloadRecord struct {
	ContentID     string
	URL           string
	Title         string
	Metadata      string // JSON-encoded content.Metadata
	FilePath      string
	ContentLength int64
	Seq           uint64
	DiscoveredAt  time.Time
	DownloadedAt  time.Time
	Status        string
}

type DownloadReadRepository interface {
	// GetDownloads returns every row in discovery order.
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
}

type DownloadWriteRepository interface {
	// TrackDownload inserts the row or refreshes its progress columns.
	TrackDownload(ctx context.Context, rec DownloadRecord) error
	UpdateDownloadStatus(ctx context.Context, contentID, status string) error
	RemoveDownload(ctx context.Context, contentID string) error
}

// DownloadRepository is the full persistence contract used by the cache.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}

// FromRecord converts a registry snapshot to its persisted form.
func FromRecord(rec content.Record) (DownloadRecord, error) {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return DownloadRecord{}, fmt.Errorf("failed to encode metadata: %w", err)
	}

	d := DownloadRecord{
		ContentID:    rec.ID,
		URL:          rec.URL,
		Title:        rec.Metadata.Title,
		Metadata:     string(meta),
		FilePath:     rec.LocalPath,
		Seq:          rec.Seq,
		DiscoveredAt: rec.DiscoveredAt,
		DownloadedAt: rec.CompletedAt,
		Status:       rec.State.String(),
	}

	if rec.ContentLength != nil {
		d.ContentLength = *rec.ContentLength
	}

	return d, nil
}

// Record rebuilds the content record a row describes. Transient states come back as
// discovered so the transfer starts over.
func (d DownloadRecord) Record() (content.Record, error) {
	var meta content.Metadata

	if d.Metadata != "" {
		if err := json.Unmarshal([]byte(d.Metadata), &meta); err != nil {
			return content.Record{}, fmt.Errorf("failed to decode metadata of %s: %w", d.ContentID, err)
		}
	}

	rec := content.NewRecord(content.Descriptor{ID: d.ContentID, URL: d.URL, Metadata: meta})
	rec.DiscoveredAt = d.DiscoveredAt

	switch content.State(d.Status) {
	case content.StateCompleted:
		length := d.ContentLength
		rec.ContentLength = &length
		rec.DownloadedBytes = d.ContentLength
		rec.LocalPath = d.FilePath
		rec.CompletedAt = d.DownloadedAt
		rec.State = content.StateCompleted
	case content.StateEvicted:
		if d.ContentLength > 0 {
			length := d.ContentLength
			rec.ContentLength = &length
		}

		rec.CompletedAt = d.DownloadedAt
		rec.State = content.StateEvicted
	case content.StateFailed:
		rec.State = content.StateFailed
		rec.Terminal = true
	}

	return rec, nil
}
