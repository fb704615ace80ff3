package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/video_cache/internal/storage"
)

// DownloadRepository stores download records in SQLite.
type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

// GetDownloads implements storage.DownloadReadRepository.
func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT content_id, url, title, metadata, file_path, content_length, seq,
			discovered_at, downloaded_at, status
		FROM downloads
		ORDER BY seq, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		var (
			record                     storage.DownloadRecord
			title, metadata, filePath  sql.NullString
			discoveredAt, downloadedAt sql.NullString
		)

		err := rows.Scan(
			&record.ContentID, &record.URL, &title, &metadata, &filePath, &record.ContentLength,
			&record.Seq, &discoveredAt, &downloadedAt, &record.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}

		record.Title = title.String
		record.Metadata = metadata.String
		record.FilePath = filePath.String
		record.DiscoveredAt = parseTime(discoveredAt)
		record.DownloadedAt = parseTime(downloadedAt)

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}

// TrackDownload implements storage.DownloadWriteRepository. Identity columns are written
// once; progress columns and the discovery sequence follow the latest snapshot.
func (r *DownloadRepository) TrackDownload(ctx context.Context, rec storage.DownloadRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (content_id, url, title, metadata, file_path, content_length, seq,
			discovered_at, downloaded_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			file_path = excluded.file_path,
			content_length = excluded.content_length,
			seq = excluded.seq,
			downloaded_at = excluded.downloaded_at,
			status = excluded.status`,
		rec.ContentID, rec.URL, rec.Title, rec.Metadata, rec.FilePath, rec.ContentLength, rec.Seq,
		formatTime(rec.DiscoveredAt), formatTime(rec.DownloadedAt), rec.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to track download %s: %w", rec.ContentID, err)
	}

	return nil
}

// UpdateDownloadStatus sets the status for a download.
func (r *DownloadRepository) UpdateDownloadStatus(ctx context.Context, contentID, status string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE downloads SET status = ? WHERE content_id = ?`, status, contentID)
	if err != nil {
		return fmt.Errorf("failed to update status of %s: %w", contentID, err)
	}

	return expectRow(res, contentID)
}

// RemoveDownload deletes the row of a download.
func (r *DownloadRepository) RemoveDownload(ctx context.Context, contentID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE content_id = ?`, contentID)
	if err != nil {
		return fmt.Errorf("failed to remove download %s: %w", contentID, err)
	}

	return expectRow(res, contentID)
}

func expectRow(res sql.Result, contentID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, contentID)
	}

	return nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}

	return t
}
