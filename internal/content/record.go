// Package content holds the data model of the cache: content records, the descriptors
// discovery feeds announce, and the summaries projected to consumers.
package content

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// Author describes who published an item.
type Author struct {
	Name    string `json:"name,omitempty"`
	Pubkey  string `json:"pubkey,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Metadata is the display descriptor supplied by the discovery feed. It is never mutated
// once attached to a record.
type Metadata struct {
	Title        string `json:"title"`
	Author       Author `json:"author"`
	Likes        int64  `json:"likes,omitempty"`
	Reposts      int64  `json:"reposts,omitempty"`
	Zaps         int64  `json:"zaps,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty" validate:"omitempty,url"`
}

// Descriptor is what a discovery feed announces.
type Descriptor struct {
	ID       string   `json:"id"`
	URL      string   `json:"url" validate:"required,url"`
	Metadata Metadata `json:"metadata"`
}

// Record is the unit of data tracked by the registry.
type Record struct {
	ID       string
	URL      string
	Metadata Metadata

	// ContentLength is nil until the expected size is learned from the transfer.
	ContentLength   *int64
	DownloadedBytes int64
	LocalPath       string
	Downloading     bool
	State           State

	Seq          uint64
	Attempts     int
	Terminal     bool
	LastError    string
	DiscoveredAt time.Time
	CompletedAt  time.Time
}

// Summary is the read-only projection handed to consumers.
type Summary struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Title           string `json:"title"`
	LocalPath       string `json:"local_path,omitempty"`
	State           State  `json:"state"`
	DownloadedBytes int64  `json:"downloaded_bytes"`
	ContentLength   *int64 `json:"content_length,omitempty"`
	Available       bool   `json:"available"`
}

// DeriveID returns the content-derived identity used when a descriptor carries none.
func DeriveID(url string) string {
	hash := sha1.Sum([]byte(url))

	return hex.EncodeToString(hash[:])
}

// NewRecord builds a record from a descriptor. The caller is expected to have validated it.
func NewRecord(d Descriptor) Record {
	id := d.ID
	if id == "" {
		id = DeriveID(d.URL)
	}

	return Record{
		ID:       id,
		URL:      d.URL,
		Metadata: d.Metadata,
		State:    StateDiscovered,
	}
}

// IsFullyDownloaded reports whether every expected byte landed and no transfer is running.
func (r Record) IsFullyDownloaded() bool {
	if r.ContentLength == nil || *r.ContentLength <= 0 {
		return false
	}

	return r.DownloadedBytes >= *r.ContentLength && !r.Downloading
}

// OccupiedBytes is the number of bytes a completed record holds on disk.
func (r Record) OccupiedBytes() int64 {
	if r.State != StateCompleted {
		return 0
	}

	return r.DownloadedBytes
}

// Clone returns a copy that shares no pointers with r.
func (r Record) Clone() Record {
	if r.ContentLength != nil {
		length := *r.ContentLength
		r.ContentLength = &length
	}

	return r
}

// Summarize projects the record for external consumers. Partial files never leak a path.
func (r Record) Summarize() Summary {
	s := Summary{
		ID:              r.ID,
		URL:             r.URL,
		Title:           r.Metadata.Title,
		State:           r.State,
		DownloadedBytes: r.DownloadedBytes,
	}

	if r.ContentLength != nil {
		length := *r.ContentLength
		s.ContentLength = &length
	}

	if r.State == StateCompleted && r.IsFullyDownloaded() {
		s.LocalPath = r.LocalPath
		s.Available = true
	}

	return s
}

// Summarize projects a slice of records.
func Summarize(records []Record) []Summary {
	summaries := make([]Summary, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, r.Summarize())
	}

	return summaries
}
