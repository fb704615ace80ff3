// Package playlist exposes newly discovered records to consumers with consume-on-read
// semantics.
package playlist

import (
	"sync"

	"github.com/italolelis/video_cache/internal/content"
)

// Source is the part of the registry the view reads from.
type Source interface {
	Since(seq uint64) ([]content.Record, uint64)
	Enumerate() []content.Record
}

// View tracks which records were already reported as new. The cursor is the highest
// discovery sequence handed out so far; everything above it is new.
type View struct {
	mu     sync.Mutex
	source Source
	cursor uint64
}

// New creates a view with an empty cursor: every record in source is new.
func New(source Source) *View {
	return &View{source: source}
}

// NewContent returns every record discovered since the previous call, in discovery order,
// and clears their new flag. A record inserted concurrently shows up in exactly one call.
func (v *View) NewContent() []content.Record {
	v.mu.Lock()
	defer v.mu.Unlock()

	records, last := v.source.Since(v.cursor)
	v.cursor = last

	return records
}

// All returns every record in discovery order without touching the cursor.
func (v *View) All() []content.Record {
	return v.source.Enumerate()
}

// Pending returns how many records are still flagged new.
func (v *View) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	records, _ := v.source.Since(v.cursor)

	return len(records)
}
