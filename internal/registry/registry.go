// Package registry is the concurrency-safe store of every known content record.
package registry

import (
	"slices"
	"sync"
	"time"

	"github.com/italolelis/video_cache/internal/content"
)

// Registry owns all content records keyed by identity. Callers only ever see copies;
// every mutation goes through Update or RemoveIf so multi-field changes are atomic.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*content.Record
	seq     uint64
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		records: make(map[string]*content.Record),
		now:     time.Now,
	}
}

// InsertIfAbsent adds a newly discovered record and reports whether it was new.
// Discovery feeds may re-announce items; those calls are no-ops.
func (r *Registry) InsertIfAbsent(rec content.Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.ID]; ok {
		return false
	}

	r.seq++

	stored := rec.Clone()
	stored.Seq = r.seq

	if stored.State == "" {
		stored.State = content.StateDiscovered
	}

	if stored.DiscoveredAt.IsZero() {
		stored.DiscoveredAt = r.now()
	}

	r.records[rec.ID] = &stored

	return true
}

// Get returns a snapshot of the record.
func (r *Registry) Get(id string) (content.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return content.Record{}, false
	}

	return rec.Clone(), true
}

// Update applies fn to the record under exclusive access. It is a no-op returning false
// when the record no longer exists.
func (r *Registry) Update(id string, fn func(rec *content.Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}

	fn(rec)

	return true
}

// Remove deletes the record and returns it so its local file can be cleaned up.
func (r *Registry) Remove(id string) (content.Record, bool) {
	return r.RemoveIf(id, func(content.Record) bool { return true })
}

// RemoveIf deletes the record only when pred holds, checked under the same lock.
func (r *Registry) RemoveIf(id string, pred func(rec content.Record) bool) (content.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || !pred(*rec) {
		return content.Record{}, false
	}

	delete(r.records, id)

	return rec.Clone(), true
}

// Enumerate returns snapshots of every record in discovery order.
func (r *Registry) Enumerate() []content.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.collect(func(*content.Record) bool { return true })
}

// Since returns every record discovered after seq, in discovery order, together with the
// latest assigned sequence. Both are read in one critical section.
func (r *Registry) Since(seq uint64) ([]content.Record, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.collect(func(rec *content.Record) bool { return rec.Seq > seq }), r.seq
}

// Len returns the number of known records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.records)
}

func (r *Registry) collect(keep func(*content.Record) bool) []content.Record {
	out := make([]content.Record, 0, len(r.records))

	for _, rec := range r.records {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}

	slices.SortFunc(out, func(a, b content.Record) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})

	return out
}
