package quota

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/video_cache/internal/content"
	"github.com/italolelis/video_cache/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeTracker struct {
	mu       sync.Mutex
	statuses map[string]string
}

func (f *fakeTracker) UpdateDownloadStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.statuses == nil {
		f.statuses = make(map[string]string)
	}

	f.statuses[id] = status

	return nil
}

type fixture struct {
	dir string
	reg *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	return &fixture{dir: t.TempDir(), reg: registry.New()}
}

// completed adds a record holding size bytes on disk that finished at completedAt.
func (f *fixture) completed(t *testing.T, id string, size int64, completedAt time.Time) string {
	t.Helper()

	path := filepath.Join(f.dir, id)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))

	require.True(t, f.reg.InsertIfAbsent(content.NewRecord(content.Descriptor{ID: id, URL: "https://cdn.test/" + id})))
	f.reg.Update(id, func(rec *content.Record) {
		length := size
		rec.ContentLength = &length
		rec.DownloadedBytes = size
		rec.LocalPath = path
		rec.State = content.StateCompleted
		rec.CompletedAt = completedAt
	})

	return path
}

func (f *fixture) inState(t *testing.T, id string, size int64, state content.State) {
	t.Helper()

	require.True(t, f.reg.InsertIfAbsent(content.NewRecord(content.Descriptor{ID: id, URL: "https://cdn.test/" + id})))
	f.reg.Update(id, func(rec *content.Record) {
		length := size
		rec.ContentLength = &length
		rec.DownloadedBytes = size / 2
		rec.State = state
		rec.Downloading = state == content.StateDownloading
	})
}

func ids(records []content.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}

	return out
}

func TestEnforce_EvictsLeastRecentlyCompleted(t *testing.T) {
	f := newFixture(t)
	tracker := &fakeTracker{}
	m := New(Config{DownloadDir: f.dir, MaxStorageBytes: 1000}, f.reg, tracker, nil)

	pathA := f.completed(t, "A", 400, epoch)
	pathB := f.completed(t, "B", 400, epoch.Add(time.Second))
	pathC := f.completed(t, "C", 400, epoch.Add(2*time.Second))

	evicted, err := m.Enforce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, ids(evicted))
	assert.NoFileExists(t, pathA)
	assert.FileExists(t, pathB)
	assert.FileExists(t, pathC)

	a, ok := f.reg.Get("A")
	require.True(t, ok, "evicted records stay listed")
	assert.Equal(t, content.StateEvicted, a.State)
	assert.Empty(t, a.Summarize().LocalPath)
	assert.False(t, a.Summarize().Available)

	for _, id := range []string{"B", "C"} {
		rec, _ := f.reg.Get(id)
		assert.NotEmpty(t, rec.Summarize().LocalPath, id)
	}

	used, limit := m.Usage()
	assert.Equal(t, int64(800), used)
	assert.Equal(t, int64(1000), limit)

	assert.Equal(t, map[string]string{"A": "evicted"}, tracker.statuses)

	select {
	case ev := <-m.OnEvicted:
		assert.Equal(t, "A", ev.ID)
	default:
		t.Fatal("expected an eviction event")
	}
}

func TestEnforce_TiesBrokenByDiscoveryOrder(t *testing.T) {
	f := newFixture(t)
	m := New(Config{DownloadDir: f.dir, MaxStorageBytes: 300}, f.reg, nil, nil)

	f.completed(t, "first", 200, epoch)
	f.completed(t, "second", 200, epoch)
	f.completed(t, "third", 200, epoch)

	evicted, err := m.Enforce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, ids(evicted))
}

func TestEnforce_OnlyCompletedRecordsAreCandidates(t *testing.T) {
	f := newFixture(t)
	m := New(Config{DownloadDir: f.dir, MaxStorageBytes: 100}, f.reg, nil, nil)

	f.inState(t, "downloading", 5000, content.StateDownloading)
	f.inState(t, "queued", 5000, content.StateQueued)
	f.inState(t, "failed", 5000, content.StateFailed)
	f.completed(t, "small", 50, epoch)

	evicted, err := m.Enforce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, evicted)

	for _, id := range []string{"downloading", "queued", "failed", "small"} {
		rec, ok := f.reg.Get(id)
		require.True(t, ok)
		assert.NotEqual(t, content.StateEvicted, rec.State, id)
	}
}

func TestEnforce_SingleItemOverBudgetIsEvicted(t *testing.T) {
	f := newFixture(t)
	m := New(Config{DownloadDir: f.dir, MaxStorageBytes: 100}, f.reg, nil, nil)

	path := f.completed(t, "huge", 500, epoch)

	evicted, err := m.Enforce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"huge"}, ids(evicted))
	assert.NoFileExists(t, path)

	used, _ := m.Usage()
	assert.Zero(t, used)
}

func TestEnforce_ZeroBudgetEvictsEverything(t *testing.T) {
	f := newFixture(t)
	m := New(Config{DownloadDir: f.dir, MaxStorageBytes: 0}, f.reg, nil, nil)

	f.completed(t, "a", 1, epoch)
	f.completed(t, "b", 1, epoch.Add(time.Minute))

	evicted, err := m.Enforce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(evicted))
}

func TestEnforce_MissingFileIsNotAnError(t *testing.T) {
	f := newFixture(t)
	m := New(Config{DownloadDir: f.dir, MaxStorageBytes: 10}, f.reg, nil, nil)

	path := f.completed(t, "gone", 50, epoch)
	require.NoError(t, os.Remove(path))

	evicted, err := m.Enforce(context.Background())
	require.NoError(t, err)
	assert.Len(t, evicted, 1)
}

func TestSweep_Retention(t *testing.T) {
	f := newFixture(t)
	m := New(Config{DownloadDir: f.dir, MaxStorageBytes: 10_000, Retention: time.Hour}, f.reg, nil, nil)
	m.now = func() time.Time { return epoch.Add(2 * time.Hour) }

	old := f.completed(t, "old", 10, epoch)
	fresh := f.completed(t, "fresh", 10, epoch.Add(90*time.Minute))

	evicted, err := m.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"old"}, ids(evicted))
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func TestSweep_RetentionDisabled(t *testing.T) {
	f := newFixture(t)
	m := New(Config{DownloadDir: f.dir, MaxStorageBytes: 10_000}, f.reg, nil, nil)
	m.now = func() time.Time { return epoch.Add(24 * 365 * time.Hour) }

	f.completed(t, "ancient", 10, epoch)

	evicted, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, evicted)
}

func TestPruneOrphans(t *testing.T) {
	f := newFixture(t)
	m := New(Config{DownloadDir: f.dir, MaxStorageBytes: 10_000}, f.reg, nil, nil)

	kept := f.completed(t, "kept", 10, epoch)
	partial := filepath.Join(f.dir, "partial")
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(f.dir, "nested"), 0o755))

	pruned, err := m.PruneOrphans(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, pruned)
	assert.FileExists(t, kept)
	assert.NoFileExists(t, partial)
	assert.DirExists(t, filepath.Join(f.dir, "nested"))
}

func TestPruneOrphans_MissingDirectory(t *testing.T) {
	m := New(Config{DownloadDir: filepath.Join(t.TempDir(), "absent")}, registry.New(), nil, nil)

	pruned, err := m.PruneOrphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func TestEnforce_ConcurrentCallsNeverDoubleEvict(t *testing.T) {
	f := newFixture(t)
	m := New(Config{DownloadDir: f.dir, MaxStorageBytes: 500}, f.reg, nil, nil)

	for i := range 10 {
		f.completed(t, string(rune('a'+i)), 100, epoch.Add(time.Duration(i)*time.Second))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total []content.Record
	)

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			evicted, err := m.Enforce(context.Background())
			assert.NoError(t, err)

			mu.Lock()
			total = append(total, evicted...)
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Len(t, total, 5)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, ids(total))

	used, _ := m.Usage()
	assert.Equal(t, int64(500), used)
}

func TestRun_StopsWithContext(t *testing.T) {
	f := newFixture(t)
	m := New(Config{DownloadDir: f.dir, MaxStorageBytes: 10}, f.reg, nil, nil)

	f.completed(t, "big", 100, epoch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		m.Run(ctx, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		rec, _ := f.reg.Get("big")

		return rec.State == content.StateEvicted
	}, 5*time.Second, time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
