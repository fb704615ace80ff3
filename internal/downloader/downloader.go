package downloader

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/italolelis/video_cache/internal/content"
	"github.com/italolelis/video_cache/internal/downloader/progress"
	"github.com/italolelis/video_cache/internal/logctx"
	"github.com/italolelis/video_cache/internal/registry"
	"github.com/italolelis/video_cache/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm = 0755

	eventBuffer = 64
	copyBuffer  = 32 * 1024
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// RetryPolicy bounds how often a failed record is requeued and how long it waits.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy is used when no policy is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
	}
}

// Config holds the scheduler settings. They are read-only once the scheduler exists.
type Config struct {
	DownloadDir     string
	MaxParallel     int
	ChunkSize       int64
	Timeout         time.Duration
	Retry           RetryPolicy
	MaxStorageBytes int64
	RejectOversized bool
}

// EventHandler is called synchronously by the worker that produced the event, while it
// still holds its slot.
type EventHandler func(ctx context.Context, rec content.Record)

// Scheduler admits records in discovery order, runs at most MaxParallel transfers at a time
// and drives each transfer's progress through the registry.
type Scheduler struct {
	cfg       Config
	registry  *registry.Registry
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
	now       func() time.Time

	mu         sync.Mutex
	onComplete []EventHandler
	onFail     []EventHandler
	queue      pendingQueue
	queued     map[string]bool
	deferred   map[string]pendingItem
	active     map[string]*worker
	retries    map[string]*time.Timer
	backoffs   map[string]*backoff.ExponentialBackOff
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	group      errgroup.Group

	OnCompleted chan content.Record
	OnFailed    chan content.Record
}

// worker is the slot held by one transfer. seq pins the record generation it was started
// for, so a record removed and discovered again is never touched by the old worker.
type worker struct {
	seq    uint64
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Nothing is transferred until Start is called.
func NewScheduler(cfg Config, reg *registry.Registry, fetcher Fetcher, tel *telemetry.Telemetry) *Scheduler {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	defaults := DefaultRetryPolicy()

	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = defaults.InitialBackoff
	}

	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = max(defaults.MaxBackoff, cfg.Retry.InitialBackoff)
	}

	if cfg.Retry.Multiplier <= 0 {
		cfg.Retry.Multiplier = defaults.Multiplier
	}

	return &Scheduler{
		cfg:         cfg,
		registry:    reg,
		fetcher:     fetcher,
		telemetry:   tel,
		now:         time.Now,
		queued:      make(map[string]bool),
		deferred:    make(map[string]pendingItem),
		active:      make(map[string]*worker),
		retries:     make(map[string]*time.Timer),
		backoffs:    make(map[string]*backoff.ExponentialBackOff),
		OnCompleted: make(chan content.Record, eventBuffer),
		OnFailed:    make(chan content.Record, eventBuffer),
	}
}

// OnComplete registers a handler to be called after every completion.
func (s *Scheduler) OnComplete(h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onComplete = append(s.onComplete, h)
}

// OnFail registers a handler to be called when a record fails terminally.
func (s *Scheduler) OnFail(h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onFail = append(s.onFail, h)
}

// Start begins admitting queued records. Transfers inherit ctx and are cancelled with it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	logctx.LoggerFromContext(ctx).Info("download scheduler started",
		"max_parallel", s.cfg.MaxParallel,
		"download_dir", s.cfg.DownloadDir,
		"queued", s.queue.Len(),
	)

	s.dispatchLocked()
}

// Stop cancels every in-flight transfer and pending retry and waits for the workers.
func (s *Scheduler) Stop() {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()

		return
	}

	s.running = false
	s.cancel()

	for id, timer := range s.retries {
		timer.Stop()
		delete(s.retries, id)
	}

	s.mu.Unlock()

	_ = s.group.Wait()
}

// Submit asks for a record to be transferred. It is a no-op returning false when the record
// is unknown, already queued, downloading, completed or terminally failed. A record whose
// previous worker is still winding down waits for that worker's slot.
func (s *Scheduler) Submit(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queued[id] {
		return false
	}

	var (
		seq      uint64
		eligible bool
	)

	s.registry.Update(id, func(rec *content.Record) {
		if rec.Terminal || rec.Downloading {
			return
		}

		if rec.State.IsPending() || rec.State == content.StateFailed {
			rec.State = content.StateQueued
			seq = rec.Seq
			eligible = true
		}
	})

	if !eligible {
		return false
	}

	if timer, ok := s.retries[id]; ok {
		timer.Stop()
		delete(s.retries, id)
	}

	heap.Push(&s.queue, pendingItem{id: id, seq: seq})
	s.queued[id] = true

	s.dispatchLocked()

	return true
}

// Cancel aborts the queued or in-flight transfer of a removed record. The partial file is
// removed by the worker. When the id has already been discovered again, only the worker of
// the removed generation is stopped.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, known := s.registry.Get(id)

	if w, ok := s.active[id]; ok && (!known || w.seq != current.Seq) {
		w.cancel()
	}

	if known {
		return
	}

	delete(s.queued, id)
	delete(s.deferred, id)
	delete(s.backoffs, id)

	if timer, ok := s.retries[id]; ok {
		timer.Stop()
		delete(s.retries, id)
	}
}

// Active returns the number of in-flight transfers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.active)
}

// Pending returns the number of records waiting for a slot.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queued)
}

// dispatchLocked starts workers while slots are free. s.mu must be held.
func (s *Scheduler) dispatchLocked() {
	for s.running && len(s.active) < s.cfg.MaxParallel && s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(pendingItem)

		// Cancelled or re-pushed entries are skipped lazily.
		if !s.queued[item.id] {
			continue
		}

		// The previous generation still owns the file; wait for its release.
		if _, busy := s.active[item.id]; busy {
			s.deferred[item.id] = item

			continue
		}

		delete(s.queued, item.id)

		ctx, cancel := context.WithCancel(s.ctx)
		s.active[item.id] = &worker{seq: item.seq, cancel: cancel}

		id, seq := item.id, item.seq

		s.group.Go(func() error {
			defer s.release(id)

			s.run(ctx, id, seq)

			return nil
		})
	}
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.active[id]; ok {
		w.cancel()
		delete(s.active, id)
	}

	if item, ok := s.deferred[id]; ok {
		delete(s.deferred, id)

		if s.queued[id] {
			heap.Push(&s.queue, item)
		}
	}

	s.dispatchLocked()
}

func (s *Scheduler) run(ctx context.Context, id string, seq uint64) {
	ctx, logger := logctx.With(ctx, "content_id", id)

	rec, ok := s.begin(id, seq)
	if !ok {
		logger.Debug("record vanished before transfer started")

		return
	}

	var path string

	err := s.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		var err error

		path, err = s.transfer(ctx, rec)

		return err
	})
	if err != nil {
		s.fail(ctx, rec, err)

		return
	}

	s.complete(ctx, rec, path)
}

// begin moves the record to downloading and returns a snapshot of it. It refuses when the
// record under id is no longer the generation that was queued.
func (s *Scheduler) begin(id string, seq uint64) (content.Record, bool) {
	var (
		snapshot content.Record
		started  bool
	)

	s.registry.Update(id, func(rec *content.Record) {
		if rec.Seq != seq || !rec.State.CanTransitionTo(content.StateDownloading) {
			return
		}

		rec.State = content.StateDownloading
		rec.Downloading = true
		rec.Attempts++
		snapshot = rec.Clone()
		started = true
	})

	return snapshot, started
}

// owns reports whether r is still the record generation the worker started on.
func owns(r *content.Record, rec content.Record) bool {
	return r.Seq == rec.Seq && r.Downloading
}

func (s *Scheduler) transfer(ctx context.Context, rec content.Record) (_ string, err error) {
	logger := logctx.LoggerFromContext(ctx)

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	wrap := func(op string, err error) error {
		return &TransferError{ID: rec.ID, Op: op, Attempt: rec.Attempts, Err: err}
	}

	payload, err := s.fetcher.Fetch(ctx, rec.URL)
	if err != nil {
		return "", wrap("fetch", err)
	}

	defer payload.Body.Close()

	limit, err := s.learnLength(rec, payload.Size)
	if err != nil {
		return "", wrap("size", err)
	}

	target := filepath.Join(s.cfg.DownloadDir, FileName(rec.ID))

	if err := ensureTargetDir(target, logger); err != nil {
		return "", wrap("create", err)
	}

	out, err := os.Create(target)
	if err != nil {
		return "", wrap("create", fmt.Errorf("failed to create target file: %w", err))
	}

	defer func() {
		if err != nil {
			if rmErr := os.Remove(target); rmErr != nil && !os.IsNotExist(rmErr) {
				logger.Warn("failed to remove partial file", "file", target, "err", rmErr)
			}
		}
	}()

	logger.Info("downloading content", "file_path", target, "file_size", sizeLabel(limit))

	pr := progress.NewReader(payload.Body, limit, s.chunkSize(), func(written int64) {
		s.reportProgress(rec, target, written)
	})

	_, copyErr := copyWithContext(ctx, out, pr)
	closeErr := out.Close()

	switch {
	case errors.Is(copyErr, progress.ErrLimitExceeded):
		return "", wrap("copy", fmt.Errorf("%w: received more than %d bytes", ErrSizeMismatch, limit))
	case copyErr != nil:
		return "", wrap("copy", copyErr)
	case closeErr != nil:
		return "", wrap("write", fmt.Errorf("failed to close target file: %w", closeErr))
	}

	pr.Flush()

	written := pr.Total()

	if limit > 0 && written != limit {
		return "", wrap("copy", fmt.Errorf("%w: received %d of %d bytes", ErrSizeMismatch, written, limit))
	}

	if written == 0 {
		return "", wrap("copy", ErrEmptyPayload)
	}

	if limit <= 0 {
		if _, err := s.learnLength(rec, written); err != nil {
			return "", wrap("size", err)
		}
	}

	s.telemetry.RecordDownloadedBytes(written)

	return target, nil
}

// learnLength records the announced size once and returns the length the transfer must
// match, or 0 when it is still unknown.
func (s *Scheduler) learnLength(owner content.Record, announced int64) (int64, error) {
	var (
		limit int64
		err   error
		owned bool
	)

	s.registry.Update(owner.ID, func(rec *content.Record) {
		if !owns(rec, owner) {
			return
		}

		owned = true

		if rec.ContentLength == nil && announced > 0 {
			if rec.DownloadedBytes > announced {
				err = fmt.Errorf("%w: source announced %d bytes after %d were received", ErrSizeMismatch, announced, rec.DownloadedBytes)

				return
			}

			length := announced
			rec.ContentLength = &length
		}

		if rec.ContentLength == nil {
			return
		}

		limit = *rec.ContentLength

		if announced > 0 && announced != limit {
			err = fmt.Errorf("%w: source announced %d bytes, expected %d", ErrSizeMismatch, announced, limit)
		}
	})

	if err != nil {
		return 0, err
	}

	if !owned {
		return 0, errRecordReplaced
	}

	if s.cfg.RejectOversized && limit > s.cfg.MaxStorageBytes {
		return 0, fmt.Errorf("%w: %s over a budget of %s", ErrOversized,
			humanize.Bytes(uint64(limit)), humanize.Bytes(uint64(s.cfg.MaxStorageBytes)))
	}

	return limit, nil
}

// reportProgress publishes the byte count. Retries restart from zero, so the counter only
// moves once an attempt passes what an earlier one reached.
func (s *Scheduler) reportProgress(owner content.Record, path string, written int64) {
	s.registry.Update(owner.ID, func(rec *content.Record) {
		if !owns(rec, owner) {
			return
		}

		if rec.LocalPath == "" {
			rec.LocalPath = path
		}

		if written > rec.DownloadedBytes {
			rec.DownloadedBytes = written
		}
	})
}

func (s *Scheduler) complete(ctx context.Context, owner content.Record, path string) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		done  content.Record
		found bool
	)

	s.registry.Update(owner.ID, func(rec *content.Record) {
		if !owns(rec, owner) {
			return
		}

		rec.Downloading = false
		rec.State = content.StateCompleted
		rec.LocalPath = path
		rec.LastError = ""
		rec.CompletedAt = s.now()
		done = rec.Clone()
		found = true
	})

	if !found {
		// Removed while the last bytes were landing.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove orphaned file", "file", path, "err", err)
		}

		return
	}

	s.mu.Lock()
	delete(s.backoffs, owner.ID)
	handlers := append([]EventHandler(nil), s.onComplete...)
	s.mu.Unlock()

	logger.Info("download completed", "file_path", path, "file_size", humanize.Bytes(uint64(done.DownloadedBytes)))

	for _, h := range handlers {
		h(ctx, done)
	}

	s.publish(ctx, s.OnCompleted, done)
}

func (s *Scheduler) fail(ctx context.Context, rec content.Record, cause error) {
	logger := logctx.LoggerFromContext(ctx)

	// Shutdown is not a transfer failure: the record goes back to the queue.
	interrupted := errors.Is(cause, context.Canceled) && s.shuttingDown()
	terminal := !retryable(cause) || rec.Attempts >= s.cfg.Retry.MaxAttempts

	var (
		failed content.Record
		found  bool
	)

	s.registry.Update(rec.ID, func(r *content.Record) {
		if !owns(r, rec) {
			return
		}

		r.Downloading = false
		r.LocalPath = ""
		found = true

		if interrupted {
			r.State = content.StateQueued
			r.Attempts--

			return
		}

		r.State = content.StateFailed
		r.LastError = cause.Error()
		r.Terminal = terminal
		failed = r.Clone()
	})

	if !found {
		logger.Debug("transfer cancelled for removed record")

		return
	}

	if interrupted {
		logger.Info("transfer interrupted by shutdown")

		return
	}

	if terminal {
		logger.Error("download failed permanently", "attempts", rec.Attempts, "err", cause)

		s.mu.Lock()
		delete(s.backoffs, rec.ID)
		handlers := append([]EventHandler(nil), s.onFail...)
		s.mu.Unlock()

		for _, h := range handlers {
			h(ctx, failed)
		}

		s.publish(ctx, s.OnFailed, failed)

		return
	}

	delay := s.scheduleRetry(rec.ID)

	logger.Warn("download failed, retrying",
		"attempt", rec.Attempts,
		"max_attempts", s.cfg.Retry.MaxAttempts,
		"retry_in", delay.String(),
		"err", cause,
	)
}

func (s *Scheduler) scheduleRetry(id string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.backoffs[id]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = s.cfg.Retry.InitialBackoff
		b.MaxInterval = s.cfg.Retry.MaxBackoff
		b.Multiplier = s.cfg.Retry.Multiplier
		b.RandomizationFactor = 0
		b.Reset()
		s.backoffs[id] = b
	}

	delay := b.NextBackOff()
	if delay < 0 {
		delay = s.cfg.Retry.MaxBackoff
	}

	if !s.running {
		return delay
	}

	s.telemetry.RecordRetry()

	s.retries[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.retries, id)
		s.mu.Unlock()

		s.Submit(id)
	})

	return delay
}

func (s *Scheduler) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ctx != nil && s.ctx.Err() != nil
}

// publish delivers an event without ever blocking a worker.
func (s *Scheduler) publish(ctx context.Context, ch chan content.Record, rec content.Record) {
	select {
	case ch <- rec:
	default:
		logctx.LoggerFromContext(ctx).Warn("event channel full, dropping event", "content_id", rec.ID, "state", rec.State)
	}
}

func (s *Scheduler) chunkSize() int64 {
	if s.cfg.ChunkSize > 0 {
		return s.cfg.ChunkSize
	}

	return copyBuffer
}

// FileName returns the name of the local file backing a record.
func FileName(id string) string {
	name := unsafeChars.ReplaceAllString(id, "_")
	if name != id || len(name) > 64 {
		derived := content.DeriveID(id)
		if len(name) > 48 {
			name = name[:48]
		}

		name = name + "-" + derived[:12]
	}

	return name
}

func ensureTargetDir(targetPath string, logger *slog.Logger) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		logger.Error("failed to create target directory", "dir", dir, "err", err)

		return fmt.Errorf("failed to create target directory: %w", err)
	}

	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBuffer)

	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			total += int64(nw)

			if werr != nil {
				return total, fmt.Errorf("failed to write file: %w", werr)
			}

			if nw != nr {
				return total, io.ErrShortWrite
			}
		}

		if err == io.EOF {
			return total, nil
		}

		if err != nil {
			return total, err
		}
	}
}

func sizeLabel(size int64) string {
	if size <= 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(size))
}
