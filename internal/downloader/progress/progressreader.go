package progress

import (
	"errors"
	"io"
)

// ErrLimitExceeded is returned when the stream yields more bytes than the announced total.
var ErrLimitExceeded = errors.New("stream exceeds expected size")

// Reader wraps an io.Reader and reports the cumulative byte count every interval bytes.
// When limit is positive, reading past it fails before the extra bytes are handed out.
type Reader struct {
	reader     io.Reader
	limit      int64
	interval   int64
	onProgress func(written int64)

	totalRead  int64
	lastReport int64
	reported   bool
}

// NewReader creates a progress reader. A non-positive limit means the size is unknown.
func NewReader(r io.Reader, limit int64, interval int64, cb func(written int64)) *Reader {
	return &Reader{
		reader:     r,
		limit:      limit,
		interval:   interval,
		onProgress: cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n <= 0 {
		return n, err
	}

	if pr.limit > 0 && pr.totalRead+int64(n) > pr.limit {
		return 0, ErrLimitExceeded
	}

	pr.totalRead += int64(n)
	pr.lastReport += int64(n)

	// The first chunk is always reported so observers learn a file exists on disk.
	if !pr.reported || pr.lastReport >= pr.interval {
		pr.report()
	}

	return n, err
}

// Flush reports the current total if anything was read since the last report.
func (pr *Reader) Flush() {
	if pr.lastReport > 0 {
		pr.report()
	}
}

// Total returns the number of bytes read so far.
func (pr *Reader) Total() int64 {
	return pr.totalRead
}

func (pr *Reader) report() {
	pr.reported = true
	pr.lastReport = 0

	if pr.onProgress != nil {
		pr.onProgress(pr.totalRead)
	}
}
