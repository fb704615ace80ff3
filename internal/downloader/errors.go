package downloader

import (
	"errors"
	"fmt"
)

// Sentinel errors for failed transfers.
var (
	// ErrSizeMismatch is returned when the bytes received disagree with the announced size.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrEmptyPayload is returned when a transfer completes without a single byte.
	ErrEmptyPayload = errors.New("empty payload")

	// ErrOversized is returned when a payload is larger than the whole storage budget and
	// oversized items are rejected. It is never retried.
	ErrOversized = errors.New("payload exceeds storage budget")

	errRecordReplaced = errors.New("record was removed or replaced")
)

// TransferError wraps a failure during one attempt of a record's transfer.
type TransferError struct {
	ID      string // Record identity
	Op      string // The step that failed (e.g., "fetch", "create", "copy")
	Attempt int    // 1-based attempt number
	Err     error  // Underlying error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %s failed during %s (attempt %d): %v", e.ID, e.Op, e.Attempt, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// StatusError is returned when the source answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.StatusCode, e.URL)
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	return !errors.Is(err, ErrOversized)
}
