// Package errors defines the error kinds raised by the cache (spec.md §7):
// OutOfMemory, InvalidOperation, and IOFailure. ShapeChanged is deliberately
// absent here - it never crosses the public surface, it only drives an
// internal retry loop in AssociativeCache.Search.
package errors

import (
	"strconv"

	e "github.com/pkg/errors"
)

// ErrOutOfMemory is returned (wrapped with call-site context) when the
// memory manager cannot supply buffers during Expand. The cache remains
// usable at its current size.
var ErrOutOfMemory = e.New("pagecache: out of memory")

// InvalidOperationError reports a contract violation, such as a Merge
// whose combined page count would exceed CellMax. These are bugs, not
// recoverable conditions.
type InvalidOperationError struct {
	Op  string
	Msg string
}

func (err *InvalidOperationError) Error() string {
	return "pagecache: invalid operation " + err.Op + ": " + err.Msg
}

// NewInvalidOperation builds an InvalidOperationError for operation op.
func NewInvalidOperation(op, msg string) error {
	return &InvalidOperationError{Op: op, Msg: msg}
}

// IsInvalidOperation reports whether err is an InvalidOperationError.
func IsInvalidOperation(err error) bool {
	_, ok := e.Cause(err).(*InvalidOperationError)
	return ok
}

// IOFailureError wraps a failure reported by the asynchronous I/O layer
// during writeback. The cache clears IO_PENDING regardless and leaves
// DIRTY set so a later flush attempt retries; there is no automatic retry
// loop inside the cache itself.
type IOFailureError struct {
	Offset int64
	Err    error
}

func (err *IOFailureError) Error() string {
	return "pagecache: I/O failure at offset " + strconv.FormatInt(err.Offset, 10) + ": " + err.Err.Error()
}

// Unwrap exposes the underlying I/O error for errors.Is/errors.As.
func (err *IOFailureError) Unwrap() error { return err.Err }

// NewIOFailure builds an IOFailureError for a writeback that failed at
// offset, wrapping the underlying error reported by the I/O layer.
func NewIOFailure(offset int64, cause error) error {
	return &IOFailureError{Offset: offset, Err: cause}
}

// IsIOFailure reports whether err is an IOFailureError.
func IsIOFailure(err error) bool {
	_, ok := e.Cause(err).(*IOFailureError)
	return ok
}

// IsOutOfMemory reports whether err is (or wraps) ErrOutOfMemory.
func IsOutOfMemory(err error) bool {
	return e.Cause(err) == ErrOutOfMemory
}

// Wrap attaches additional context to err using pkg/errors, preserving the
// original cause for IsOutOfMemory/IsInvalidOperation/IsIOFailure.
func Wrap(err error, msg string) error {
	return e.Wrap(err, msg)
}
