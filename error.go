package tinyflux

import "github.com/pkg/errors"

// Error is a sentinel error code returned by tinyflux functions and methods. Use errors.Is to test for a specific
// Error value; wrapped storage errors remain unwrappable to their underlying cause via errors.Cause.
type Error int

const (
	// ErrInvalidPoint is returned when a point constructor or an updater produces an attribute of the wrong kind
	// (non-instant time, non-string measurement, non-string tag key/value, non-primitive field value).
	ErrInvalidPoint = Error(1 + iota)
	// ErrInvalidBatchSize is returned by InsertMultiple when batchSize < 1.
	ErrInvalidBatchSize
	// ErrUnknownPath is returned by ParsePath when asked for an attribute path it does not recognize.
	ErrUnknownPath
	// ErrBadPattern is returned when a regex leaf's pattern fails to compile.
	ErrBadPattern
	// ErrStorage wraps any I/O failure surfaced by a storage backend.
	ErrStorage
	// ErrClosed is returned by operations on an Engine after Close has been called.
	ErrClosed
)

func (e Error) Error() string {
	if msg, ok := errDescs[e]; ok {
		return msg
	}
	return "tinyflux: unknown error"
}

var errDescs = map[Error]string{
	ErrInvalidPoint:     "tinyflux: invalid point attribute",
	ErrInvalidBatchSize: "tinyflux: batch size must be >= 1",
	ErrUnknownPath:      "tinyflux: unknown attribute path",
	ErrBadPattern:       "tinyflux: invalid regex pattern or flags",
	ErrStorage:          "tinyflux: storage backend error",
	ErrClosed:           "tinyflux: engine is closed",
}

// wrapStorage wraps err, produced by a storage backend operation, so that errors.Is(result, ErrStorage) holds while
// errors.Cause(result) still yields the original backend error. See Engine.storageErr for the logging counterpart
// every call site in engine.go actually uses.
func wrapStorage(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &storageError{cause: errors.Wrap(err, msg)}
}

type storageError struct {
	cause error
}

func (e *storageError) Error() string        { return e.cause.Error() }
func (e *storageError) Unwrap() error        { return e.cause }
func (e *storageError) Cause() error         { return e.cause }
func (e *storageError) Is(target error) bool { return target == ErrStorage }
