// Package storage defines the object storage abstraction used by the upload and
// retrieval pipeline. One implementation exists per medium (local disk, S3, Swift)
// and the active one is selected once at startup.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned (wrapped in a StorageError) when a key is absent.
var ErrNotFound = errors.New("object not found")

// Backend is the uniform interface over a storage medium.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Put writes everything read from r under key, replacing any existing object.
	// size is the expected length, or -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get returns a stream over the whole object. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Size returns the byte length of the stored object.
	Size(ctx context.Context, key string) (int64, error)

	// Range returns exactly end-start+1 bytes starting at start (both inclusive).
	Range(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)

	// TotalSize returns the aggregate bytes of all stored objects. Not on a hot path.
	TotalSize(ctx context.Context) (int64, error)

	// Type names the medium ("local", "s3", "swift").
	Type() string
}

// SpaceReporter is implemented by backends that can report free capacity.
type SpaceReporter interface {
	AvailableSpace(ctx context.Context) (int64, error)
}

// HealthChecker is implemented by remote backends that can probe their endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StorageError represents errors from storage operations with additional context.
type StorageError struct {
	Op      string // Operation that failed (e.g., "Put", "Get", "Range")
	Key     string // Object key involved
	Err     error  // Underlying error
	Message string // Human-readable message
}

func (e *StorageError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the given details.
func NewStorageError(op, key string, err error) *StorageError {
	return &StorageError{
		Op:  op,
		Key: key,
		Err: err,
	}
}

// NewStorageErrorWithMessage creates a new StorageError with a custom message.
func NewStorageErrorWithMessage(op, key string, err error, message string) *StorageError {
	return &StorageError{
		Op:      op,
		Key:     key,
		Err:     err,
		Message: message,
	}
}

// IsNotFound reports whether err signals an absent key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ValidateRange checks start/end against an object of the given size.
func ValidateRange(start, end, size int64) error {
	if start < 0 || end < start || end >= size {
		return errors.New("invalid byte range")
	}
	return nil
}

// LimitReadCloser truncates rc to n bytes while keeping its Close.
func LimitReadCloser(rc io.ReadCloser, n int64) io.ReadCloser {
	return &limitedReadCloser{Reader: io.LimitReader(rc, n), closer: rc}
}

type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Close() error {
	return l.closer.Close()
}
