// Package swift implements storage.Backend for OpenStack Swift.
package swift

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ncw/swift/v2"

	"github.com/fjmerc/stashbox/internal/storage"
)

// Config holds configuration for Swift storage.
type Config struct {
	AuthURL   string
	Username  string
	APIKey    string
	Domain    string
	Tenant    string
	Region    string
	Container string
}

// API is the subset of *swift.Connection used here.
type API interface {
	ObjectPut(ctx context.Context, container, objectName string, contents io.Reader, checkHash bool, hash, contentType string, h swift.Headers) (swift.Headers, error)
	ObjectOpen(ctx context.Context, container, objectName string, checkHash bool, h swift.Headers) (*swift.ObjectOpenFile, swift.Headers, error)
	Object(ctx context.Context, container, objectName string) (swift.Object, swift.Headers, error)
	ObjectDelete(ctx context.Context, container, objectName string) error
	Container(ctx context.Context, container string) (swift.Container, swift.Headers, error)
}

// Storage implements storage.Backend for a single Swift container.
type Storage struct {
	conn      API
	container string
}

// New authenticates, ensures the container exists and returns a Storage.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("swift container name is required")
	}

	conn := &swift.Connection{
		UserName: cfg.Username,
		ApiKey:   cfg.APIKey,
		AuthUrl:  cfg.AuthURL,
		Domain:   cfg.Domain,
		Tenant:   cfg.Tenant,
		Region:   cfg.Region,
		Timeout:  60 * time.Second,
	}
	if err := conn.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("swift authentication failed: %w", err)
	}
	if err := conn.ContainerCreate(ctx, cfg.Container, nil); err != nil {
		return nil, fmt.Errorf("failed to ensure swift container %q: %w", cfg.Container, err)
	}

	slog.Info("swift storage initialized",
		"auth_url", cfg.AuthURL,
		"container", cfg.Container,
		"region", cfg.Region,
	)

	return NewWithConnection(conn, cfg.Container), nil
}

// NewWithConnection builds a Storage around an existing connection.
func NewWithConnection(conn API, container string) *Storage {
	return &Storage{conn: conn, container: container}
}

// Type implements storage.Backend.
func (s *Storage) Type() string { return "swift" }

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key not allowed")
	}
	if strings.ContainsRune(key, '\x00') {
		return fmt.Errorf("null bytes not allowed in key")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("path traversal not allowed: %s", key)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, swift.ObjectNotFound) || errors.Is(err, swift.ContainerNotFound)
}

// Put uploads r as a single object.
func (s *Storage) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := validateKey(key); err != nil {
		return storage.NewStorageErrorWithMessage("Put", key, err, "key validation failed")
	}

	cr := &countingReader{r: r}
	if _, err := s.conn.ObjectPut(ctx, s.container, key, cr, false, "", "", nil); err != nil {
		return storage.NewStorageError("Put", key, err)
	}
	if size >= 0 && cr.n != size {
		_ = s.Delete(ctx, key)
		return storage.NewStorageErrorWithMessage("Put", key, nil,
			fmt.Sprintf("size mismatch: expected %d bytes, wrote %d bytes", size, cr.n))
	}

	slog.Debug("object stored in swift", "key", key, "size", cr.n)
	return nil
}

// Get opens the object for reading.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, storage.NewStorageErrorWithMessage("Get", key, err, "key validation failed")
	}

	f, _, err := s.conn.ObjectOpen(ctx, s.container, key, false, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.NewStorageError("Get", key, storage.ErrNotFound)
		}
		return nil, storage.NewStorageError("Get", key, err)
	}
	return f, nil
}

// Delete removes key; an absent key is not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return storage.NewStorageErrorWithMessage("Delete", key, err, "key validation failed")
	}

	if err := s.conn.ObjectDelete(ctx, s.container, key); err != nil && !isNotFound(err) {
		return storage.NewStorageError("Delete", key, err)
	}
	return nil
}

// Size returns the object's byte count from its metadata.
func (s *Storage) Size(ctx context.Context, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, storage.NewStorageErrorWithMessage("Size", key, err, "key validation failed")
	}

	info, _, err := s.conn.Object(ctx, s.container, key)
	if err != nil {
		if isNotFound(err) {
			return 0, storage.NewStorageError("Size", key, storage.ErrNotFound)
		}
		return 0, storage.NewStorageError("Size", key, err)
	}
	return info.Bytes, nil
}

// Range opens the object with a Range header and truncates the body to the
// requested length. A full-object reply is skipped forward to start.
func (s *Storage) Range(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, storage.NewStorageErrorWithMessage("Range", key, nil,
			fmt.Sprintf("invalid range: start=%d, end=%d", start, end))
	}
	if err := validateKey(key); err != nil {
		return nil, storage.NewStorageErrorWithMessage("Range", key, err, "key validation failed")
	}

	headers := swift.Headers{"Range": fmt.Sprintf("bytes=%d-%d", start, end)}
	f, resp, err := s.conn.ObjectOpen(ctx, s.container, key, false, headers)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.NewStorageError("Range", key, storage.ErrNotFound)
		}
		return nil, storage.NewStorageError("Range", key, err)
	}

	if start > 0 && !rangeHonoured(resp, end-start+1) {
		if _, err := io.CopyN(io.Discard, f, start); err != nil {
			f.Close()
			return nil, storage.NewStorageError("Range", key, err)
		}
	}

	return storage.LimitReadCloser(f, end-start+1), nil
}

// rangeHonoured reports whether a ranged GET came back partial. A proxy that
// drops the Range header answers with the whole object and no Content-Range.
func rangeHonoured(h swift.Headers, want int64) bool {
	if h["Content-Range"] != "" {
		return true
	}
	n, err := strconv.ParseInt(h["Content-Length"], 10, 64)
	return err == nil && n == want
}

// TotalSize reads the container's byte count.
func (s *Storage) TotalSize(ctx context.Context) (int64, error) {
	info, _, err := s.conn.Container(ctx, s.container)
	if err != nil {
		return 0, storage.NewStorageError("TotalSize", s.container, err)
	}
	return info.Bytes, nil
}

// HealthCheck verifies that the container is reachable.
func (s *Storage) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, _, err := s.conn.Container(checkCtx, s.container); err != nil {
		return storage.NewStorageErrorWithMessage("HealthCheck", s.container, err, "swift container not accessible")
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
