// Package filesystem implements storage.Backend on a local directory.
package filesystem

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/disk"

	"github.com/fjmerc/stashbox/internal/storage"
)

// tempPrefix marks in-progress writes; TotalSize skips them.
const tempPrefix = ".stashbox-tmp-"

// Storage implements storage.Backend for local filesystem storage.
type Storage struct {
	baseDir    string // Base directory for all storage operations
	absBaseDir string // Absolute path of baseDir for path validation
}

// New creates a Storage rooted at baseDir, creating it if needed.
func New(baseDir string) (*Storage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, storage.NewStorageError("New", baseDir, err)
	}

	absBaseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, storage.NewStorageError("New", baseDir, err)
	}

	return &Storage{
		baseDir:    baseDir,
		absBaseDir: absBaseDir,
	}, nil
}

// Type implements storage.Backend.
func (s *Storage) Type() string { return "local" }

// BaseDir returns the root directory.
func (s *Storage) BaseDir() string { return s.baseDir }

// resolve maps key to a path inside baseDir, rejecting traversal.
func (s *Storage) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}
	clean := filepath.Clean(filepath.FromSlash(key))

	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("absolute paths not allowed: %s", key)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal not allowed: %s", key)
	}

	full := filepath.Join(s.absBaseDir, clean)
	if !strings.HasPrefix(full, s.absBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escape attempt: %s", key)
	}
	return full, nil
}

// Put writes r to key through a temp file and an atomic rename.
func (s *Storage) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	path, err := s.resolve(key)
	if err != nil {
		return storage.NewStorageErrorWithMessage("Put", key, err, "path validation failed")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return storage.NewStorageError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return storage.NewStorageError("Put", key, err)
	}

	var succeeded bool
	defer func() {
		tmp.Close()
		if !succeeded {
			os.Remove(tmp.Name())
		}
	}()

	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return storage.NewStorageError("Put", key, err)
	}
	if size >= 0 && written != size {
		return storage.NewStorageErrorWithMessage("Put", key, nil,
			fmt.Sprintf("size mismatch: expected %d bytes, wrote %d bytes", size, written))
	}

	if err := tmp.Close(); err != nil {
		return storage.NewStorageError("Put", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return storage.NewStorageError("Put", key, err)
	}

	succeeded = true
	slog.Debug("object stored", "key", key, "size", units.HumanSize(float64(written)))
	return nil
}

// Get opens key for reading. An open handle survives a concurrent Delete.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, storage.NewStorageErrorWithMessage("Get", key, err, "path validation failed")
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.NewStorageError("Get", key, storage.ErrNotFound)
		}
		return nil, storage.NewStorageError("Get", key, err)
	}
	return f, nil
}

// Delete removes key; an absent key is not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return storage.NewStorageErrorWithMessage("Delete", key, err, "path validation failed")
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return storage.NewStorageError("Delete", key, err)
	}

	slog.Debug("object deleted", "key", key)
	return nil
}

// Size returns the length of key.
func (s *Storage) Size(ctx context.Context, key string) (int64, error) {
	path, err := s.resolve(key)
	if err != nil {
		return 0, storage.NewStorageErrorWithMessage("Size", key, err, "path validation failed")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, storage.NewStorageError("Size", key, storage.ErrNotFound)
		}
		return 0, storage.NewStorageError("Size", key, err)
	}
	if info.IsDir() {
		return 0, storage.NewStorageError("Size", key, storage.ErrNotFound)
	}
	return info.Size(), nil
}

// Range returns bytes [start, end] of key.
func (s *Storage) Range(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, storage.NewStorageErrorWithMessage("Range", key, nil,
			fmt.Sprintf("invalid range: start=%d, end=%d", start, end))
	}

	path, err := s.resolve(key)
	if err != nil {
		return nil, storage.NewStorageErrorWithMessage("Range", key, err, "path validation failed")
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.NewStorageError("Range", key, storage.ErrNotFound)
		}
		return nil, storage.NewStorageError("Range", key, err)
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, storage.NewStorageError("Range", key, err)
	}

	return storage.LimitReadCloser(f, end-start+1), nil
}

// TotalSize walks baseDir and sums regular file sizes.
func (s *Storage) TotalSize(ctx context.Context) (int64, error) {
	var total int64

	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Skip entries we can't access
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			// Scratch space such as .partial is not object data.
			if path != s.baseDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, storage.NewStorageError("TotalSize", s.baseDir, err)
	}

	return total, nil
}

// AvailableSpace returns the bytes available to unprivileged users on the volume.
func (s *Storage) AvailableSpace(ctx context.Context) (int64, error) {
	usage, err := disk.Usage(s.absBaseDir)
	if err != nil {
		return 0, storage.NewStorageError("AvailableSpace", s.baseDir, err)
	}
	return int64(usage.Free), nil
}

// ctxReader stops a copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
