package assembly

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrChunkTooLarge is returned by ScratchStore.Write when a chunk exceeds its limit.
var ErrChunkTooLarge = errors.New("chunk exceeds size limit")

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID reports whether id is safe to use as a scratch directory name.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// ScratchStore keeps chunk fragments on local disk under <dir>/<session>/chunk_<n>.
// Fragments for one session are only touched while that session's lock is held.
type ScratchStore struct {
	dir string
}

// NewScratchStore creates the scratch root if needed.
func NewScratchStore(dir string) (*ScratchStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &ScratchStore{dir: dir}, nil
}

func (s *ScratchStore) sessionDir(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *ScratchStore) chunkPath(id string, index int) string {
	return filepath.Join(s.sessionDir(id), fmt.Sprintf("chunk_%d", index))
}

// Write stores one fragment, replacing any earlier fragment for the same index.
// At most limit bytes are accepted; a longer body yields ErrChunkTooLarge and
// leaves the previous fragment (if any) untouched.
func (s *ScratchStore) Write(id string, index int, r io.Reader, limit int64) (int64, error) {
	if !ValidSessionID(id) {
		return 0, fmt.Errorf("invalid session id %q", id)
	}

	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create chunks directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".incoming-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create chunk file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, io.LimitReader(r, limit+1))
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > limit {
		err = ErrChunkTooLarge
	}
	if err != nil {
		os.Remove(tmpPath)
		if errors.Is(err, ErrChunkTooLarge) {
			return n, err
		}
		return n, fmt.Errorf("failed to write chunk data: %w", err)
	}

	// No fsync: a lost fragment is re-sent by the client.
	if err := os.Rename(tmpPath, s.chunkPath(id, index)); err != nil {
		os.Remove(tmpPath)
		return n, fmt.Errorf("failed to commit chunk: %w", err)
	}

	slog.Debug("chunk saved", "upload_id", id, "chunk_index", index, "size", n)
	return n, nil
}

// Open opens one fragment and returns its size.
func (s *ScratchStore) Open(id string, index int) (*os.File, int64, error) {
	f, err := os.Open(s.chunkPath(id, index))
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Remove deletes every fragment of a session. Removing an absent session is not an error.
func (s *ScratchStore) Remove(id string) error {
	if !ValidSessionID(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	if err := os.RemoveAll(s.sessionDir(id)); err != nil {
		return fmt.Errorf("failed to delete chunks directory: %w", err)
	}
	return nil
}

// exists reports whether a session directory is present.
func (s *ScratchStore) exists(id string) bool {
	_, err := os.Stat(s.sessionDir(id))
	return err == nil
}

// ChunkCount returns how many committed fragments a session has.
func (s *ScratchStore) ChunkCount(id string) (int, error) {
	entries, err := os.ReadDir(s.sessionDir(id))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if idx, ok := parseChunkName(e.Name()); ok && idx >= 0 && !e.IsDir() {
			count++
		}
	}
	return count, nil
}

func parseChunkName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "chunk_")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	return idx, err == nil
}

// ScratchDir is one session directory found on disk.
type ScratchDir struct {
	ID      string
	ModTime time.Time
}

// List returns every session directory under the scratch root.
func (s *ScratchStore) List() ([]ScratchDir, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scratch directory: %w", err)
	}

	var dirs []ScratchDir
	for _, e := range entries {
		if !e.IsDir() || !ValidSessionID(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, ScratchDir{ID: e.Name(), ModTime: info.ModTime()})
	}
	return dirs, nil
}
