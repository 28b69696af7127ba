// Package mock provides in-memory implementations of repository interfaces for testing.
//
// Error injection fields (e.g., CreateError) should be set before any
// concurrent operations begin. They are not protected by the mutex.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
)

// FileRepository is an in-memory repository.FileRepository.
type FileRepository struct {
	mu     sync.RWMutex
	files  map[int64]*models.File
	nextID int64

	thumbnailAttempts map[int64]int

	CreateError    error
	GetByNameError error
	DeleteError    error
	ViewsError     error

	// OnCreate runs before the record is stored; a non-nil error aborts Create.
	OnCreate func(ctx context.Context, file *models.File) error
}

// NewFileRepository creates an empty mock FileRepository.
func NewFileRepository() *FileRepository {
	return &FileRepository{files: make(map[int64]*models.File), nextID: 1, thumbnailAttempts: make(map[int64]int)}
}

func copyFile(f *models.File) *models.File {
	c := *f
	if f.MaxViews != nil {
		v := *f.MaxViews
		c.MaxViews = &v
	}
	if f.ExpiresAt != nil {
		t := *f.ExpiresAt
		c.ExpiresAt = &t
	}
	if f.FolderID != nil {
		id := *f.FolderID
		c.FolderID = &id
	}
	return &c
}

// Create stores a copy of file and sets its ID.
func (r *FileRepository) Create(ctx context.Context, file *models.File) error {
	if r.CreateError != nil {
		return r.CreateError
	}
	if r.OnCreate != nil {
		if err := r.OnCreate(ctx, file); err != nil {
			return err
		}
	}
	if file == nil || file.Name == "" {
		return repository.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range r.files {
		if f.Name == file.Name {
			return repository.ErrDuplicateKey
		}
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	file.ID = r.nextID
	r.nextID++
	r.files[file.ID] = copyFile(file)
	return nil
}

// GetByName returns a copy of the record named name, or nil, nil.
func (r *FileRepository) GetByName(ctx context.Context, name string) (*models.File, error) {
	if r.GetByNameError != nil {
		return nil, r.GetByNameError
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.files {
		if f.Name == name {
			return copyFile(f), nil
		}
	}
	return nil, nil
}

// GetByID returns a copy of the record, or nil, nil.
func (r *FileRepository) GetByID(ctx context.Context, id int64) (*models.File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.files[id]; ok {
		return copyFile(f), nil
	}
	return nil, nil
}

// ExistsWithPrefix reports whether any record name starts with prefix.
func (r *FileRepository) ExistsWithPrefix(ctx context.Context, prefix string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.files {
		if strings.HasPrefix(f.Name, prefix) {
			return true, nil
		}
	}
	return false, nil
}

// TryIncrementViews counts one view unless max views were reached.
func (r *FileRepository) TryIncrementViews(ctx context.Context, id int64) (bool, error) {
	if r.ViewsError != nil {
		return false, r.ViewsError
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok || f.ViewsExhausted() {
		return false, nil
	}
	f.Views++
	return true, nil
}

// Delete removes a record.
func (r *FileRepository) Delete(ctx context.Context, id int64) error {
	if r.DeleteError != nil {
		return r.DeleteError
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, id)
	return nil
}

// ListExpired returns records expired at now.
func (r *FileRepository) ListExpired(ctx context.Context, now time.Time) ([]models.File, error) {
	return r.filter(0, func(f *models.File) bool { return f.Expired(now) }), nil
}

// ListVideosWithoutThumbnail returns up to limit videos lacking a thumbnail,
// least attempted first.
func (r *FileRepository) ListVideosWithoutThumbnail(ctx context.Context, limit, maxAttempts int) ([]models.File, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.File
	for _, f := range r.files {
		if f.IsVideo() && f.Thumbnail == "" && r.thumbnailAttempts[f.ID] < maxAttempts {
			out = append(out, *copyFile(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := r.thumbnailAttempts[out[i].ID], r.thumbnailAttempts[out[j].ID]
		if ai != aj {
			return ai < aj
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordThumbnailAttempt counts one pass for each id.
func (r *FileRepository) RecordThumbnailAttempt(ctx context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.thumbnailAttempts[id]++
	}
	return nil
}

// ThumbnailAttempts returns the recorded pass count for id.
func (r *FileRepository) ThumbnailAttempts(id int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.thumbnailAttempts[id]
}

func (r *FileRepository) filter(limit int, keep func(*models.File) bool) []models.File {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.File
	for _, f := range r.files {
		if keep(f) {
			out = append(out, *copyFile(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SetThumbnail records a thumbnail key.
func (r *FileRepository) SetThumbnail(ctx context.Context, id int64, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok {
		return repository.ErrNotFound
	}
	f.Thumbnail = key
	return nil
}

// Count returns the number of stored records.
func (r *FileRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.files)
}

// FolderRepository is an in-memory repository.FolderRepository.
type FolderRepository struct {
	mu      sync.RWMutex
	folders map[int64]*models.Folder
	nextID  int64
}

// NewFolderRepository creates an empty mock FolderRepository.
func NewFolderRepository() *FolderRepository {
	return &FolderRepository{folders: make(map[int64]*models.Folder), nextID: 1}
}

// Create stores a folder and sets its ID.
func (r *FolderRepository) Create(ctx context.Context, folder *models.Folder) error {
	if folder == nil || folder.Name == "" {
		return repository.ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	folder.ID = r.nextID
	r.nextID++
	c := *folder
	r.folders[folder.ID] = &c
	return nil
}

// Get returns a copy of the folder, or nil, nil.
func (r *FolderRepository) Get(ctx context.Context, id int64) (*models.Folder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.folders[id]; ok {
		c := *f
		return &c, nil
	}
	return nil, nil
}
