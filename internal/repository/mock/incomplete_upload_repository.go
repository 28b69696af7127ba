package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
)

// IncompleteUploadRepository is an in-memory repository.IncompleteUploadRepository.
type IncompleteUploadRepository struct {
	mu      sync.Mutex
	uploads map[string]*models.IncompleteUpload

	CreateError     error
	MarkChunkError  error
	MarkFailedError error
	MarkCompleteErr error
	DeleteError     error
}

// NewIncompleteUploadRepository creates an empty mock repository.
func NewIncompleteUploadRepository() *IncompleteUploadRepository {
	return &IncompleteUploadRepository{uploads: make(map[string]*models.IncompleteUpload)}
}

func copyUpload(u *models.IncompleteUpload) *models.IncompleteUpload {
	c := *u
	c.Chunks = make(map[int]int64, len(u.Chunks))
	for k, v := range u.Chunks {
		c.Chunks[k] = v
	}
	return &c
}

// Create stores a copy of the session.
func (r *IncompleteUploadRepository) Create(ctx context.Context, upload *models.IncompleteUpload) error {
	if r.CreateError != nil {
		return r.CreateError
	}
	if upload == nil || upload.ID == "" {
		return repository.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.uploads[upload.ID]; ok {
		return repository.ErrDuplicateKey
	}
	now := time.Now().UTC()
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = now
	}
	if upload.LastActivity.IsZero() {
		upload.LastActivity = now
	}
	if upload.Status == "" {
		upload.Status = models.StatusPending
	}
	r.uploads[upload.ID] = copyUpload(upload)
	return nil
}

// Get returns a copy of the session, or nil, nil.
func (r *IncompleteUploadRepository) Get(ctx context.Context, id string) (*models.IncompleteUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.uploads[id]; ok {
		return copyUpload(u), nil
	}
	return nil, nil
}

// MarkChunkReceived records a chunk index.
func (r *IncompleteUploadRepository) MarkChunkReceived(ctx context.Context, id string, index int, size int64) error {
	if r.MarkChunkError != nil {
		return r.MarkChunkError
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.uploads[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.Chunks[index] = size
	u.LastActivity = time.Now().UTC()
	return nil
}

// TryLockForProcessing moves a PENDING or retryable FAILED session to PROCESSING.
func (r *IncompleteUploadRepository) TryLockForProcessing(ctx context.Context, id string, maxAttempts int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.uploads[id]
	if !ok {
		return false, nil
	}
	if u.Status == models.StatusPending || (u.Status == models.StatusFailed && u.Attempts < maxAttempts) {
		u.Status = models.StatusProcessing
		u.Attempts++
		u.ErrorMessage = ""
		u.LastActivity = time.Now().UTC()
		return true, nil
	}
	return false, nil
}

// MarkFailed sets FAILED.
func (r *IncompleteUploadRepository) MarkFailed(ctx context.Context, id, errorMessage string) error {
	if r.MarkFailedError != nil {
		return r.MarkFailedError
	}
	return r.update(ctx, id, func(u *models.IncompleteUpload) {
		u.Status = models.StatusFailed
		u.ErrorMessage = errorMessage
	})
}

// MarkCompleted sets COMPLETE.
func (r *IncompleteUploadRepository) MarkCompleted(ctx context.Context, id, resultKey string) error {
	if r.MarkCompleteErr != nil {
		return r.MarkCompleteErr
	}
	return r.update(ctx, id, func(u *models.IncompleteUpload) {
		u.Status = models.StatusComplete
		u.ResultKey = resultKey
		u.ErrorMessage = ""
	})
}

// update fails on a cancelled ctx like a database call would.
func (r *IncompleteUploadRepository) update(ctx context.Context, id string, fn func(*models.IncompleteUpload)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.uploads[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(u)
	u.LastActivity = time.Now().UTC()
	return nil
}

// ListByOwner returns an owner's sessions, newest first.
func (r *IncompleteUploadRepository) ListByOwner(ctx context.Context, ownerID string) ([]models.IncompleteUpload, error) {
	out := r.collect(func(u *models.IncompleteUpload) bool { return u.OwnerID == ownerID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListInactiveSince returns sessions idle since before cutoff.
func (r *IncompleteUploadRepository) ListInactiveSince(ctx context.Context, cutoff time.Time) ([]models.IncompleteUpload, error) {
	out := r.collect(func(u *models.IncompleteUpload) bool { return u.LastActivity.Before(cutoff) })
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.Before(out[j].LastActivity) })
	return out, nil
}

func (r *IncompleteUploadRepository) collect(keep func(*models.IncompleteUpload) bool) []models.IncompleteUpload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.IncompleteUpload
	for _, u := range r.uploads {
		if keep(u) {
			out = append(out, *copyUpload(u))
		}
	}
	return out
}

// Delete removes a session.
func (r *IncompleteUploadRepository) Delete(ctx context.Context, id string) error {
	if r.DeleteError != nil {
		return r.DeleteError
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.uploads, id)
	return nil
}

// GetAllIDs returns every session id.
func (r *IncompleteUploadRepository) GetAllIDs(ctx context.Context) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[string]bool, len(r.uploads))
	for id := range r.uploads {
		ids[id] = true
	}
	return ids, nil
}

// CountActive counts sessions not yet COMPLETE.
func (r *IncompleteUploadRepository) CountActive(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.uploads {
		if u.Status != models.StatusComplete {
			n++
		}
	}
	return n, nil
}

// SetLastActivity backdates a session for reaper tests.
func (r *IncompleteUploadRepository) SetLastActivity(id string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.uploads[id]; ok {
		u.LastActivity = t
	}
}

// NewRepositories bundles fresh mocks.
func NewRepositories() *repository.Repositories {
	return &repository.Repositories{
		Files:             NewFileRepository(),
		Folders:           NewFolderRepository(),
		IncompleteUploads: NewIncompleteUploadRepository(),
		DatabaseType:      repository.DatabaseTypeSQLite,
	}
}
