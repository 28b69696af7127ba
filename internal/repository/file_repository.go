package repository

import (
	"context"
	"time"

	"github.com/fjmerc/stashbox/internal/models"
)

// FileRepository stores metadata for materialized objects.
type FileRepository interface {
	// Create inserts a record and sets file.ID. Returns ErrDuplicateKey on a name clash.
	Create(ctx context.Context, file *models.File) error

	// GetByName returns the record for a storage key. Returns nil, nil if not found.
	GetByName(ctx context.Context, name string) (*models.File, error)

	// ExistsWithPrefix reports whether any record's name starts with prefix.
	ExistsWithPrefix(ctx context.Context, prefix string) (bool, error)

	// TryIncrementViews counts one view unless max_views has been reached.
	// Returns false when the limit was already reached.
	TryIncrementViews(ctx context.Context, id int64) (bool, error)

	// Delete removes a record. Deleting an absent id is not an error.
	Delete(ctx context.Context, id int64) error

	// ListExpired returns records whose expires_at is at or before now.
	ListExpired(ctx context.Context, now time.Time) ([]models.File, error)

	// ListVideosWithoutThumbnail returns up to limit video records lacking a
	// thumbnail that have been attempted fewer than maxAttempts times, least
	// attempted first.
	ListVideosWithoutThumbnail(ctx context.Context, limit, maxAttempts int) ([]models.File, error)

	// RecordThumbnailAttempt counts one thumbnail pass for each id.
	RecordThumbnailAttempt(ctx context.Context, ids []int64) error

	// GetByID returns a record by id. Returns nil, nil if not found.
	GetByID(ctx context.Context, id int64) (*models.File, error)

	// SetThumbnail records the storage key of a generated thumbnail.
	SetThumbnail(ctx context.Context, id int64, key string) error
}

// FolderRepository resolves folders targeted by uploads.
type FolderRepository interface {
	// Create inserts a folder and sets folder.ID.
	Create(ctx context.Context, folder *models.Folder) error

	// Get returns a folder. Returns nil, nil if not found.
	Get(ctx context.Context, id int64) (*models.Folder, error)
}
