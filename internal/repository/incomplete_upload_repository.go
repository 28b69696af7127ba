package repository

import (
	"context"
	"time"

	"github.com/fjmerc/stashbox/internal/models"
)

// IncompleteUploadRepository persists chunked upload sessions.
type IncompleteUploadRepository interface {
	// Create inserts a new session. Returns ErrDuplicateKey if the id exists.
	Create(ctx context.Context, upload *models.IncompleteUpload) error

	// Get retrieves a session with its received chunks.
	// Returns nil, nil if not found.
	Get(ctx context.Context, id string) (*models.IncompleteUpload, error)

	// MarkChunkReceived records (or re-records) one chunk index and touches last_activity.
	MarkChunkReceived(ctx context.Context, id string, index int, size int64) error

	// TryLockForProcessing atomically moves a session to PROCESSING and counts
	// an attempt. PENDING sessions always qualify; FAILED sessions qualify
	// while attempts < maxAttempts. Returns false if the lock was not taken.
	TryLockForProcessing(ctx context.Context, id string, maxAttempts int) (bool, error)

	// MarkFailed sets FAILED with an error message.
	MarkFailed(ctx context.Context, id, errorMessage string) error

	// MarkCompleted sets COMPLETE and records the stored object key.
	MarkCompleted(ctx context.Context, id, resultKey string) error

	// ListByOwner returns every session of one owner, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]models.IncompleteUpload, error)

	// Delete removes a session and its chunk rows. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// ListInactiveSince returns sessions whose last activity is before cutoff, in any status.
	ListInactiveSince(ctx context.Context, cutoff time.Time) ([]models.IncompleteUpload, error)

	// GetAllIDs returns every session id as a set, for orphan scratch detection.
	GetAllIDs(ctx context.Context) (map[string]bool, error)

	// CountActive returns the number of sessions not yet COMPLETE.
	CountActive(ctx context.Context) (int, error)
}
