package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
)

// IncompleteUploadRepository implements repository.IncompleteUploadRepository for PostgreSQL.
type IncompleteUploadRepository struct {
	pool *Pool
}

// NewIncompleteUploadRepository creates a new PostgreSQL incomplete upload repository.
func NewIncompleteUploadRepository(pool *Pool) *IncompleteUploadRepository {
	return &IncompleteUploadRepository{pool: pool}
}

const incompleteUploadColumns = `id, owner_id, total_chunks, filename, content_type, options,
	status, error_message, attempts, result_key, created_at, last_activity`

// Create inserts a new session.
func (r *IncompleteUploadRepository) Create(ctx context.Context, upload *models.IncompleteUpload) error {
	if upload == nil || upload.ID == "" {
		return repository.ErrInvalidInput
	}

	options, err := json.Marshal(upload.Options)
	if err != nil {
		return fmt.Errorf("failed to encode upload options: %w", err)
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

	_, err = r.pool.Exec(ctx, `
		INSERT INTO incomplete_uploads (id, owner_id, total_chunks, filename, content_type,
			options, status, attempts, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		upload.ID, upload.OwnerID, upload.TotalChunks, upload.Filename, upload.ContentType,
		options, string(upload.Status), upload.Attempts, upload.CreatedAt, upload.LastActivity,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create incomplete upload: %w", err)
	}
	return nil
}

// Get retrieves a session with its received chunks. Returns nil, nil if not found.
func (r *IncompleteUploadRepository) Get(ctx context.Context, id string) (*models.IncompleteUpload, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+incompleteUploadColumns+" FROM incomplete_uploads WHERE id = $1", id)

	upload, err := scanIncompleteUpload(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incomplete upload: %w", err)
	}

	if err := r.loadChunks(ctx, upload); err != nil {
		return nil, err
	}
	return upload, nil
}

// MarkChunkReceived records one chunk index, replacing any earlier copy.
func (r *IncompleteUploadRepository) MarkChunkReceived(ctx context.Context, id string, index int, size int64) error {
	_, err := withRetry(ctx, defaultRetries, func() (struct{}, error) {
		tx, err := r.pool.BeginTx(ctx, TxOptions())
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		now := time.Now().UTC()
		tag, err := tx.Exec(ctx,
			"UPDATE incomplete_uploads SET last_activity = $1 WHERE id = $2", now, id)
		if err != nil {
			return struct{}{}, err
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, repository.ErrNotFound
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO incomplete_upload_chunks (upload_id, chunk_index, size, received_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (upload_id, chunk_index) DO UPDATE SET size = EXCLUDED.size, received_at = EXCLUDED.received_at`,
			id, index, size, now,
		)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, tx.Commit(ctx)
	})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to record chunk: %w", err)
	}
	return err
}

// TryLockForProcessing atomically claims a session for assembly.
func (r *IncompleteUploadRepository) TryLockForProcessing(ctx context.Context, id string, maxAttempts int) (bool, error) {
	rows, err := execAffected(ctx, r.pool, `
		UPDATE incomplete_uploads
		SET status = $1, attempts = attempts + 1, error_message = NULL, last_activity = $2
		WHERE id = $3 AND (status = $4 OR (status = $5 AND attempts < $6))`,
		string(models.StatusProcessing), time.Now().UTC(), id,
		string(models.StatusPending), string(models.StatusFailed), maxAttempts,
	)
	if err != nil {
		return false, fmt.Errorf("failed to lock incomplete upload: %w", err)
	}
	return rows == 1, nil
}

// MarkFailed sets FAILED with an error message.
func (r *IncompleteUploadRepository) MarkFailed(ctx context.Context, id, errorMessage string) error {
	return r.setStatus(ctx, `status = $3, error_message = $4`, id, string(models.StatusFailed), errorMessage)
}

// MarkCompleted sets COMPLETE and records the stored object key.
func (r *IncompleteUploadRepository) MarkCompleted(ctx context.Context, id, resultKey string) error {
	return r.setStatus(ctx, `status = $3, result_key = $4, error_message = NULL`, id, string(models.StatusComplete), resultKey)
}

func (r *IncompleteUploadRepository) setStatus(ctx context.Context, set, id string, args ...any) error {
	args = append([]any{time.Now().UTC(), id}, args...)
	rows, err := execAffected(ctx, r.pool,
		"UPDATE incomplete_uploads SET "+set+", last_activity = $1 WHERE id = $2", args...)
	if err != nil {
		return fmt.Errorf("failed to update incomplete upload: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListByOwner returns every session of one owner, newest first.
func (r *IncompleteUploadRepository) ListByOwner(ctx context.Context, ownerID string) ([]models.IncompleteUpload, error) {
	return r.list(ctx,
		"SELECT "+incompleteUploadColumns+" FROM incomplete_uploads WHERE owner_id = $1 ORDER BY created_at DESC",
		ownerID)
}

// ListInactiveSince returns sessions whose last activity is before cutoff.
func (r *IncompleteUploadRepository) ListInactiveSince(ctx context.Context, cutoff time.Time) ([]models.IncompleteUpload, error) {
	return r.list(ctx,
		"SELECT "+incompleteUploadColumns+" FROM incomplete_uploads WHERE last_activity < $1 ORDER BY last_activity",
		cutoff)
}

func (r *IncompleteUploadRepository) list(ctx context.Context, query string, args ...any) ([]models.IncompleteUpload, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete uploads: %w", err)
	}

	var uploads []models.IncompleteUpload
	for rows.Next() {
		upload, err := scanIncompleteUpload(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan incomplete upload: %w", err)
		}
		uploads = append(uploads, *upload)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incomplete uploads: %w", err)
	}

	for i := range uploads {
		if err := r.loadChunks(ctx, &uploads[i]); err != nil {
			return nil, err
		}
	}
	return uploads, nil
}

// Delete removes a session; chunk rows cascade.
func (r *IncompleteUploadRepository) Delete(ctx context.Context, id string) error {
	if _, err := execAffected(ctx, r.pool, "DELETE FROM incomplete_uploads WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete incomplete upload: %w", err)
	}
	return nil
}

// GetAllIDs returns every session id.
func (r *IncompleteUploadRepository) GetAllIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, "SELECT id FROM incomplete_uploads")
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete upload ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan upload id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// CountActive returns the number of sessions not yet COMPLETE.
func (r *IncompleteUploadRepository) CountActive(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM incomplete_uploads WHERE status <> $1", string(models.StatusComplete),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count incomplete uploads: %w", err)
	}
	return count, nil
}

func (r *IncompleteUploadRepository) loadChunks(ctx context.Context, upload *models.IncompleteUpload) error {
	rows, err := r.pool.Query(ctx,
		"SELECT chunk_index, size FROM incomplete_upload_chunks WHERE upload_id = $1", upload.ID)
	if err != nil {
		return fmt.Errorf("failed to load chunks: %w", err)
	}
	defer rows.Close()

	upload.Chunks = make(map[int]int64)
	for rows.Next() {
		var index int
		var size int64
		if err := rows.Scan(&index, &size); err != nil {
			return fmt.Errorf("failed to scan chunk: %w", err)
		}
		upload.Chunks[index] = size
	}
	return rows.Err()
}

func scanIncompleteUpload(row pgx.Row) (*models.IncompleteUpload, error) {
	var (
		upload       models.IncompleteUpload
		options      []byte
		status       string
		errorMessage *string
		resultKey    *string
	)

	err := row.Scan(&upload.ID, &upload.OwnerID, &upload.TotalChunks, &upload.Filename,
		&upload.ContentType, &options, &status, &errorMessage, &upload.Attempts,
		&resultKey, &upload.CreatedAt, &upload.LastActivity)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(options, &upload.Options); err != nil {
		return nil, fmt.Errorf("failed to decode upload options: %w", err)
	}
	upload.Status = models.UploadStatus(status)
	if errorMessage != nil {
		upload.ErrorMessage = *errorMessage
	}
	if resultKey != nil {
		upload.ResultKey = *resultKey
	}
	return &upload, nil
}
