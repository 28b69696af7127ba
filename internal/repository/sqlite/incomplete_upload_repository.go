package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
)

// IncompleteUploadRepository implements repository.IncompleteUploadRepository for SQLite.
type IncompleteUploadRepository struct {
	db *sql.DB
}

// NewIncompleteUploadRepository creates a new SQLite incomplete upload repository.
func NewIncompleteUploadRepository(db *sql.DB) *IncompleteUploadRepository {
	return &IncompleteUploadRepository{db: db}
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

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO incomplete_uploads (id, owner_id, total_chunks, filename, content_type,
			options, status, attempts, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		upload.ID, upload.OwnerID, upload.TotalChunks, upload.Filename, upload.ContentType,
		string(options), string(upload.Status), upload.Attempts,
		formatTime(upload.CreatedAt), formatTime(upload.LastActivity),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return repository.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create incomplete upload: %w", err)
	}
	return nil
}

// Get retrieves a session with its received chunks. Returns nil, nil if not found.
func (r *IncompleteUploadRepository) Get(ctx context.Context, id string) (*models.IncompleteUpload, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+incompleteUploadColumns+" FROM incomplete_uploads WHERE id = ?", id)

	upload, err := scanIncompleteUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	tx, err := beginImmediateTx(ctx, r.db)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	result, err := tx.ExecContext(ctx,
		"UPDATE incomplete_uploads SET last_activity = ? WHERE id = ?", now, id)
	if err != nil {
		return fmt.Errorf("failed to touch incomplete upload: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO incomplete_upload_chunks (upload_id, chunk_index, size, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(upload_id, chunk_index) DO UPDATE SET size = excluded.size, received_at = excluded.received_at`,
		id, index, size, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record chunk: %w", err)
	}

	return tx.Commit()
}

// TryLockForProcessing atomically claims a session for assembly.
func (r *IncompleteUploadRepository) TryLockForProcessing(ctx context.Context, id string, maxAttempts int) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE incomplete_uploads
		SET status = ?, attempts = attempts + 1, error_message = NULL, last_activity = ?
		WHERE id = ? AND (status = ? OR (status = ? AND attempts < ?))`,
		string(models.StatusProcessing), formatTime(time.Now()), id,
		string(models.StatusPending), string(models.StatusFailed), maxAttempts,
	)
	if err != nil {
		return false, fmt.Errorf("failed to lock incomplete upload: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// MarkFailed sets FAILED with an error message.
func (r *IncompleteUploadRepository) MarkFailed(ctx context.Context, id, errorMessage string) error {
	return r.setStatus(ctx, id, `status = ?, error_message = ?`, string(models.StatusFailed), errorMessage)
}

// MarkCompleted sets COMPLETE and records the stored object key.
func (r *IncompleteUploadRepository) MarkCompleted(ctx context.Context, id, resultKey string) error {
	return r.setStatus(ctx, id, `status = ?, result_key = ?, error_message = NULL`, string(models.StatusComplete), resultKey)
}

func (r *IncompleteUploadRepository) setStatus(ctx context.Context, id, set string, args ...any) error {
	args = append(args, formatTime(time.Now()), id)
	result, err := r.db.ExecContext(ctx,
		"UPDATE incomplete_uploads SET "+set+", last_activity = ? WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update incomplete upload: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListByOwner returns every session of one owner, newest first.
func (r *IncompleteUploadRepository) ListByOwner(ctx context.Context, ownerID string) ([]models.IncompleteUpload, error) {
	return r.list(ctx,
		"SELECT "+incompleteUploadColumns+" FROM incomplete_uploads WHERE owner_id = ? ORDER BY created_at DESC",
		ownerID)
}

// ListInactiveSince returns sessions whose last activity is before cutoff.
func (r *IncompleteUploadRepository) ListInactiveSince(ctx context.Context, cutoff time.Time) ([]models.IncompleteUpload, error) {
	return r.list(ctx,
		"SELECT "+incompleteUploadColumns+" FROM incomplete_uploads WHERE last_activity < ? ORDER BY last_activity",
		formatTime(cutoff))
}

func (r *IncompleteUploadRepository) list(ctx context.Context, query string, args ...any) ([]models.IncompleteUpload, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating incomplete uploads: %w", err)
	}
	rows.Close()

	// Chunk rows are loaded after the cursor is released.
	for i := range uploads {
		if err := r.loadChunks(ctx, &uploads[i]); err != nil {
			return nil, err
		}
	}
	return uploads, nil
}

// Delete removes a session and its chunk rows.
func (r *IncompleteUploadRepository) Delete(ctx context.Context, id string) error {
	tx, err := beginImmediateTx(ctx, r.db)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM incomplete_upload_chunks WHERE upload_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete chunk records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM incomplete_uploads WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete incomplete upload: %w", err)
	}
	return tx.Commit()
}

// GetAllIDs returns every session id.
func (r *IncompleteUploadRepository) GetAllIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM incomplete_uploads")
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
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM incomplete_uploads WHERE status != ?", string(models.StatusComplete),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count incomplete uploads: %w", err)
	}
	return count, nil
}

func (r *IncompleteUploadRepository) loadChunks(ctx context.Context, upload *models.IncompleteUpload) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT chunk_index, size FROM incomplete_upload_chunks WHERE upload_id = ?", upload.ID)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncompleteUpload(row rowScanner) (*models.IncompleteUpload, error) {
	var (
		upload       models.IncompleteUpload
		options      string
		status       string
		errorMessage sql.NullString
		resultKey    sql.NullString
		createdAt    string
		lastActivity string
	)

	err := row.Scan(&upload.ID, &upload.OwnerID, &upload.TotalChunks, &upload.Filename,
		&upload.ContentType, &options, &status, &errorMessage, &upload.Attempts,
		&resultKey, &createdAt, &lastActivity)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(options), &upload.Options); err != nil {
		return nil, fmt.Errorf("failed to decode upload options: %w", err)
	}
	upload.Status = models.UploadStatus(status)
	upload.ErrorMessage = errorMessage.String
	upload.ResultKey = resultKey.String

	if upload.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if upload.LastActivity, err = parseTime(lastActivity); err != nil {
		return nil, err
	}
	return &upload, nil
}
