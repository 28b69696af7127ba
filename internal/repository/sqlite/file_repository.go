package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
)

// FileRepository implements repository.FileRepository for SQLite.
type FileRepository struct {
	db *sql.DB
}

// NewFileRepository creates a new SQLite file repository.
func NewFileRepository(db *sql.DB) *FileRepository {
	return &FileRepository{db: db}
}

const fileColumns = `id, name, original_name, type, size, password_hash, max_views, views,
	expires_at, folder_id, owner_id, thumbnail, created_at`

// Create inserts a record and sets file.ID.
func (r *FileRepository) Create(ctx context.Context, file *models.File) error {
	if file == nil || file.Name == "" {
		return repository.ErrInvalidInput
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}

	var maxViews sql.NullInt64
	if file.MaxViews != nil {
		maxViews = sql.NullInt64{Int64: int64(*file.MaxViews), Valid: true}
	}
	var folderID sql.NullInt64
	if file.FolderID != nil {
		folderID = sql.NullInt64{Int64: *file.FolderID, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO files (name, original_name, type, size, password_hash, max_views, views,
			expires_at, folder_id, owner_id, thumbnail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.Name, file.OriginalName, file.Type, file.Size, nullableString(file.PasswordHash),
		maxViews, file.Views, nullableTime(file.ExpiresAt), folderID, file.OwnerID,
		nullableString(file.Thumbnail), formatTime(file.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return repository.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert file: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	file.ID = id
	return nil
}

// GetByName returns the record for a storage key. Returns nil, nil if not found.
func (r *FileRepository) GetByName(ctx context.Context, name string) (*models.File, error) {
	return r.getOne(ctx, "SELECT "+fileColumns+" FROM files WHERE name = ?", name)
}

// GetByID returns a record by id. Returns nil, nil if not found.
func (r *FileRepository) GetByID(ctx context.Context, id int64) (*models.File, error) {
	return r.getOne(ctx, "SELECT "+fileColumns+" FROM files WHERE id = ?", id)
}

func (r *FileRepository) getOne(ctx context.Context, query string, arg any) (*models.File, error) {
	file, err := scanFile(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return file, nil
}

// ExistsWithPrefix reports whether any record's name starts with prefix.
func (r *FileRepository) ExistsWithPrefix(ctx context.Context, prefix string) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM files WHERE name LIKE ? ESCAPE '\')`,
		escapeLikePattern(prefix)+"%",
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check name prefix: %w", err)
	}
	return exists == 1, nil
}

// TryIncrementViews counts one view unless max_views has been reached.
func (r *FileRepository) TryIncrementViews(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE files SET views = views + 1
		WHERE id = ? AND (max_views IS NULL OR max_views = 0 OR views < max_views)`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to increment views: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Delete removes a record.
func (r *FileRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// ListExpired returns records whose expires_at is at or before now.
func (r *FileRepository) ListExpired(ctx context.Context, now time.Time) ([]models.File, error) {
	return r.list(ctx,
		"SELECT "+fileColumns+" FROM files WHERE expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at",
		formatTime(now))
}

// ListVideosWithoutThumbnail returns up to limit video records lacking a thumbnail.
func (r *FileRepository) ListVideosWithoutThumbnail(ctx context.Context, limit, maxAttempts int) ([]models.File, error) {
	return r.list(ctx,
		"SELECT "+fileColumns+` FROM files
		WHERE type LIKE 'video/%' AND thumbnail IS NULL AND thumbnail_attempts < ?
		ORDER BY thumbnail_attempts, id LIMIT ?`,
		maxAttempts, limit)
}

// RecordThumbnailAttempt counts one thumbnail pass for each id.
func (r *FileRepository) RecordThumbnailAttempt(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := r.db.ExecContext(ctx,
		"UPDATE files SET thumbnail_attempts = thumbnail_attempts + 1 WHERE id IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("failed to record thumbnail attempt: %w", err)
	}
	return nil
}

func (r *FileRepository) list(ctx context.Context, query string, args ...any) ([]models.File, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []models.File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}
	return files, nil
}

// SetThumbnail records the storage key of a generated thumbnail.
func (r *FileRepository) SetThumbnail(ctx context.Context, id int64, key string) error {
	result, err := r.db.ExecContext(ctx, "UPDATE files SET thumbnail = ? WHERE id = ?", key, id)
	if err != nil {
		return fmt.Errorf("failed to set thumbnail: %w", err)
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

func scanFile(row rowScanner) (*models.File, error) {
	var (
		file         models.File
		passwordHash sql.NullString
		maxViews     sql.NullInt64
		expiresAt    sql.NullString
		folderID     sql.NullInt64
		thumbnail    sql.NullString
		createdAt    string
	)

	err := row.Scan(&file.ID, &file.Name, &file.OriginalName, &file.Type, &file.Size,
		&passwordHash, &maxViews, &file.Views, &expiresAt, &folderID, &file.OwnerID,
		&thumbnail, &createdAt)
	if err != nil {
		return nil, err
	}

	file.PasswordHash = passwordHash.String
	file.Thumbnail = thumbnail.String
	if maxViews.Valid {
		v := int(maxViews.Int64)
		file.MaxViews = &v
	}
	if folderID.Valid {
		v := folderID.Int64
		file.FolderID = &v
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, err
		}
		file.ExpiresAt = &t
	}
	if file.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &file, nil
}

// FolderRepository implements repository.FolderRepository for SQLite.
type FolderRepository struct {
	db *sql.DB
}

// NewFolderRepository creates a new SQLite folder repository.
func NewFolderRepository(db *sql.DB) *FolderRepository {
	return &FolderRepository{db: db}
}

// Create inserts a folder and sets folder.ID.
func (r *FolderRepository) Create(ctx context.Context, folder *models.Folder) error {
	if folder == nil || folder.Name == "" {
		return repository.ErrInvalidInput
	}
	if folder.CreatedAt.IsZero() {
		folder.CreatedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx,
		"INSERT INTO folders (name, owner_id, created_at) VALUES (?, ?, ?)",
		folder.Name, folder.OwnerID, formatTime(folder.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert folder: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	folder.ID = id
	return nil
}

// Get returns a folder. Returns nil, nil if not found.
func (r *FolderRepository) Get(ctx context.Context, id int64) (*models.Folder, error) {
	var folder models.Folder
	var createdAt string
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, owner_id, created_at FROM folders WHERE id = ?", id,
	).Scan(&folder.ID, &folder.Name, &folder.OwnerID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	if folder.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &folder, nil
}
