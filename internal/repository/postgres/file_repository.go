package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
)

// FileRepository implements repository.FileRepository for PostgreSQL.
type FileRepository struct {
	pool *Pool
}

// NewFileRepository creates a new PostgreSQL file repository.
func NewFileRepository(pool *Pool) *FileRepository {
	return &FileRepository{pool: pool}
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

	err := r.pool.QueryRow(ctx, `
		INSERT INTO files (name, original_name, type, size, password_hash, max_views, views,
			expires_at, folder_id, owner_id, thumbnail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		file.Name, file.OriginalName, file.Type, file.Size, nullIfEmpty(file.PasswordHash),
		file.MaxViews, file.Views, file.ExpiresAt, file.FolderID, file.OwnerID,
		nullIfEmpty(file.Thumbnail), file.CreatedAt,
	).Scan(&file.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

// GetByName returns the record for a storage key. Returns nil, nil if not found.
func (r *FileRepository) GetByName(ctx context.Context, name string) (*models.File, error) {
	return r.getOne(ctx, "SELECT "+fileColumns+" FROM files WHERE name = $1", name)
}

// GetByID returns a record by id. Returns nil, nil if not found.
func (r *FileRepository) GetByID(ctx context.Context, id int64) (*models.File, error) {
	return r.getOne(ctx, "SELECT "+fileColumns+" FROM files WHERE id = $1", id)
}

func (r *FileRepository) getOne(ctx context.Context, query string, arg any) (*models.File, error) {
	file, err := scanFile(r.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return file, nil
}

// ExistsWithPrefix reports whether any record's name starts with prefix.
func (r *FileRepository) ExistsWithPrefix(ctx context.Context, prefix string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM files WHERE name LIKE $1 ESCAPE '\')`,
		escapeLikePattern(prefix)+"%",
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check name prefix: %w", err)
	}
	return exists, nil
}

// TryIncrementViews counts one view unless max_views has been reached.
func (r *FileRepository) TryIncrementViews(ctx context.Context, id int64) (bool, error) {
	rows, err := execAffected(ctx, r.pool, `
		UPDATE files SET views = views + 1
		WHERE id = $1 AND (max_views IS NULL OR max_views = 0 OR views < max_views)`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to increment views: %w", err)
	}
	return rows == 1, nil
}

// Delete removes a record.
func (r *FileRepository) Delete(ctx context.Context, id int64) error {
	if _, err := execAffected(ctx, r.pool, "DELETE FROM files WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// ListExpired returns records whose expires_at is at or before now.
func (r *FileRepository) ListExpired(ctx context.Context, now time.Time) ([]models.File, error) {
	return r.list(ctx,
		"SELECT "+fileColumns+" FROM files WHERE expires_at IS NOT NULL AND expires_at <= $1 ORDER BY expires_at",
		now)
}

// ListVideosWithoutThumbnail returns up to limit video records lacking a thumbnail.
func (r *FileRepository) ListVideosWithoutThumbnail(ctx context.Context, limit, maxAttempts int) ([]models.File, error) {
	return r.list(ctx,
		"SELECT "+fileColumns+` FROM files
		WHERE type LIKE 'video/%' AND thumbnail IS NULL AND thumbnail_attempts < $1
		ORDER BY thumbnail_attempts, id LIMIT $2`,
		maxAttempts, limit)
}

// RecordThumbnailAttempt counts one thumbnail pass for each id.
func (r *FileRepository) RecordThumbnailAttempt(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := execAffected(ctx, r.pool,
		"UPDATE files SET thumbnail_attempts = thumbnail_attempts + 1 WHERE id = ANY($1)", ids); err != nil {
		return fmt.Errorf("failed to record thumbnail attempt: %w", err)
	}
	return nil
}

func (r *FileRepository) list(ctx context.Context, query string, args ...any) ([]models.File, error) {
	rows, err := r.pool.Query(ctx, query, args...)
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
	rows, err := execAffected(ctx, r.pool, "UPDATE files SET thumbnail = $1 WHERE id = $2", key, id)
	if err != nil {
		return fmt.Errorf("failed to set thumbnail: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanFile(row pgx.Row) (*models.File, error) {
	var (
		file         models.File
		passwordHash *string
		maxViews     *int32
		thumbnail    *string
	)

	err := row.Scan(&file.ID, &file.Name, &file.OriginalName, &file.Type, &file.Size,
		&passwordHash, &maxViews, &file.Views, &file.ExpiresAt, &file.FolderID, &file.OwnerID,
		&thumbnail, &file.CreatedAt)
	if err != nil {
		return nil, err
	}

	if passwordHash != nil {
		file.PasswordHash = *passwordHash
	}
	if thumbnail != nil {
		file.Thumbnail = *thumbnail
	}
	if maxViews != nil {
		v := int(*maxViews)
		file.MaxViews = &v
	}
	return &file, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// FolderRepository implements repository.FolderRepository for PostgreSQL.
type FolderRepository struct {
	pool *Pool
}

// NewFolderRepository creates a new PostgreSQL folder repository.
func NewFolderRepository(pool *Pool) *FolderRepository {
	return &FolderRepository{pool: pool}
}

// Create inserts a folder and sets folder.ID.
func (r *FolderRepository) Create(ctx context.Context, folder *models.Folder) error {
	if folder == nil || folder.Name == "" {
		return repository.ErrInvalidInput
	}
	if folder.CreatedAt.IsZero() {
		folder.CreatedAt = time.Now().UTC()
	}

	err := r.pool.QueryRow(ctx,
		"INSERT INTO folders (name, owner_id, created_at) VALUES ($1, $2, $3) RETURNING id",
		folder.Name, folder.OwnerID, folder.CreatedAt,
	).Scan(&folder.ID)
	if err != nil {
		return fmt.Errorf("failed to insert folder: %w", err)
	}
	return nil
}

// Get returns a folder. Returns nil, nil if not found.
func (r *FolderRepository) Get(ctx context.Context, id int64) (*models.Folder, error) {
	var folder models.Folder
	err := r.pool.QueryRow(ctx,
		"SELECT id, name, owner_id, created_at FROM folders WHERE id = $1", id,
	).Scan(&folder.ID, &folder.Name, &folder.OwnerID, &folder.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return &folder, nil
}
