package postgres

import (
	"context"
	"fmt"

	"github.com/fjmerc/stashbox/internal/repository"
)

// NewRepositories connects to PostgreSQL, runs migrations and creates all
// repository instances. Cleanup closes the pool.
func NewRepositories(ctx context.Context, connString string, maxConns int32) (*repository.Repositories, error) {
	pool, err := NewPool(ctx, connString, maxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}

	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run PostgreSQL migrations: %w", err)
	}

	repos, err := NewRepositoriesWithPool(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	repos.Cleanup = pool.Close
	return repos, nil
}

// NewRepositoriesWithPool creates all PostgreSQL repository implementations using an existing pool.
// The caller is responsible for closing the pool; Cleanup will be nil.
func NewRepositoriesWithPool(pool *Pool) (*repository.Repositories, error) {
	if pool == nil {
		return nil, repository.ErrNilDatabase
	}

	return &repository.Repositories{
		Files:             NewFileRepository(pool),
		Folders:           NewFolderRepository(pool),
		IncompleteUploads: NewIncompleteUploadRepository(pool),
		DatabaseType:      repository.DatabaseTypePostgreSQL,
	}, nil
}
