package sqlite

import (
	"database/sql"

	"github.com/fjmerc/stashbox/internal/repository"
)

// NewRepositories creates all SQLite repository implementations.
// The db parameter must be a valid, open database connection; Cleanup closes it.
func NewRepositories(db *sql.DB) (*repository.Repositories, error) {
	if db == nil {
		return nil, repository.ErrNilDatabase
	}

	return &repository.Repositories{
		Files:             NewFileRepository(db),
		Folders:           NewFolderRepository(db),
		IncompleteUploads: NewIncompleteUploadRepository(db),
		DatabaseType:      repository.DatabaseTypeSQLite,
		Cleanup: func() {
			db.Close()
		},
	}, nil
}
