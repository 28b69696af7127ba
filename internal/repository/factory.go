package repository

// Repositories holds all repository implementations.
type Repositories struct {
	Files             FileRepository
	Folders           FolderRepository
	IncompleteUploads IncompleteUploadRepository

	DatabaseType DatabaseType

	// Cleanup releases the underlying connection. May be nil.
	Cleanup func()
}

// Close runs Cleanup if set.
func (r *Repositories) Close() {
	if r != nil && r.Cleanup != nil {
		r.Cleanup()
	}
}
