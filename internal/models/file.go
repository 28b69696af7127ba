package models

import "time"

// File represents a stored object's metadata record.
type File struct {
	ID           int64
	Name         string // storage key, also the public id
	OriginalName string
	Type         string
	Size         int64
	PasswordHash string
	MaxViews     *int // nullable - nil means unlimited
	Views        int
	ExpiresAt    *time.Time
	FolderID     *int64
	OwnerID      string
	Thumbnail    string // storage key of the generated thumbnail, if any
	CreatedAt    time.Time
}

// Expired reports whether the file is past its deletesAt time.
func (f *File) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && !now.Before(*f.ExpiresAt)
}

// ViewsExhausted reports whether maxViews has been reached. Zero means unlimited.
func (f *File) ViewsExhausted() bool {
	return f.MaxViews != nil && *f.MaxViews > 0 && f.Views >= *f.MaxViews
}

// IsVideo reports whether a thumbnail can be extracted from the file.
func (f *File) IsVideo() bool {
	return len(f.Type) > 6 && f.Type[:6] == "video/"
}

// Folder is a named container owned by one user.
type Folder struct {
	ID        int64
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

// ErrorResponse is the JSON error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the JSON response for the health check endpoint
type HealthResponse struct {
	Status             string `json:"status"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
	StorageType        string `json:"storage_type"`
	StorageUsedBytes   int64  `json:"storage_used_bytes"`
	StorageUsedHuman   string `json:"storage_used_human"`
	DiskAvailableBytes int64  `json:"disk_available_bytes,omitempty"`
	IncompleteUploads  int    `json:"incomplete_uploads"`
	Error              string `json:"error,omitempty"`
}
