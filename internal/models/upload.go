package models

import "time"

// UploadOptions is the per-request options bundle.
type UploadOptions struct {
	Format                  string `json:"format,omitempty" validate:"omitempty,oneof=random uuid date name"`
	MaxViews                *int   `json:"maxViews,omitempty" validate:"omitempty,min=0"`
	Password                string `json:"password,omitempty" validate:"max=256"`
	PasswordHash            string `json:"passwordHash,omitempty"`
	DeletesAt               string `json:"deletesAt,omitempty" validate:"max=64"`
	FolderID                *int64 `json:"folder,omitempty" validate:"omitempty,min=1"`
	OverrideExtension       string `json:"overrideExtension,omitempty" validate:"omitempty,max=16,excludesall=/\\"`
	OverrideFilename        string `json:"overrideFilename,omitempty" validate:"omitempty,max=255,excludesall=/\\"`
	ImageCompressionPercent int    `json:"imageCompressionPercent,omitempty" validate:"min=0,max=100"`
	AddOriginalName         bool   `json:"addOriginalName,omitempty"`
	RemoveGPS               bool   `json:"removeGps,omitempty"`
	Partial                 bool   `json:"partial,omitempty"`
	NoJSON                  bool   `json:"noJson,omitempty"`
	OverrideDomain          string `json:"overrideDomain,omitempty" validate:"omitempty,hostname_port|fqdn"`
}

// ChunkMeta describes one chunk request of a partial upload.
type ChunkMeta struct {
	SessionID   string
	Index       int
	TotalChunks int
	Filename    string
	ContentType string
	OwnerID     string
	Options     UploadOptions
}

// UploadedFile is one entry of the upload response.
type UploadedFile struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	URL     string `json:"url"`
	Pending bool   `json:"pending,omitempty"`
}

// UploadResponse is the JSON body returned by the upload endpoint.
type UploadResponse struct {
	Files             []UploadedFile `json:"files,omitempty"`
	DeletesAt         *time.Time     `json:"deletesAt,omitempty"`
	AssumedMimetypes  []bool         `json:"assumedMimetypes,omitempty"`
	PartialSuccess    bool           `json:"partialSuccess,omitempty"`
	Pending           bool           `json:"pending,omitempty"`
	PartialIdentifier string         `json:"partialIdentifier,omitempty"`
}

// StoredObject describes an object after its single Put.
type StoredObject struct {
	Key             string
	Type            string
	Size            int64
	AssumedMimetype bool
	Transformed     bool
	ExpiresAt       *time.Time
}
