package models

import (
	"sort"
	"time"
)

// UploadStatus is the lifecycle state of an incomplete upload.
type UploadStatus string

const (
	StatusPending    UploadStatus = "PENDING"
	StatusProcessing UploadStatus = "PROCESSING"
	StatusComplete   UploadStatus = "COMPLETE"
	StatusFailed     UploadStatus = "FAILED"
)

// Terminal reports whether no further transitions are expected.
func (s UploadStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// IncompleteUpload is the durable record of one chunked upload session.
type IncompleteUpload struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"ownerId,omitempty"`
	TotalChunks  int           `json:"totalChunks"`
	Chunks       map[int]int64 `json:"-"` // chunk index -> byte size
	Filename     string        `json:"filename"`
	ContentType  string        `json:"contentType"`
	Options      UploadOptions `json:"-"`
	Status       UploadStatus  `json:"status"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Attempts     int           `json:"attempts"`
	ResultKey    string        `json:"resultKey,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
}

// ReceivedCount returns how many distinct indices have arrived.
func (u *IncompleteUpload) ReceivedCount() int {
	return len(u.Chunks)
}

// ReceivedBytes sums the sizes of all received chunks.
func (u *IncompleteUpload) ReceivedBytes() int64 {
	var total int64
	for _, size := range u.Chunks {
		total += size
	}
	return total
}

// HasAllChunks reports whether every index in [0, TotalChunks) is present.
func (u *IncompleteUpload) HasAllChunks() bool {
	if len(u.Chunks) != u.TotalChunks {
		return false
	}
	for i := 0; i < u.TotalChunks; i++ {
		if _, ok := u.Chunks[i]; !ok {
			return false
		}
	}
	return true
}

// MissingChunks returns the absent indices in ascending order.
func (u *IncompleteUpload) MissingChunks() []int {
	var missing []int
	for i := 0; i < u.TotalChunks; i++ {
		if _, ok := u.Chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// ChunkOffset is the placement of one chunk inside the assembled object.
type ChunkOffset struct {
	Index  int   `json:"index"`
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// Offsets returns received chunks in index order with their byte offsets.
// Offsets are only final once HasAllChunks is true.
func (u *IncompleteUpload) Offsets() []ChunkOffset {
	indices := make([]int, 0, len(u.Chunks))
	for i := range u.Chunks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	out := make([]ChunkOffset, 0, len(indices))
	var offset int64
	for _, i := range indices {
		out = append(out, ChunkOffset{Index: i, Offset: offset, Size: u.Chunks[i]})
		offset += u.Chunks[i]
	}
	return out
}

// IncompleteUploadView is the dashboard representation of a session.
type IncompleteUploadView struct {
	ID             string       `json:"id"`
	Filename       string       `json:"filename"`
	Status         UploadStatus `json:"status"`
	TotalChunks    int          `json:"totalChunks"`
	ChunksReceived int          `json:"chunksReceived"`
	ReceivedBytes  int64        `json:"receivedBytes"`
	MissingChunks  []int        `json:"missingChunks,omitempty"`
	ErrorMessage   string       `json:"errorMessage,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivity   time.Time    `json:"lastActivity"`
}

// View converts the record for listing.
func (u *IncompleteUpload) View() IncompleteUploadView {
	return IncompleteUploadView{
		ID:             u.ID,
		Filename:       u.Filename,
		Status:         u.Status,
		TotalChunks:    u.TotalChunks,
		ChunksReceived: u.ReceivedCount(),
		ReceivedBytes:  u.ReceivedBytes(),
		MissingChunks:  u.MissingChunks(),
		ErrorMessage:   u.ErrorMessage,
		CreatedAt:      u.CreatedAt,
		LastActivity:   u.LastActivity,
	}
}
