// Package utils holds small helpers shared by the upload and retrieval paths.
package utils

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// UploadTracker counts in-flight upload requests so shutdown can drain them.
type UploadTracker struct {
	mu           sync.Mutex
	active       map[string]activeUpload
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

type activeUpload struct {
	ID        string
	Filename  string
	StartTime time.Time
}

// NewUploadTracker creates an UploadTracker.
func NewUploadTracker() *UploadTracker {
	return &UploadTracker{active: make(map[string]activeUpload)}
}

// Start registers an upload. It returns false once shutdown has begun.
func (ut *UploadTracker) Start(id, filename string) bool {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	// Checked under the lock so Wait never misses an upload that slipped in.
	if ut.shuttingDown.Load() {
		return false
	}
	if _, ok := ut.active[id]; ok {
		return true
	}

	ut.active[id] = activeUpload{ID: id, Filename: filename, StartTime: time.Now()}
	ut.wg.Add(1)
	slog.Debug("upload started", "upload_id", id, "active_uploads", len(ut.active))
	return true
}

// Finish marks an upload done. Unknown ids are ignored.
func (ut *UploadTracker) Finish(id string) {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	if _, ok := ut.active[id]; !ok {
		return
	}
	delete(ut.active, id)
	ut.wg.Done()
	slog.Debug("upload finished", "upload_id", id, "active_uploads", len(ut.active))
}

// ActiveCount returns the number of in-flight uploads.
func (ut *UploadTracker) ActiveCount() int {
	ut.mu.Lock()
	defer ut.mu.Unlock()
	return len(ut.active)
}

// ShuttingDown reports whether new uploads are being refused.
func (ut *UploadTracker) ShuttingDown() bool {
	return ut.shuttingDown.Load()
}

// Wait refuses new uploads and blocks until in-flight ones finish or ctx ends.
// It returns false if ctx ended first.
func (ut *UploadTracker) Wait(ctx context.Context) bool {
	ut.mu.Lock()
	ut.shuttingDown.Store(true)
	count := len(ut.active)
	ut.mu.Unlock()

	slog.Info("upload tracker: shutdown initiated, rejecting new uploads", "active_uploads", count)

	done := make(chan struct{})
	go func() {
		ut.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("upload tracker: all uploads completed")
		return true
	case <-ctx.Done():
		ut.mu.Lock()
		defer ut.mu.Unlock()
		for _, u := range ut.active {
			slog.Warn("upload tracker: abandoned upload",
				"upload_id", u.ID,
				"filename", u.Filename,
				"duration", time.Since(u.StartTime),
			)
		}
		return false
	}
}
