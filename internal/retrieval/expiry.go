package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjmerc/stashbox/internal/repository"
	"github.com/fjmerc/stashbox/internal/storage"
)

// Expirer deletes files whose deletesAt time has passed.
type Expirer struct {
	files   repository.FileRepository
	storage storage.Backend
}

// NewExpirer creates an Expirer.
func NewExpirer(files repository.FileRepository, backend storage.Backend) *Expirer {
	return &Expirer{files: files, storage: backend}
}

// Sweep deletes every file expired at now and returns how many were removed.
func (e *Expirer) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.files.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired files: %w", err)
	}

	deleted := 0
	for i := range expired {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}
		if err := deleteFile(ctx, e.files, e.storage, &expired[i], "expired"); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

// StartExpiryWorker sweeps every interval until ctx is cancelled.
func (e *Expirer) StartExpiryWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("expiry worker started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry worker shutting down")
			return
		case <-ticker.C:
			start := time.Now()
			deleted, err := e.Sweep(ctx, start)
			if err != nil {
				slog.Error("expiry sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				slog.Info("expiry sweep completed", "deleted", deleted, "duration", time.Since(start))
			}
		}
	}
}
