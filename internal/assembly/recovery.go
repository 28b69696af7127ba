package assembly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/fjmerc/stashbox/internal/metrics"
	"github.com/fjmerc/stashbox/internal/models"
)

// RecoveryStats summarizes one recovery pass.
type RecoveryStats struct {
	Failed  int
	Dropped int
}

// Recover finds sessions left PROCESSING by an assembly that never finished
// (a crash or a lost database write) and idle since before cutoff. A session
// whose fragments are all on disk becomes FAILED, so the retry budget decides
// whether it may run again; one missing fragments is removed. Sessions being
// assembled by this process are skipped.
func (a *Assembler) Recover(ctx context.Context, cutoff time.Time) (RecoveryStats, error) {
	var stats RecoveryStats

	idle, err := a.repo.ListInactiveSince(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("failed to list idle uploads: %w", err)
	}
	stuck := lo.Filter(idle, func(u models.IncompleteUpload, _ int) bool {
		return u.Status == models.StatusProcessing
	})

	for _, u := range stuck {
		outcome, err := a.recoverOne(ctx, u.ID, cutoff)
		if err != nil {
			slog.Error("failed to recover interrupted assembly", "upload_id", u.ID, "error", err)
			continue
		}
		switch outcome {
		case "failed":
			stats.Failed++
		case "dropped":
			stats.Dropped++
		}
	}

	metrics.ReapedTotal.WithLabelValues("interrupted").Add(float64(stats.Dropped))
	return stats, nil
}

func (a *Assembler) recoverOne(ctx context.Context, id string, cutoff time.Time) (string, error) {
	unlock, ok := a.locks.tryLock(id)
	if !ok {
		slog.Debug("skipping assembly in progress", "upload_id", id)
		return "", nil
	}
	defer unlock()

	upload, err := a.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if upload == nil || upload.Status != models.StatusProcessing || !upload.LastActivity.Before(cutoff) {
		return "", nil
	}

	present, err := a.scratch.ChunkCount(id)
	if err != nil {
		return "", err
	}
	if present < upload.TotalChunks {
		slog.Warn("interrupted assembly lost its chunks",
			"upload_id", id,
			"present", present,
			"total_chunks", upload.TotalChunks,
		)
		return "dropped", a.abortLocked(ctx, id)
	}

	if err := a.repo.MarkFailed(ctx, id, "assembly interrupted"); err != nil {
		return "", err
	}
	slog.Info("interrupted assembly released for retry",
		"upload_id", id,
		"filename", upload.Filename,
		"attempts", upload.Attempts,
	)
	return "failed", nil
}

// StartRecoveryWorker releases every interrupted assembly at startup, then
// every interval releases those idle longer than staleAfter.
func (a *Assembler) StartRecoveryWorker(ctx context.Context, interval, staleAfter time.Duration) {
	slog.Info("assembly recovery worker started", "interval", interval, "stale_after", staleAfter)

	a.runRecover(ctx, time.Now())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("assembly recovery worker shutting down")
			return
		case <-ticker.C:
			a.runRecover(ctx, time.Now().Add(-staleAfter))
		}
	}
}

func (a *Assembler) runRecover(ctx context.Context, cutoff time.Time) {
	stats, err := a.Recover(ctx, cutoff)
	if err != nil {
		slog.Error("assembly recovery pass failed", "error", err)
		return
	}
	if stats.Failed > 0 || stats.Dropped > 0 {
		slog.Info("assembly recovery pass completed", "released", stats.Failed, "dropped", stats.Dropped)
	}
}
