package assembly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/fjmerc/stashbox/internal/metrics"
	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
)

// Tracker exposes the incomplete upload catalog for listing, cancellation and
// TTL reaping. Every removal goes through the Assembler so fragments and
// records are deleted together under the session lock.
type Tracker struct {
	repo      repository.IncompleteUploadRepository
	assembler *Assembler
	scratch   *ScratchStore
	ttl       time.Duration
}

// NewTracker creates a Tracker. ttl is the idle time after which a session is reaped.
func NewTracker(repo repository.IncompleteUploadRepository, assembler *Assembler, scratch *ScratchStore, ttl time.Duration) *Tracker {
	return &Tracker{repo: repo, assembler: assembler, scratch: scratch, ttl: ttl}
}

// ListByOwner returns the owner's sessions, newest first.
func (t *Tracker) ListByOwner(ctx context.Context, ownerID string) ([]models.IncompleteUploadView, error) {
	uploads, err := t.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete uploads: %w", err)
	}
	return lo.Map(uploads, func(u models.IncompleteUpload, _ int) models.IncompleteUploadView {
		return u.View()
	}), nil
}

// DeleteByIDs aborts each listed session owned by ownerID and returns the ids
// actually removed. Unknown ids and sessions of other owners are skipped.
func (t *Tracker) DeleteByIDs(ctx context.Context, ownerID string, ids []string) ([]string, error) {
	var deleted []string
	for _, id := range lo.Uniq(ids) {
		if !ValidSessionID(id) {
			continue
		}
		removed, err := t.assembler.abortIf(ctx, id, func(u *models.IncompleteUpload) bool {
			return u.OwnerID == ownerID
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete upload %s: %w", id, err)
		}
		if removed {
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// ReapStats summarizes one reaper pass.
type ReapStats struct {
	Sessions int
	Orphans  int
}

// Reap removes sessions idle longer than the TTL in any status, then scratch
// directories older than the TTL that have no record.
func (t *Tracker) Reap(ctx context.Context, now time.Time) (ReapStats, error) {
	var stats ReapStats
	cutoff := now.Add(-t.ttl)

	stale, err := t.repo.ListInactiveSince(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("failed to list stale uploads: %w", err)
	}

	for _, u := range stale {
		removed, err := t.assembler.abortIf(ctx, u.ID, func(cur *models.IncompleteUpload) bool {
			return cur.LastActivity.Before(cutoff)
		})
		if err != nil {
			slog.Error("failed to reap upload session", "upload_id", u.ID, "error", err)
			continue
		}
		if removed {
			stats.Sessions++
			slog.Info("reaped abandoned upload",
				"upload_id", u.ID,
				"status", u.Status,
				"last_activity", u.LastActivity,
			)
		}
	}

	dirs, err := t.scratch.List()
	if err != nil {
		return stats, err
	}
	for _, d := range dirs {
		if !d.ModTime.Before(cutoff) {
			continue
		}
		removed, err := t.removeOrphan(ctx, d.ID)
		if err != nil {
			slog.Error("failed to remove orphan chunks", "upload_id", d.ID, "error", err)
			continue
		}
		if removed {
			stats.Orphans++
		}
	}

	metrics.ReapedTotal.WithLabelValues("session").Add(float64(stats.Sessions))
	metrics.ReapedTotal.WithLabelValues("orphan").Add(float64(stats.Orphans))
	return stats, nil
}

func (t *Tracker) removeOrphan(ctx context.Context, id string) (bool, error) {
	unlock := t.assembler.locks.lock(id)
	defer unlock()

	upload, err := t.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if upload != nil {
		return false, nil
	}
	if err := t.scratch.Remove(id); err != nil {
		return false, err
	}
	slog.Info("removed orphan chunks", "upload_id", id)
	return true, nil
}

// StartReaperWorker runs Reap immediately and then every interval until ctx is cancelled.
func (t *Tracker) StartReaperWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("incomplete upload reaper started", "interval", interval, "ttl", t.ttl)

	t.runReap(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("incomplete upload reaper shutting down")
			return
		case <-ticker.C:
			t.runReap(ctx)
		}
	}
}

func (t *Tracker) runReap(ctx context.Context) {
	start := time.Now()
	stats, err := t.Reap(ctx, start)
	duration := time.Since(start)

	if err != nil {
		slog.Error("reaper pass failed", "error", err, "duration", duration)
		return
	}

	if stats.Sessions > 0 || stats.Orphans > 0 {
		slog.Info("reaper pass completed", "sessions", stats.Sessions, "orphans", stats.Orphans, "duration", duration)
	} else {
		slog.Debug("reaper pass completed", "duration", duration)
	}
}
