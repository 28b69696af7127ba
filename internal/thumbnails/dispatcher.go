// Package thumbnails schedules thumbnail generation for video files across a
// fixed pool of worker handles.
package thumbnails

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
)

// Batch is the unit of work sent to one worker.
type Batch struct {
	FileIDs []int64 `json:"ids"`
}

// Worker is a handle to something that can generate thumbnails.
type Worker interface {
	Name() string
	Send(ctx context.Context, batch Batch) error
}

// Dispatcher assigns file ids to workers round-robin. There is no rebalancing:
// a slow worker simply finishes its batch later.
type Dispatcher struct {
	workers []Worker
}

// NewDispatcher creates a Dispatcher over a non-empty pool.
func NewDispatcher(workers []Worker) (*Dispatcher, error) {
	if len(workers) == 0 {
		return nil, errors.New("thumbnail dispatcher needs at least one worker")
	}
	return &Dispatcher{workers: workers}, nil
}

// Assign splits ids so that ids[i] goes to worker i mod pool size.
func (d *Dispatcher) Assign(ids []int64) [][]int64 {
	groups := lo.GroupBy(lo.Range(len(ids)), func(i int) int {
		return i % len(d.workers)
	})

	out := make([][]int64, len(d.workers))
	for w, idxs := range groups {
		out[w] = lo.Map(idxs, func(i int, _ int) int64 { return ids[i] })
	}
	return out
}

// Dispatch sends each worker its share as a single batch. Workers run in
// parallel; the errors of all failed sends are joined.
func (d *Dispatcher) Dispatch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i, share := range d.Assign(ids) {
		if len(share) == 0 {
			continue
		}
		wg.Add(1)
		go func(w Worker, batch Batch) {
			defer wg.Done()
			if err := w.Send(ctx, batch); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("worker %s: %w", w.Name(), err))
				mu.Unlock()
			}
		}(d.workers[i], Batch{FileIDs: share})
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Scheduler periodically finds videos without thumbnails and dispatches them.
type Scheduler struct {
	files       repository.FileRepository
	dispatcher  *Dispatcher
	batchLimit  int
	maxAttempts int
}

// NewScheduler creates a Scheduler. batchLimit caps the ids handled per pass;
// a file is given up on after maxAttempts passes without a thumbnail.
func NewScheduler(files repository.FileRepository, dispatcher *Dispatcher, batchLimit, maxAttempts int) *Scheduler {
	if batchLimit <= 0 {
		batchLimit = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Scheduler{files: files, dispatcher: dispatcher, batchLimit: batchLimit, maxAttempts: maxAttempts}
}

// RunOnce dispatches one pass and returns the number of ids handed out.
// Each id is charged an attempt before dispatch, so a file that never yields
// a thumbnail stops being selected.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	videos, err := s.files.ListVideosWithoutThumbnail(ctx, s.batchLimit, s.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to list videos: %w", err)
	}
	ids := lo.Map(videos, func(f models.File, _ int) int64 { return f.ID })
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.files.RecordThumbnailAttempt(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to record thumbnail attempt: %w", err)
	}
	return len(ids), s.dispatcher.Dispatch(ctx, ids)
}

// StartThumbnailWorker runs RunOnce every interval until ctx is cancelled.
func (s *Scheduler) StartThumbnailWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("thumbnail worker started", "interval", interval, "workers", len(s.dispatcher.workers))

	for {
		select {
		case <-ctx.Done():
			slog.Info("thumbnail worker shutting down")
			return
		case <-ticker.C:
			n, err := s.RunOnce(ctx)
			if err != nil {
				slog.Error("thumbnail pass failed", "files", n, "error", err)
				continue
			}
			if n > 0 {
				slog.Info("thumbnail pass completed", "files", n)
			}
		}
	}
}
