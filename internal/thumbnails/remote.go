package thumbnails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/fjmerc/stashbox/internal/metrics"
)

// RemoteWorker posts batches to an out-of-process thumbnail worker.
type RemoteWorker struct {
	url        string
	httpClient *retryablehttp.Client
}

// NewRemoteWorker creates a RemoteWorker that retries transient failures.
func NewRemoteWorker(url string, retryMax int) *RemoteWorker {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = slog.Default()

	return &RemoteWorker{url: url, httpClient: client}
}

// Name implements Worker.
func (w *RemoteWorker) Name() string { return w.url }

// Send implements Worker.
func (w *RemoteWorker) Send(ctx context.Context, batch Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		metrics.ThumbnailJobsTotal.WithLabelValues("failure").Add(float64(len(batch.FileIDs)))
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		metrics.ThumbnailJobsTotal.WithLabelValues("failure").Add(float64(len(batch.FileIDs)))
		return fmt.Errorf("thumbnail worker responded %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	metrics.ThumbnailJobsTotal.WithLabelValues("dispatched").Add(float64(len(batch.FileIDs)))
	return nil
}
