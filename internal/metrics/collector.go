package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionCounter reports how many incomplete upload sessions are open.
type SessionCounter interface {
	CountActive(ctx context.Context) (int, error)
}

// SizeReporter reports the bytes held by the storage backend.
type SizeReporter interface {
	TotalSize(ctx context.Context) (int64, error)
}

// StorageCollector queries the tracker and storage backend on each scrape.
type StorageCollector struct {
	sessions SessionCounter
	storage  SizeReporter
	timeout  time.Duration

	storageUsedBytes  *prometheus.Desc
	incompleteUploads *prometheus.Desc
}

// NewStorageCollector creates a new collector
func NewStorageCollector(sessions SessionCounter, storage SizeReporter) *StorageCollector {
	return &StorageCollector{
		sessions: sessions,
		storage:  storage,
		timeout:  5 * time.Second,
		storageUsedBytes: prometheus.NewDesc(
			"stashbox_storage_used_bytes",
			"Total bytes held by the storage backend",
			nil, nil,
		),
		incompleteUploads: prometheus.NewDesc(
			"stashbox_incomplete_uploads",
			"Number of chunked upload sessions not yet complete",
			nil, nil,
		),
	}
}

// Describe sends metric descriptors to Prometheus
func (c *StorageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.storageUsedBytes
	ch <- c.incompleteUploads
}

// Collect queries current values. Errors are logged and reported as zero
// so a slow backend never fails the scrape.
func (c *StorageCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	used, err := c.storage.TotalSize(ctx)
	if err != nil {
		slog.Error("failed to query storage usage", "error", err)
		used = 0
	}

	active, err := c.sessions.CountActive(ctx)
	if err != nil {
		slog.Error("failed to count incomplete uploads", "error", err)
		active = 0
	}

	ch <- prometheus.MustNewConstMetric(c.storageUsedBytes, prometheus.GaugeValue, float64(used))
	ch <- prometheus.MustNewConstMetric(c.incompleteUploads, prometheus.GaugeValue, float64(active))
}
