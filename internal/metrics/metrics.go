package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter metrics (monotonically increasing)
var (
	// UploadsTotal counts uploads by mode (whole, chunked) and result (success, failure)
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashbox_uploads_total",
			Help: "Total number of file uploads",
		},
		[]string{"mode", "result"},
	)

	// ChunksReceivedTotal counts individual chunks written to scratch
	ChunksReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stashbox_chunks_received_total",
			Help: "Total number of upload chunks received",
		},
	)

	// AssembliesTotal counts assembly attempts by result (success, failure, exhausted)
	AssembliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashbox_assemblies_total",
			Help: "Total number of chunk assembly attempts",
		},
		[]string{"result"},
	)

	// ReapedTotal counts sessions, orphan scratch directories and interrupted assemblies removed
	ReapedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashbox_reaped_total",
			Help: "Total number of incomplete uploads removed by the reaper and assembly recovery",
		},
		[]string{"kind"},
	)

	// RetrievalsTotal counts retrieval responses by HTTP status
	RetrievalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashbox_retrievals_total",
			Help: "Total number of object retrievals by response status",
		},
		[]string{"status"},
	)

	// ExpiredDeletedTotal counts files deleted by expiry or exhausted view limits
	ExpiredDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashbox_expired_deleted_total",
			Help: "Total number of files deleted after expiry or view exhaustion",
		},
		[]string{"reason"},
	)

	// ThumbnailJobsTotal counts thumbnail jobs by result
	ThumbnailJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashbox_thumbnail_jobs_total",
			Help: "Total number of thumbnail generation jobs",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts total HTTP requests by method, path, and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashbox_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Histogram metrics (distributions)
var (
	// HTTPRequestDuration tracks HTTP request latency by method and path
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stashbox_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	// UploadSizeBytes tracks distribution of stored object sizes
	UploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "stashbox_upload_size_bytes",
			Help: "Distribution of stored object sizes in bytes",
			Buckets: []float64{
				1024,        // 1 KB
				102400,      // 100 KB
				1048576,     // 1 MB
				10485760,    // 10 MB
				104857600,   // 100 MB
				1073741824,  // 1 GB
				10737418240, // 10 GB
			},
		},
	)

	// AssemblyDuration tracks how long concatenation plus storage takes
	AssemblyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stashbox_assembly_duration_seconds",
			Help:    "Chunk assembly duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
	)
)
