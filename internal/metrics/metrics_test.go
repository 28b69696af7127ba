package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	metrics := []prometheus.Collector{
		UploadsTotal,
		ChunksReceivedTotal,
		AssembliesTotal,
		ReapedTotal,
		RetrievalsTotal,
		ExpiredDeletedTotal,
		ThumbnailJobsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		UploadSizeBytes,
		AssemblyDuration,
	}

	for _, metric := range metrics {
		if metric == nil {
			t.Error("Metric is nil")
		}
	}
}

func TestUploadsTotal(t *testing.T) {
	// Counters are process-global and cumulative across tests.
	initial := testutil.ToFloat64(UploadsTotal.WithLabelValues("chunked", "success"))

	UploadsTotal.WithLabelValues("chunked", "success").Inc()
	UploadsTotal.WithLabelValues("chunked", "success").Inc()

	if got := testutil.ToFloat64(UploadsTotal.WithLabelValues("chunked", "success")); got < initial+2 {
		t.Errorf("Expected at least %.0f chunked uploads, got %f", initial+2, got)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/metrics", "/metrics"},
		{"/api/health", "/api/health"},
		{"/api/upload", "/api/upload"},
		{"/api/upload/incomplete", "/api/upload/incomplete"},
		{"/api/upload/incomplete/abc-123/retry", "/api/upload/incomplete/:id/retry"},
		{"/raw/Xy7pQ2.png", "/raw/:id"},
		{"/raw", "/other"},
		{"/favicon.ico", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path, "/raw"); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMiddleware_RecordsStatus(t *testing.T) {
	handler := Middleware("/raw")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/raw/:id", "418"))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/raw/abc", nil))

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/raw/:id", "418"))
	if after != before+1 {
		t.Errorf("request counter = %f, want %f", after, before+1)
	}
}

type fakeSessions struct {
	n   int
	err error
}

func (f fakeSessions) CountActive(ctx context.Context) (int, error) { return f.n, f.err }

type fakeStorage struct {
	size int64
	err  error
}

func (f fakeStorage) TotalSize(ctx context.Context) (int64, error) { return f.size, f.err }

func TestStorageCollector(t *testing.T) {
	c := NewStorageCollector(fakeSessions{n: 3}, fakeStorage{size: 2048})

	expected := `
# HELP stashbox_incomplete_uploads Number of chunked upload sessions not yet complete
# TYPE stashbox_incomplete_uploads gauge
stashbox_incomplete_uploads 3
# HELP stashbox_storage_used_bytes Total bytes held by the storage backend
# TYPE stashbox_storage_used_bytes gauge
stashbox_storage_used_bytes 2048
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected collector output: %v", err)
	}
}

func TestStorageCollector_ErrorsReportZero(t *testing.T) {
	c := NewStorageCollector(fakeSessions{err: errors.New("db down")}, fakeStorage{err: errors.New("s3 down")})

	if n := testutil.CollectAndCount(c); n != 2 {
		t.Errorf("CollectAndCount = %d, want 2", n)
	}
}
