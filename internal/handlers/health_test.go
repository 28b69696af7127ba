package handlers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/fjmerc/stashbox/internal/models"
)

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.AddObject("a.txt", []byte("12345"))

	rr := ts.do(httptestRequest(http.MethodGet, "/api/health", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d\nBody: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Cache-Control"); got == "" {
		t.Error("health responses must not be cacheable")
	}

	resp := decodeJSON[models.HealthResponse](t, rr.Body)
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.StorageType != "mock" {
		t.Errorf("storage_type = %q, want mock", resp.StorageType)
	}
	if resp.StorageUsedBytes != 5 || resp.StorageUsedHuman != "5B" {
		t.Errorf("storage used = %d (%s), want 5 (5B)", resp.StorageUsedBytes, resp.StorageUsedHuman)
	}
}

func TestHealthHandler_StorageFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.TotalSizeError = errors.New("disk gone")

	rr := ts.do(httptestRequest(http.MethodGet, "/api/health", ""))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	resp := decodeJSON[models.HealthResponse](t, rr.Body)
	if resp.Status != "unhealthy" || resp.Error == "" {
		t.Errorf("resp = %+v", resp)
	}
}
