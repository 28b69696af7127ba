package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fjmerc/stashbox/internal/database"
)

// setupTestDB creates an in-memory SQLite database with the full schema.
// A single connection keeps every query on the same in-memory database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if err := database.RunMigrations(db); err != nil {
		db.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func TestEscapeLikePattern(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"plain", "plain"},
		{"50%", "50\\%"},
		{"a_b", "a\\_b"},
		{"back\\slash", "back\\\\slash"},
		{"nul\x00byte", "nulbyte"},
	}
	for _, tt := range tests {
		if got := escapeLikePattern(tt.input); got != tt.want {
			t.Errorf("escapeLikePattern(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestIsSQLiteBusyError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked"), true},
		{errors.New("SQLITE_BUSY: try again"), true},
		{errors.New("sqlite error (517)"), true},
		{errors.New("no such table: files"), false},
	}
	for _, tt := range tests {
		if got := isSQLiteBusyError(tt.err); got != tt.want {
			t.Errorf("isSQLiteBusyError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestBeginImmediateTx_CancelledContext(t *testing.T) {
	db := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := beginImmediateTx(ctx, db); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 45, 123000000, time.FixedZone("X", 3600))
	parsed, err := parseTime(formatTime(now))
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !parsed.Equal(now) {
		t.Errorf("round trip = %v, want %v", parsed, now)
	}
}
