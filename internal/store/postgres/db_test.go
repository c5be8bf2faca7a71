package postgres

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/uptrace/bun"
)

func TestSlowQueryHook_IgnoresFastQueries(t *testing.T) {
	var buf bytes.Buffer
	h := &slowQueryHook{threshold: time.Minute, log: slog.New(slog.NewJSONHandler(&buf, nil))}

	h.AfterQuery(t.Context(), &bun.QueryEvent{StartTime: time.Now(), Query: "SELECT 1"})

	if buf.Len() != 0 {
		t.Fatalf("unexpected log output: %s", buf.String())
	}
}

func TestTruncateQuery(t *testing.T) {
	if got := truncateQuery("SELECT 1", 20); got != "SELECT 1" {
		t.Fatalf("truncateQuery = %q, want unchanged", got)
	}
	long := strings.Repeat("x", 30)
	if got := truncateQuery(long, 10); got != strings.Repeat("x", 10)+"..." {
		t.Fatalf("truncateQuery = %q", got)
	}
}
