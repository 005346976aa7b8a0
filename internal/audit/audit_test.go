package audit

import (
	"context"
	"testing"

	"p3timing/internal/config"
)

// setupTestWriter opens an audit writer against a local ClickHouse,
// skipping the test when none is reachable.
func setupTestWriter(t *testing.T) *Writer {
	t.Helper()

	cfg := config.ClickHouseConfig{
		Host:     config.EnvOrDefault("CLICKHOUSE_HOST", "localhost"),
		Port:     config.EnvOrDefaultInt("CLICKHOUSE_PORT", 9000),
		Database: config.EnvOrDefault("CLICKHOUSE_DB", "p3timing_test"),
		User:     config.EnvOrDefault("CLICKHOUSE_USER", "default"),
		Password: config.EnvOrDefault("CLICKHOUSE_PASSWORD", ""),
	}
	w, err := Open(context.Background(), cfg)
	if err != nil {
		t.Skipf("no clickhouse connection available: %v", err)
	}
	return w
}

func TestRecordAndCountByCategory(t *testing.T) {
	w := setupTestWriter(t)
	defer w.Close()
	ctx := context.Background()

	trackID := "track-audit-test"
	err := w.Record(ctx, Record{
		TrackID:       trackID,
		EventID:       "evt-audit-1",
		Category:      "unmapped_decoder",
		Detail:        "decoder D9999 not present in track config",
		DecoderID:     "D9999",
		TransponderID: 101,
		RecordedAtUS:  1_700_000_000_000_000,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	counts, err := w.CountByCategory(ctx, trackID)
	if err != nil {
		t.Fatalf("count by category: %v", err)
	}
	if counts["unmapped_decoder"] < 1 {
		t.Fatalf("counts = %v, want at least 1 unmapped_decoder", counts)
	}
}
