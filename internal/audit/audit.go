// Package audit is the append-only trail for everything the race engine and
// ingest boundary discard rather than turn into a derived event: decode
// faults, unmapped decoders, unknown transponders, and the other
// non-fatal input problems spec rules 2/3/7/8 call out. It never fails the
// hot path: the caller waits for the insert, but a write failure here is
// logged and swallowed, never propagated back to the actor or gateway that
// observed the discard.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"p3timing/internal/config"
)

// Category names an audit record's kind. The engine.DiscardReason values are
// used verbatim as categories for passing discards; a handful of additional
// categories cover input that never reaches the engine at all.
type Category string

const (
	CategoryMalformedPayload Category = "malformed_payload"
	CategoryDecodeFault      Category = "decode_fault"
)

// Record is one audit entry: a passing, decode fault, or malformed payload
// that was observed but not applied to race state.
type Record struct {
	TrackID       string
	EventID       string
	SourceEventID string
	Category      string
	Detail        string
	DecoderID     string
	MotoID        string
	TransponderID uint32
	RecordedAtUS  uint64
}

// Writer wraps a ClickHouse connection holding the audit_log table.
type Writer struct {
	conn driver.Conn
}

// Open connects to ClickHouse and provisions the audit_log table.
func Open(ctx context.Context, cfg config.ClickHouseConfig) (*Writer, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	w := &Writer{conn: conn}
	if err := w.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) Close() error {
	return w.conn.Close()
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS audit_log (
		track_id       LowCardinality(String),
		event_id       String,
		source_event_id String,
		category       LowCardinality(String),
		detail         String,
		decoder_id     LowCardinality(String),
		moto_id        LowCardinality(String),
		transponder_id UInt32,
		recorded_at    DateTime64(3)
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(recorded_at)
	ORDER BY (track_id, category, recorded_at)
	SETTINGS index_granularity = 8192`

	if err := w.conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Record inserts one audit entry. Failures are the caller's to log; audit
// writes never gate the hot path they observe.
func (w *Writer) Record(ctx context.Context, r Record) error {
	recordedAt := time.UnixMicro(int64(r.RecordedAtUS))
	err := w.conn.Exec(ctx, `
		INSERT INTO audit_log (track_id, event_id, source_event_id, category, detail, decoder_id, moto_id, transponder_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.TrackID, r.EventID, r.SourceEventID, r.Category, r.Detail, r.DecoderID, r.MotoID, r.TransponderID, recordedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// CountByCategory returns the number of audit records per category for
// trackID, the read path a track's control-room dashboard uses to surface
// fault/discard counters alongside the live race feed.
func (w *Writer) CountByCategory(ctx context.Context, trackID string) (map[string]uint64, error) {
	rows, err := w.conn.Query(ctx,
		`SELECT category, count() FROM audit_log WHERE track_id = ? GROUP BY category`, trackID)
	if err != nil {
		return nil, fmt.Errorf("query audit counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var category string
		var count uint64
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("scan audit count: %w", err)
		}
		counts[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit counts: %w", err)
	}
	return counts, nil
}
