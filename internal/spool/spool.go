// Package spool implements the gateway's local disk spool: a bounded,
// append-only SQLite queue of decoded ingest events that the gateway drains to the
// ingest boundary, and falls back to writing into when the boundary is
// unreachable. It exists so a decoder-side outage of the network path does
// not lose passings.
package spool

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Priority orders what gets dropped first once the spool is at capacity.
// Lower numeric value survives longer.
type Priority int

const (
	PriorityPassing Priority = 0
	PriorityStatus  Priority = 1
	PriorityVersion Priority = 2
)

// Item is one pending outbound record: an already-encoded ingest batch item
// keyed by its own idempotency fields so re-spooling never duplicates rows.
type Item struct {
	ID           int64
	TrackID      string
	ClientID     string
	BootID       string
	Seq          uint64
	MessageType  string
	Priority     Priority
	CapturedAtUS uint64
	Payload      []byte
	EnqueuedAt   time.Time
}

// Spool wraps a SQLite database used as a bounded FIFO with priority-aware
// eviction. It is safe for concurrent use by one writer goroutine (the
// gateway's reader loop) and one reader goroutine (the batch publisher).
type Spool struct {
	db       *sql.DB
	capacity int
}

// Open opens or creates the spool database at path and enforces the given
// row capacity. capacity <= 0 means unbounded.
func Open(path string, capacity int) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Spool{db: db, capacity: capacity}, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

func createSchema(db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS spool_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		track_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		boot_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		message_type TEXT NOT NULL,
		priority INTEGER NOT NULL,
		captured_at_us INTEGER NOT NULL,
		payload BLOB NOT NULL,
		enqueued_at TEXT NOT NULL DEFAULT (datetime('now')),
		UNIQUE(track_id, client_id, boot_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_spool_priority ON spool_items(priority, id);
	`
	_, err := db.Exec(schema)
	return err
}

// Enqueue appends one item. If it already exists (same track/client/boot/seq)
// the insert is silently skipped, matching the idempotency key used
// everywhere else in this system.
func (s *Spool) Enqueue(item Item) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO spool_items
			(track_id, client_id, boot_id, seq, message_type, priority, captured_at_us, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, item.TrackID, item.ClientID, item.BootID, item.Seq, item.MessageType, item.Priority, item.CapturedAtUS, item.Payload)
	if err != nil {
		return fmt.Errorf("enqueue spool item: %w", err)
	}
	if s.capacity > 0 {
		if err := s.evictOverflow(); err != nil {
			return fmt.Errorf("evict overflow: %w", err)
		}
	}
	return nil
}

// evictOverflow drops the lowest-priority-first, oldest-first rows once the
// table exceeds capacity. STATUS and VERSION rows are dropped ahead of
// PASSING rows whatever their age, since passings are the record of truth this
// system exists to protect.
func (s *Spool) evictOverflow() error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM spool_items").Scan(&count); err != nil {
		return err
	}
	overflow := count - s.capacity
	if overflow <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM spool_items WHERE id IN (
			SELECT id FROM spool_items ORDER BY priority DESC, id ASC LIMIT ?
		)
	`, overflow)
	return err
}

// Peek returns up to limit oldest items in FIFO order without removing them.
func (s *Spool) Peek(limit int) ([]Item, error) {
	rows, err := s.db.Query(`
		SELECT id, track_id, client_id, boot_id, seq, message_type, priority, captured_at_us, payload, enqueued_at
		FROM spool_items ORDER BY id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("peek spool: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []Item
	for rows.Next() {
		var it Item
		var enqueuedAt string
		if err := rows.Scan(&it.ID, &it.TrackID, &it.ClientID, &it.BootID, &it.Seq,
			&it.MessageType, &it.Priority, &it.CapturedAtUS, &it.Payload, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan spool item: %w", err)
		}
		it.EnqueuedAt, _ = time.Parse("2006-01-02 15:04:05", enqueuedAt)
		items = append(items, it)
	}
	return items, rows.Err()
}

// Ack removes items by ID once the publisher has confirmed delivery.
func (s *Spool) Ack(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin ack tx: %w", err)
	}
	stmt, err := tx.Prepare("DELETE FROM spool_items WHERE id = ?")
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare ack: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("ack item %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Depth returns the current row count, for gateway health reporting.
func (s *Spool) Depth() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM spool_items").Scan(&count)
	return count, err
}
