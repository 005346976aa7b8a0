package spool

import (
	"path/filepath"
	"testing"
)

func openTestSpool(t *testing.T, capacity int) *Spool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spool.db")
	s, err := Open(path, capacity)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueuePeekAck(t *testing.T) {
	s := openTestSpool(t, 0)

	item := Item{
		TrackID: "track-1", ClientID: "gw-1", BootID: "boot-1", Seq: 1,
		MessageType: "PASSING", Priority: PriorityPassing, CapturedAtUS: 1000,
		Payload: []byte(`{"foo":"bar"}`),
	}
	if err := s.Enqueue(item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	items, err := s.Peek(10)
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if items[0].TrackID != "track-1" || items[0].Seq != 1 {
		t.Fatalf("items[0] = %+v, unexpected fields", items[0])
	}

	if err := s.Ack([]int64{items[0].ID}); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	depth, err := s.Depth()
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 0 {
		t.Fatalf("Depth() = %d, want 0", depth)
	}
}

func TestEnqueue_DuplicateIsIgnored(t *testing.T) {
	s := openTestSpool(t, 0)
	item := Item{
		TrackID: "track-1", ClientID: "gw-1", BootID: "boot-1", Seq: 5,
		MessageType: "STATUS", Priority: PriorityStatus, Payload: []byte("{}"),
	}
	if err := s.Enqueue(item); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if err := s.Enqueue(item); err != nil {
		t.Fatalf("duplicate Enqueue() error = %v", err)
	}
	depth, err := s.Depth()
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 1 {
		t.Fatalf("Depth() = %d, want 1 (duplicate must be ignored)", depth)
	}
}

func TestEvictOverflow_DropsStatusBeforePassing(t *testing.T) {
	s := openTestSpool(t, 2)

	status := Item{
		TrackID: "track-1", ClientID: "gw-1", BootID: "boot-1", Seq: 1,
		MessageType: "STATUS", Priority: PriorityStatus, Payload: []byte("{}"),
	}
	passing1 := Item{
		TrackID: "track-1", ClientID: "gw-1", BootID: "boot-1", Seq: 2,
		MessageType: "PASSING", Priority: PriorityPassing, Payload: []byte("{}"),
	}
	passing2 := Item{
		TrackID: "track-1", ClientID: "gw-1", BootID: "boot-1", Seq: 3,
		MessageType: "PASSING", Priority: PriorityPassing, Payload: []byte("{}"),
	}

	if err := s.Enqueue(status); err != nil {
		t.Fatalf("Enqueue(status) error = %v", err)
	}
	if err := s.Enqueue(passing1); err != nil {
		t.Fatalf("Enqueue(passing1) error = %v", err)
	}
	// This third insert pushes the spool over capacity 2; the STATUS row,
	// being lower priority, must be the one evicted.
	if err := s.Enqueue(passing2); err != nil {
		t.Fatalf("Enqueue(passing2) error = %v", err)
	}

	items, err := s.Peek(10)
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	for _, it := range items {
		if it.MessageType != "PASSING" {
			t.Fatalf("surviving item = %+v, want only PASSING rows", it)
		}
	}
}
