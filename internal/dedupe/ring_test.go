package dedupe

import "testing"

func TestRing_RecordAndSeenRecently(t *testing.T) {
	r := NewRing(3)
	if r.SeenRecently("a") {
		t.Fatalf("SeenRecently(a) = true before Record")
	}
	r.Record("a")
	if !r.SeenRecently("a") {
		t.Fatalf("SeenRecently(a) = false after Record")
	}
}

func TestRing_EvictsOldestOnOverflow(t *testing.T) {
	r := NewRing(2)
	r.Record("a")
	r.Record("b")
	r.Record("c") // evicts "a"

	if r.SeenRecently("a") {
		t.Fatalf("SeenRecently(a) = true, want evicted")
	}
	if !r.SeenRecently("b") || !r.SeenRecently("c") {
		t.Fatalf("expected b and c to still be present")
	}
}
