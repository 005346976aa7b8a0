package engine

import (
	"testing"

	"p3timing/internal/contracts"
)

func TestToPayload_SplitTime(t *testing.T) {
	gap := uint64(700_000)
	ev := Event{
		Kind: KindSplitTime,
		SplitTime: &SplitTime{
			MotoID:    "moto-1",
			RiderID:   "Alice",
			LoopName:  "Finish",
			ElapsedUS: 31_200_000,
			GapUS:     &gap,
			IsFinish:  true,
		},
	}

	kind, payload := ToPayload(ev)
	if kind != contracts.EventSplitTime {
		t.Fatalf("kind = %v, want EventSplitTime", kind)
	}
	p, ok := payload.(contracts.SplitTimePayloadV1)
	if !ok {
		t.Fatalf("payload type = %T, want SplitTimePayloadV1", payload)
	}
	if p.RiderID != "Alice" || p.ElapsedUS != 31_200_000 || p.GapUS == nil || *p.GapUS != 700_000 {
		t.Fatalf("payload = %+v, unexpected fields", p)
	}
}

func TestToPayload_UnknownKindReturnsNil(t *testing.T) {
	kind, payload := ToPayload(Event{Kind: EventKind("bogus")})
	if kind != "" || payload != nil {
		t.Fatalf("ToPayload(bogus) = (%v, %v), want zero values", kind, payload)
	}
}

func TestTrackConfigRoundTrip(t *testing.T) {
	cfg := TrackConfig{
		TrackID:      "track-1",
		Name:         "Test Track",
		GateBeaconID: 9992,
		Loops: []LoopConfig{
			{LoopID: "loop-start", Name: "Start", DecoderID: "D01", Position: 0, IsStart: true},
			{LoopID: "loop-finish", Name: "Finish", DecoderID: "D02", Position: 1, IsFinish: true},
		},
	}

	got := TrackConfigFromV1(ToTrackConfigV1(cfg))
	if got.TrackID != cfg.TrackID || got.GateBeaconID != cfg.GateBeaconID || len(got.Loops) != len(cfg.Loops) {
		t.Fatalf("round trip = %+v, want %+v", got, cfg)
	}
	for i := range cfg.Loops {
		if got.Loops[i] != cfg.Loops[i] {
			t.Fatalf("loop %d = %+v, want %+v", i, got.Loops[i], cfg.Loops[i])
		}
	}
}

func TestEntriesRoundTrip(t *testing.T) {
	entries := testEntries()
	got := EntriesFromV1(stagedRidersToV1(entries))
	if len(got) != len(entries) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
	}
}
