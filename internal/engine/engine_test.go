package engine

import "testing"

func testTrack() TrackConfig {
	return TrackConfig{
		TrackID:      "track-1",
		Name:         "Test BMX Track",
		GateBeaconID: 9992,
		Loops: []LoopConfig{
			{LoopID: "loop-finish", Name: "Finish", DecoderID: "D0000C03", Position: 0, IsFinish: true},
		},
	}
}

func testEntries() []MotoEntry {
	names := []string{"Alice", "Bob", "Charlie", "Dana", "Eve", "Frank"}
	entries := make([]MotoEntry, 6)
	for i := 0; i < 6; i++ {
		tx := uint32(101 + i)
		entries[i] = MotoEntry{
			RiderID:       names[i],
			TransponderID: tx,
			PlateNumber:   names[i][:1],
			FirstName:     names[i],
			LastName:      "Rider",
			Lane:          i + 1,
		}
	}
	return entries
}

func newStagedEngine(t *testing.T) *RaceEngine {
	t.Helper()
	e := NewRaceEngine()
	e.SetTrack(testTrack())
	events := e.StageMoto("moto-1", "Novice", testEntries())
	if len(events) != 1 || events[0].Kind != KindRaceStaged {
		t.Fatalf("StageMoto() events = %+v, want one RaceStaged", events)
	}
	if e.Phase() != PhaseStaged {
		t.Fatalf("Phase() = %v, want staged", e.Phase())
	}
	return e
}

// TestFullRace_SixRiders is scenario S3.
func TestFullRace_SixRiders(t *testing.T) {
	e := newStagedEngine(t)

	gateEvents := e.ProcessPassing(9992, "", 1_000_000_000)
	if len(gateEvents) != 1 || gateEvents[0].Kind != KindGateDrop {
		t.Fatalf("gate drop events = %+v, want one GateDrop", gateEvents)
	}
	if gateEvents[0].GateDrop.GateDropTsUS != 1_000_000_000 {
		t.Fatalf("GateDropTsUS = %d, want 1_000_000_000", gateEvents[0].GateDrop.GateDropTsUS)
	}
	if e.Phase() != PhaseRacing {
		t.Fatalf("Phase() = %v, want racing", e.Phase())
	}

	// A second gate hit must be ignored.
	if events := e.ProcessPassing(9992, "", 1_000_000_500); len(events) != 0 {
		t.Fatalf("second gate hit produced events: %+v", events)
	}

	finishes := []struct {
		tx  uint32
		rtc uint64
	}{
		{103, 1_030_500_000},
		{101, 1_031_200_000},
		{105, 1_031_700_000},
		{102, 1_032_050_000},
		{104, 1_033_000_000},
		{106, 1_033_800_000},
	}
	wantElapsed := map[uint32]uint64{
		103: 30_500_000, 101: 31_200_000, 105: 31_700_000,
		102: 32_050_000, 104: 33_000_000, 106: 33_800_000,
	}
	wantFinishPosition := map[uint32]int{103: 1, 101: 2, 105: 3, 102: 4, 104: 5, 106: 6}

	var raceFinishedCount int
	for i, f := range finishes {
		events := e.ProcessPassing(f.tx, "D0000C03", f.rtc)
		var sawSplit, sawFinished bool
		for _, ev := range events {
			switch ev.Kind {
			case KindSplitTime:
				sawSplit = true
				if ev.SplitTime.ElapsedUS != wantElapsed[f.tx] {
					t.Fatalf("tx %d elapsed = %d, want %d", f.tx, ev.SplitTime.ElapsedUS, wantElapsed[f.tx])
				}
				if !ev.SplitTime.IsFinish {
					t.Fatalf("tx %d SplitTime.IsFinish = false, want true", f.tx)
				}
				if f.tx == 101 {
					if ev.SplitTime.GapUS == nil || *ev.SplitTime.GapUS != 700_000 {
						t.Fatalf("tx 101 gap = %v, want 700000", ev.SplitTime.GapUS)
					}
				}
			case KindRiderFinished:
				sawFinished = true
				if ev.RiderFinished.Position != wantFinishPosition[f.tx] {
					t.Fatalf("tx %d finish position = %d, want %d", f.tx, ev.RiderFinished.Position, wantFinishPosition[f.tx])
				}
			case KindRaceFinished:
				raceFinishedCount++
				if i != len(finishes)-1 {
					t.Fatalf("RaceFinished emitted early, at finish %d", i)
				}
			}
		}
		if !sawSplit || !sawFinished {
			t.Fatalf("finish %d: missing SplitTime/RiderFinished, got %+v", i, events)
		}
	}

	if raceFinishedCount != 1 {
		t.Fatalf("RaceFinished emitted %d times, want exactly 1", raceFinishedCount)
	}
	if e.Phase() != PhaseFinished {
		t.Fatalf("Phase() = %v, want finished", e.Phase())
	}
}

// TestForceFinish is scenario S5.
func TestForceFinish(t *testing.T) {
	e := newStagedEngine(t)
	e.ProcessPassing(9992, "", 1_000_000_000)

	e.ProcessPassing(103, "D0000C03", 1_030_500_000)
	e.ProcessPassing(101, "D0000C03", 1_031_200_000)
	e.ProcessPassing(105, "D0000C03", 1_031_700_000)

	events := e.ForceFinish()
	if len(events) != 1 || events[0].Kind != KindRaceFinished {
		t.Fatalf("ForceFinish() events = %+v, want one RaceFinished", events)
	}
	results := events[0].RaceFinished.Results
	if len(results) != 6 {
		t.Fatalf("len(results) = %d, want 6", len(results))
	}

	byRider := make(map[string]FinishResult, len(results))
	for _, r := range results {
		byRider[r.RiderID] = r
	}

	wantPosition := map[string]int{"Charlie": 1, "Alice": 2, "Eve": 3}
	for rider, pos := range wantPosition {
		got := byRider[rider]
		if got.DNF {
			t.Fatalf("%s marked DNF, want finished", rider)
		}
		if got.Position != pos {
			t.Fatalf("%s position = %d, want %d", rider, got.Position, pos)
		}
	}
	for _, rider := range []string{"Bob", "Dana", "Frank"} {
		got := byRider[rider]
		if !got.DNF {
			t.Fatalf("%s DNF = false, want true", rider)
		}
	}
	if e.Phase() != PhaseFinished {
		t.Fatalf("Phase() = %v, want finished", e.Phase())
	}
}

// TestUnknownTransponder is scenario S6.
func TestUnknownTransponder(t *testing.T) {
	e := newStagedEngine(t)
	e.ProcessPassing(9992, "", 1_000_000_000)

	events := e.ProcessPassing(999, "D0000C03", 1_030_000_000)
	if len(events) != 0 {
		t.Fatalf("unknown transponder produced events: %+v, want none", events)
	}
}

func TestReset_ReturnsToIdle(t *testing.T) {
	e := newStagedEngine(t)
	e.ProcessPassing(9992, "", 1_000_000_000)

	events := e.Reset()
	if len(events) != 1 || events[0].Kind != KindRaceReset {
		t.Fatalf("Reset() events = %+v, want one RaceReset", events)
	}
	if e.Phase() != PhaseIdle {
		t.Fatalf("Phase() = %v, want idle", e.Phase())
	}
}

func TestStage_RefusedWhileRacing(t *testing.T) {
	e := newStagedEngine(t)
	e.ProcessPassing(9992, "", 1_000_000_000)

	events := e.StageMoto("moto-2", "Novice", testEntries())
	if events != nil {
		t.Fatalf("StageMoto() while racing = %+v, want refusal (nil)", events)
	}
	if e.Phase() != PhaseRacing {
		t.Fatalf("Phase() = %v, want unchanged racing", e.Phase())
	}
}

// TestPositionsArePermutation is the universal property that at every
// instant during racing, non-DNF rider positions form 1..k.
func TestPositionsArePermutation(t *testing.T) {
	e := newStagedEngine(t)
	e.ProcessPassing(9992, "", 1_000_000_000)

	rtc := uint64(1_030_000_000)
	for _, tx := range []uint32{103, 101, 105} {
		events := e.ProcessPassing(tx, "D0000C03", rtc)
		rtc += 500_000
		for _, ev := range events {
			if ev.Kind != KindPositionsUpdate {
				continue
			}
			seen := make(map[int]bool)
			for _, p := range ev.PositionsUpdate.Positions {
				if seen[p.Position] {
					t.Fatalf("duplicate position %d in %+v", p.Position, ev.PositionsUpdate.Positions)
				}
				seen[p.Position] = true
			}
			for i := 1; i <= len(ev.PositionsUpdate.Positions); i++ {
				if !seen[i] {
					t.Fatalf("positions %+v are not a permutation of 1..%d", ev.PositionsUpdate.Positions, len(ev.PositionsUpdate.Positions))
				}
			}
		}
	}
}
