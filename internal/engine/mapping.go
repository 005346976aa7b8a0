package engine

import "p3timing/internal/contracts"

// ToPayload converts one engine Event into its wire-contract Kind and
// JSON-serializable payload. The caller wraps the result in a
// RaceEventEnvelopeV1 with the event's own event_id/track_id/ts_us.
func ToPayload(ev Event) (contracts.RaceEventKind, interface{}) {
	switch ev.Kind {
	case KindRaceStaged:
		return contracts.EventRaceStaged, raceStagedPayload(ev.RaceStaged)
	case KindGateDrop:
		return contracts.EventGateDrop, gateDropPayload(ev.GateDrop)
	case KindSplitTime:
		return contracts.EventSplitTime, splitTimePayload(ev.SplitTime)
	case KindPositionsUpdate:
		return contracts.EventPositionsUpdate, positionsUpdatePayload(ev.PositionsUpdate)
	case KindRiderFinished:
		return contracts.EventRiderFinished, riderFinishedPayload(ev.RiderFinished)
	case KindRaceFinished:
		return contracts.EventRaceFinished, raceFinishedPayload(ev.RaceFinished)
	case KindRaceReset:
		return contracts.EventRaceReset, raceResetPayload(ev.RaceReset)
	case KindStateSnapshot:
		return contracts.EventStateSnapshot, stateSnapshotPayload(ev.StateSnapshot)
	default:
		return "", nil
	}
}

func stagedRidersToV1(entries []MotoEntry) []contracts.StagedRiderV1 {
	out := make([]contracts.StagedRiderV1, len(entries))
	for i, e := range entries {
		out[i] = contracts.StagedRiderV1{
			RiderID:       e.RiderID,
			TransponderID: e.TransponderID,
			PlateNumber:   e.PlateNumber,
			FirstName:     e.FirstName,
			LastName:      e.LastName,
			Lane:          e.Lane,
		}
	}
	return out
}

func positionsToV1(positions []RiderPosition) []contracts.RiderPositionV1 {
	out := make([]contracts.RiderPositionV1, len(positions))
	for i, p := range positions {
		out[i] = contracts.RiderPositionV1{
			RiderID:      p.RiderID,
			Position:     p.Position,
			LastLoopName: p.LastLoopName,
			ElapsedUS:    p.ElapsedUS,
			GapUS:        p.GapUS,
			Finished:     p.Finished,
			DNF:          p.DNF,
		}
	}
	return out
}

func resultsToV1(results []FinishResult) []contracts.FinishResultV1 {
	out := make([]contracts.FinishResultV1, len(results))
	for i, r := range results {
		out[i] = contracts.FinishResultV1{
			RiderID:     r.RiderID,
			PlateNumber: r.PlateNumber,
			FirstName:   r.FirstName,
			LastName:    r.LastName,
			Position:    r.Position,
			ElapsedUS:   r.ElapsedUS,
			GapUS:       r.GapUS,
			DNF:         r.DNF,
			DNS:         r.DNS,
		}
	}
	return out
}

func raceStagedPayload(s *RaceStaged) contracts.RaceStagedPayloadV1 {
	return contracts.RaceStagedPayloadV1{
		MotoID:    s.MotoID,
		ClassName: s.ClassName,
		Riders:    stagedRidersToV1(s.Riders),
	}
}

func gateDropPayload(g *GateDrop) contracts.GateDropPayloadV1 {
	return contracts.GateDropPayloadV1{
		MotoID:       g.MotoID,
		GateDropTsUS: g.GateDropTsUS,
	}
}

func splitTimePayload(s *SplitTime) contracts.SplitTimePayloadV1 {
	return contracts.SplitTimePayloadV1{
		MotoID:    s.MotoID,
		RiderID:   s.RiderID,
		LoopName:  s.LoopName,
		ElapsedUS: s.ElapsedUS,
		GapUS:     s.GapUS,
		IsFinish:  s.IsFinish,
	}
}

func positionsUpdatePayload(p *PositionsUpdate) contracts.PositionsUpdatePayloadV1 {
	return contracts.PositionsUpdatePayloadV1{
		MotoID:    p.MotoID,
		Positions: positionsToV1(p.Positions),
	}
}

func riderFinishedPayload(r *RiderFinished) contracts.RiderFinishedPayloadV1 {
	return contracts.RiderFinishedPayloadV1{
		MotoID:    r.MotoID,
		RiderID:   r.RiderID,
		Position:  r.Position,
		ElapsedUS: r.ElapsedUS,
	}
}

func raceFinishedPayload(r *RaceFinished) contracts.RaceFinishedPayloadV1 {
	return contracts.RaceFinishedPayloadV1{
		MotoID:  r.MotoID,
		Results: resultsToV1(r.Results),
	}
}

func raceResetPayload(r *RaceReset) contracts.RaceResetPayloadV1 {
	return contracts.RaceResetPayloadV1{MotoID: r.MotoID}
}

func stateSnapshotPayload(s *StateSnapshot) contracts.StateSnapshotPayloadV1 {
	return contracts.StateSnapshotPayloadV1{
		Phase:         s.Phase.String(),
		MotoID:        s.MotoID,
		ClassName:     s.ClassName,
		Riders:        stagedRidersToV1(s.Riders),
		Positions:     positionsToV1(s.Positions),
		GateDropTsUS:  s.GateDropTsUS,
		FinishedCount: s.FinishedCount,
		TotalRiders:   s.TotalRiders,
	}
}

// ToTrackConfigV1 mirrors a control-plane track config onto its wire shape.
func ToTrackConfigV1(cfg TrackConfig) contracts.TrackConfigV1 {
	loops := make([]contracts.LoopConfigV1, len(cfg.Loops))
	for i, l := range cfg.Loops {
		loops[i] = contracts.LoopConfigV1{
			LoopID:    l.LoopID,
			Name:      l.Name,
			DecoderID: l.DecoderID,
			Position:  l.Position,
			IsStart:   l.IsStart,
			IsFinish:  l.IsFinish,
		}
	}
	return contracts.TrackConfigV1{
		TrackID:      cfg.TrackID,
		Name:         cfg.Name,
		GateBeaconID: cfg.GateBeaconID,
		Loops:        loops,
	}
}

// TrackConfigFromV1 is the inverse of ToTrackConfigV1, used when the control
// plane loads a persisted track config to install into an engine.
func TrackConfigFromV1(v contracts.TrackConfigV1) TrackConfig {
	loops := make([]LoopConfig, len(v.Loops))
	for i, l := range v.Loops {
		loops[i] = LoopConfig{
			LoopID:    l.LoopID,
			Name:      l.Name,
			DecoderID: l.DecoderID,
			Position:  l.Position,
			IsStart:   l.IsStart,
			IsFinish:  l.IsFinish,
		}
	}
	return TrackConfig{
		TrackID:      v.TrackID,
		Name:         v.Name,
		GateBeaconID: v.GateBeaconID,
		Loops:        loops,
	}
}

// EntriesFromV1 is the inverse of stagedRidersToV1, used when the control
// plane loads persisted moto entries to stage into an engine.
func EntriesFromV1(v []contracts.StagedRiderV1) []MotoEntry {
	out := make([]MotoEntry, len(v))
	for i, r := range v {
		out[i] = MotoEntry{
			RiderID:       r.RiderID,
			TransponderID: r.TransponderID,
			PlateNumber:   r.PlateNumber,
			FirstName:     r.FirstName,
			LastName:      r.LastName,
			Lane:          r.Lane,
		}
	}
	return out
}
