package engine

import "sort"

// RaceEngine is the single-writer race state machine for one track. It is
// not safe for concurrent use — the actor package guarantees exactly one
// goroutine drives one RaceEngine at a time.
type RaceEngine struct {
	track         *TrackConfig
	decoderToLoop map[string]LoopConfig

	phase     Phase
	motoID    string
	className string

	gateDropTsUS     uint64
	gateDropObserved bool

	riders             map[uint32]*riderState // by transponder id
	riderOrder         []uint32                // stable iteration/lane order
	nextFinishPosition int

	lastDiscard DiscardReason
}

// NewRaceEngine returns an engine with no track configured and phase idle.
func NewRaceEngine() *RaceEngine {
	return &RaceEngine{phase: PhaseIdle}
}

// SetTrack installs (or replaces) the track configuration this engine
// interprets passings against. Loop routing is rebuilt from it.
func (e *RaceEngine) SetTrack(cfg TrackConfig) {
	e.track = &cfg
	e.decoderToLoop = make(map[string]LoopConfig, len(cfg.Loops))
	for _, l := range cfg.Loops {
		e.decoderToLoop[l.DecoderID] = l
	}
}

func (e *RaceEngine) Phase() Phase { return e.phase }

// StageMoto seeds riders from a moto's entries and transitions idle/finished
// -> staged. Staging from any other phase is refused (no-op, no event).
func (e *RaceEngine) StageMoto(motoID, className string, entries []MotoEntry) []Event {
	if e.phase != PhaseIdle && e.phase != PhaseFinished {
		return nil
	}
	if e.track == nil || motoID == "" || len(entries) == 0 {
		return nil
	}

	e.riders = make(map[uint32]*riderState, len(entries))
	e.riderOrder = e.riderOrder[:0]
	for _, entry := range entries {
		e.riders[entry.TransponderID] = &riderState{
			entry:          entry,
			splitElapsedUS: make(map[string]uint64),
		}
		e.riderOrder = append(e.riderOrder, entry.TransponderID)
	}

	e.motoID = motoID
	e.className = className
	e.gateDropTsUS = 0
	e.gateDropObserved = false
	e.nextFinishPosition = 1
	e.phase = PhaseStaged

	return []Event{{
		Kind: KindRaceStaged,
		RaceStaged: &RaceStaged{
			MotoID:    motoID,
			ClassName: className,
			Riders:    entries,
		},
	}}
}

// ProcessPassing applies one decoded passing to the race. See spec rules 1-8
// for the classification and audit semantics; passings discarded from race
// logic (gate hits after the first, unmapped decoders, unknown transponders,
// stale duplicates) produce no event. Callers that need an audit trail
// should check LastDiscardReason immediately after a call returning no
// events.
func (e *RaceEngine) ProcessPassing(transponderID uint32, decoderID string, rtcTimeUS uint64) []Event {
	e.lastDiscard = DiscardNone
	switch e.phase {
	case PhaseStaged:
		return e.processPassingStaged(transponderID, rtcTimeUS)
	case PhaseRacing:
		return e.processPassingRacing(transponderID, decoderID, rtcTimeUS)
	default:
		e.lastDiscard = DiscardWrongPhase
		return nil
	}
}

// LastDiscardReason reports why the most recent ProcessPassing call
// discarded its input, or DiscardNone if it produced events.
func (e *RaceEngine) LastDiscardReason() DiscardReason {
	return e.lastDiscard
}

func (e *RaceEngine) processPassingStaged(transponderID uint32, rtcTimeUS uint64) []Event {
	if e.track == nil || transponderID != e.track.GateBeaconID {
		e.lastDiscard = DiscardNotGateBeacon
		return nil
	}
	// Rule 1: only the first gate hit after Stage triggers GateDrop.
	e.phase = PhaseRacing
	e.gateDropTsUS = rtcTimeUS
	e.gateDropObserved = true

	return []Event{{
		Kind: KindGateDrop,
		GateDrop: &GateDrop{
			MotoID:       e.motoID,
			GateDropTsUS: rtcTimeUS,
		},
	}}
}

func (e *RaceEngine) processPassingRacing(transponderID uint32, decoderID string, rtcTimeUS uint64) []Event {
	if e.track != nil && transponderID == e.track.GateBeaconID {
		// Rule 1: later gate hits in the same race are ignored.
		e.lastDiscard = DiscardGateAlreadyDropped
		return nil
	}

	// Rule 2: loop routing.
	loop, mapped := e.decoderToLoop[decoderID]
	if !mapped {
		e.lastDiscard = DiscardUnmappedDecoder
		return nil
	}

	// Rule 3: rider mapping.
	rider, known := e.riders[transponderID]
	if !known {
		e.lastDiscard = DiscardUnknownTransponder
		return nil
	}
	if rider.dnf || rider.finished {
		// Invariant 6: once a rider crosses the finish loop their elapsed
		// time is frozen; nothing after that changes their record.
		e.lastDiscard = DiscardRiderSettled
		return nil
	}

	// Rule 7: duplicate at an already-recorded loop, earliest wins.
	if _, already := rider.splitElapsedUS[loop.LoopID]; already {
		e.lastDiscard = DiscardDuplicateLoop
		return nil
	}

	// Rule 8: once a rider has a split, a passing at a non-finish loop whose
	// position index is lower than that of the rider's most recent loop is
	// discarded as out of order. Only position indexes are compared here;
	// rtc values are not.
	if rider.hasSplit && loop.Position < rider.lastLoopPosition && !loop.IsFinish {
		e.lastDiscard = DiscardStaleOutOfOrder
		return nil
	}

	// Rule 4: split time.
	elapsedUS := saturatingSub(rtcTimeUS, e.gateDropTsUS)

	rider.splitElapsedUS[loop.LoopID] = elapsedUS
	rider.loopsCrossed++
	rider.lastLoopPosition = loop.Position
	rider.lastLoopID = loop.LoopID
	rider.lastLoopName = loop.Name
	rider.lastElapsedUS = elapsedUS
	rider.hasSplit = true

	var events []Event

	isFinish := loop.IsFinish
	if isFinish {
		rider.finished = true
		rider.finishElapsedUS = elapsedUS
		rider.finishPosition = e.nextFinishPosition
		e.nextFinishPosition++
	}

	gap := e.gapToLeaderAtLoop(loop.LoopID, elapsedUS)
	events = append(events, Event{
		Kind: KindSplitTime,
		SplitTime: &SplitTime{
			MotoID:    e.motoID,
			RiderID:   rider.entry.RiderID,
			LoopName:  loop.Name,
			ElapsedUS: elapsedUS,
			GapUS:     gap,
			IsFinish:  isFinish,
		},
	})

	if isFinish {
		events = append(events, Event{
			Kind: KindRiderFinished,
			RiderFinished: &RiderFinished{
				MotoID:    e.motoID,
				RiderID:   rider.entry.RiderID,
				Position:  rider.finishPosition,
				ElapsedUS: elapsedUS,
			},
		})
	}

	events = append(events, Event{
		Kind: KindPositionsUpdate,
		PositionsUpdate: &PositionsUpdate{
			MotoID:    e.motoID,
			Positions: e.calculatePositions(),
		},
	})

	if e.allSettled() {
		e.phase = PhaseFinished
		events = append(events, Event{
			Kind: KindRaceFinished,
			RaceFinished: &RaceFinished{
				MotoID:  e.motoID,
				Results: e.buildResults(),
			},
		})
	}

	return events
}

// ForceFinish marks every rider who has not crossed the finish loop as DNF
// and transitions to finished. Valid only from racing.
func (e *RaceEngine) ForceFinish() []Event {
	if e.phase != PhaseRacing {
		return nil
	}
	for _, txID := range e.riderOrder {
		r := e.riders[txID]
		if !r.finished {
			r.dnf = true
		}
	}
	e.phase = PhaseFinished
	return []Event{{
		Kind: KindRaceFinished,
		RaceFinished: &RaceFinished{
			MotoID:  e.motoID,
			Results: e.buildResults(),
		},
	}}
}

// Reset discards in-flight race state and returns to idle. Persisted
// history is untouched; only the actor's in-memory RaceEngine is cleared.
func (e *RaceEngine) Reset() []Event {
	motoID := e.motoID
	e.riders = nil
	e.riderOrder = nil
	e.motoID = ""
	e.className = ""
	e.gateDropTsUS = 0
	e.gateDropObserved = false
	e.nextFinishPosition = 1
	e.phase = PhaseIdle
	return []Event{{Kind: KindRaceReset, RaceReset: &RaceReset{MotoID: motoID}}}
}

// Snapshot describes the full visible state, for the single-subject
// snapshot slot and for subscriber bootstrap.
func (e *RaceEngine) Snapshot() StateSnapshot {
	snap := StateSnapshot{
		Phase:       e.phase,
		MotoID:      e.motoID,
		ClassName:   e.className,
		TotalRiders: len(e.riders),
	}
	if e.gateDropObserved {
		ts := e.gateDropTsUS
		snap.GateDropTsUS = &ts
	}
	for _, txID := range e.riderOrder {
		r := e.riders[txID]
		snap.Riders = append(snap.Riders, r.entry)
		if r.finished {
			snap.FinishedCount++
		}
	}
	if e.riders != nil {
		snap.Positions = e.calculatePositions()
	}
	return snap
}

func (e *RaceEngine) allSettled() bool {
	if len(e.riders) == 0 {
		return false
	}
	for _, txID := range e.riderOrder {
		r := e.riders[txID]
		if !r.finished && !r.dnf {
			return false
		}
	}
	return true
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// gapToLeaderAtLoop implements Rule 6: gap is the difference between this
// rider's elapsed time and the fastest recorded elapsed time at the same
// loop, or nil if this rider is the one currently fastest there (i.e. no
// other rider has reached that loop yet, or this rider is the leader).
func (e *RaceEngine) gapToLeaderAtLoop(loopID string, elapsedUS uint64) *uint64 {
	leader := elapsedUS
	for _, txID := range e.riderOrder {
		r := e.riders[txID]
		if v, ok := r.splitElapsedUS[loopID]; ok && v < leader {
			leader = v
		}
	}
	if leader == elapsedUS {
		return nil
	}
	gap := elapsedUS - leader
	return &gap
}

// calculatePositions implements Rule 5: positions are a permutation of
// 1..k among non-DNF riders. Ascending sort key: finished (true first),
// progress (loops crossed, higher first; ties broken by the position index
// of the most recent loop), elapsed_us ascending, lane ascending.
func (e *RaceEngine) calculatePositions() []RiderPosition {
	active := make([]*riderState, 0, len(e.riders))
	for _, txID := range e.riderOrder {
		r := e.riders[txID]
		if !r.dnf {
			active = append(active, r)
		}
	}

	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.finished != b.finished {
			return a.finished // finished sorts first.
		}
		if a.loopsCrossed != b.loopsCrossed {
			return a.loopsCrossed > b.loopsCrossed
		}
		if a.lastLoopPosition != b.lastLoopPosition {
			return a.lastLoopPosition > b.lastLoopPosition
		}
		ae, be := currentElapsed(a), currentElapsed(b)
		if ae != be {
			return ae < be
		}
		return a.entry.Lane < b.entry.Lane
	})

	positions := make([]RiderPosition, 0, len(active))
	for i, r := range active {
		pos := RiderPosition{
			RiderID:      r.entry.RiderID,
			Position:     i + 1,
			LastLoopName: r.lastLoopName,
			Finished:     r.finished,
		}
		if r.hasSplit {
			elapsed := currentElapsed(r)
			pos.ElapsedUS = &elapsed
			pos.GapUS = e.gapToLeaderAtLoop(r.lastLoopID, elapsed)
		}
		positions = append(positions, pos)
	}
	return positions
}

func currentElapsed(r *riderState) uint64 {
	if r.finished {
		return r.finishElapsedUS
	}
	return r.lastElapsedUS
}

// buildResults implements the final results ordering: finished riders first
// (by finish position), then every other rider as DNF (by lane). DNS is not
// modeled: MotoEntry carries no DNS flag, so every result's DNS is false.
func (e *RaceEngine) buildResults() []FinishResult {
	finished := make([]*riderState, 0, len(e.riders))
	dnf := make([]*riderState, 0, len(e.riders))
	for _, txID := range e.riderOrder {
		r := e.riders[txID]
		if r.finished {
			finished = append(finished, r)
		} else {
			dnf = append(dnf, r)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].finishPosition < finished[j].finishPosition
	})
	sort.Slice(dnf, func(i, j int) bool {
		return dnf[i].entry.Lane < dnf[j].entry.Lane
	})

	var leader *uint64
	if len(finished) > 0 {
		v := finished[0].finishElapsedUS
		leader = &v
	}

	results := make([]FinishResult, 0, len(e.riders))
	for _, r := range finished {
		res := FinishResult{
			RiderID:     r.entry.RiderID,
			PlateNumber: r.entry.PlateNumber,
			FirstName:   r.entry.FirstName,
			LastName:    r.entry.LastName,
			Position:    r.finishPosition,
		}
		elapsed := r.finishElapsedUS
		res.ElapsedUS = &elapsed
		if leader != nil && r.finishPosition != 1 {
			gap := saturatingSub(r.finishElapsedUS, *leader)
			res.GapUS = &gap
		}
		results = append(results, res)
	}
	for _, r := range dnf {
		results = append(results, FinishResult{
			RiderID:     r.entry.RiderID,
			PlateNumber: r.entry.PlateNumber,
			FirstName:   r.entry.FirstName,
			LastName:    r.entry.LastName,
			DNF:         true,
			DNS:         r.dns,
		})
	}
	return results
}
