package contracts

import "fmt"

// Subject name builders. One ordering domain per track_id; concurrent tracks
// are unordered with respect to each other.
func RawIngestSubject(trackID string) string {
	return fmt.Sprintf("timing.ingest.raw.v1.%s", trackID)
}

func RaceEventsSubject(trackID string) string {
	return fmt.Sprintf("timing.race.events.v1.%s", trackID)
}

func RaceControlSubject(trackID string) string {
	return fmt.Sprintf("timing.race.control.v1.%s", trackID)
}

func SnapshotSubject(trackID, eventID string) string {
	return fmt.Sprintf("timing.race.snapshot.v1.%s.%s", trackID, eventID)
}

func DeadLetterSubject(source string) string {
	return fmt.Sprintf("timing.dlq.v1.%s", source)
}

const (
	RawIngestStreamName    = "timing_ingest_raw_v1"
	RawIngestSubjectFilter = "timing.ingest.raw.v1.*"

	RaceEventsStreamName    = "timing_race_events_v1"
	RaceEventsSubjectFilter = "timing.race.events.v1.*"

	RaceControlStreamName    = "timing_race_control_v1"
	RaceControlSubjectFilter = "timing.race.control.v1.*"

	SnapshotStreamName    = "timing_race_snapshot_v1"
	SnapshotSubjectFilter = "timing.race.snapshot.v1.*.*"

	DeadLetterStreamName    = "timing_dlq_v1"
	DeadLetterSubjectFilter = "timing.dlq.v1.*"
)

// RaceEventKind tags a DerivedEvent payload.
type RaceEventKind string

const (
	EventRaceStaged      RaceEventKind = "RaceStaged"
	EventGateDrop        RaceEventKind = "GateDrop"
	EventSplitTime       RaceEventKind = "SplitTime"
	EventPositionsUpdate RaceEventKind = "PositionsUpdate"
	EventRiderFinished   RaceEventKind = "RiderFinished"
	EventRaceFinished    RaceEventKind = "RaceFinished"
	EventRaceReset       RaceEventKind = "RaceReset"
	EventStateSnapshot   RaceEventKind = "StateSnapshot"
)

// RaceEventEnvelopeV1 wraps one derived event for publication to the race
// events subject. Payload is one of the RaceEventKind-tagged payload structs
// below, carried as raw JSON so the envelope itself stays kind-agnostic.
type RaceEventEnvelopeV1 struct {
	ContractVersion string        `json:"contract_version"`
	EventID         string        `json:"event_id"`
	TrackID         string        `json:"track_id"`
	SourceEventID   string        `json:"source_event_id,omitempty"`
	Kind            RaceEventKind `json:"kind"`
	TsUS            uint64        `json:"ts_us"`
	Payload         interface{}   `json:"payload"`
}

type RaceControlIntentKind string

const (
	ControlStage       RaceControlIntentKind = "Stage"
	ControlReset       RaceControlIntentKind = "Reset"
	ControlForceFinish RaceControlIntentKind = "ForceFinish"
)

// RaceControlIntentV1 is a persisted control-plane command headed for a
// track actor. Only the fields relevant to Kind are populated: Stage carries
// the full track/moto/rider set an actor needs to start a race from a cold
// process; Reset and ForceFinish need nothing beyond TrackID.
type RaceControlIntentV1 struct {
	Kind        RaceControlIntentKind `json:"kind"`
	TrackID     string                `json:"track_id"`
	MotoID      string                `json:"moto_id,omitempty"`
	ClassName   string                `json:"class_name,omitempty"`
	TrackConfig *TrackConfigV1        `json:"track_config,omitempty"`
	Riders      []StagedRiderV1       `json:"riders,omitempty"`
}

type RaceControlIntentEnvelopeV1 struct {
	ContractVersion string              `json:"contract_version"`
	EventID         string              `json:"event_id"`
	TrackID         string              `json:"track_id"`
	TsUS            uint64              `json:"ts_us"`
	Intent          RaceControlIntentV1 `json:"intent"`
}

// StagedRiderV1 / RiderPositionV1 / FinishResultV1 / LoopConfigV1 /
// TrackConfigV1 are the wire shapes for race-state payloads. They mirror the
// engine's internal domain types field-for-field but exist independently so
// a wire-format change never forces an engine rewrite.
type LoopConfigV1 struct {
	LoopID    string `json:"loop_id"`
	Name      string `json:"name"`
	DecoderID string `json:"decoder_id"`
	Position  int    `json:"position"`
	IsStart   bool   `json:"is_start"`
	IsFinish  bool   `json:"is_finish"`
}

type TrackConfigV1 struct {
	TrackID       string         `json:"track_id"`
	Name          string         `json:"name"`
	GateBeaconID  uint32         `json:"gate_beacon_id"`
	Loops         []LoopConfigV1 `json:"loops"`
}

type StagedRiderV1 struct {
	RiderID       string `json:"rider_id"`
	TransponderID uint32 `json:"transponder_id"`
	PlateNumber   string `json:"plate_number"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Lane          int    `json:"lane"`
}

type RiderPositionV1 struct {
	RiderID      string  `json:"rider_id"`
	Position     int     `json:"position"`
	LastLoopName string  `json:"last_loop_name,omitempty"`
	ElapsedUS    *uint64 `json:"elapsed_us,omitempty"`
	GapUS        *uint64 `json:"gap_to_leader_us,omitempty"`
	Finished     bool    `json:"finished"`
	DNF          bool    `json:"dnf"`
}

type FinishResultV1 struct {
	RiderID     string  `json:"rider_id"`
	PlateNumber string  `json:"plate_number"`
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	Position    int     `json:"position"`
	ElapsedUS   *uint64 `json:"elapsed_us,omitempty"`
	GapUS       *uint64 `json:"gap_to_leader_us,omitempty"`
	DNF         bool    `json:"dnf"`
	DNS         bool    `json:"dns"`
}

type RaceStagedPayloadV1 struct {
	MotoID    string          `json:"moto_id"`
	ClassName string          `json:"class_name"`
	Riders    []StagedRiderV1 `json:"riders"`
}

type GateDropPayloadV1 struct {
	MotoID       string `json:"moto_id"`
	GateDropTsUS uint64 `json:"gate_drop_time_us"`
}

type SplitTimePayloadV1 struct {
	MotoID    string  `json:"moto_id"`
	RiderID   string  `json:"rider_id"`
	LoopName  string  `json:"loop_name"`
	ElapsedUS uint64  `json:"elapsed_us"`
	GapUS     *uint64 `json:"gap_to_leader_us,omitempty"`
	IsFinish  bool    `json:"is_finish"`
}

type PositionsUpdatePayloadV1 struct {
	MotoID    string            `json:"moto_id"`
	Positions []RiderPositionV1 `json:"positions"`
}

type RiderFinishedPayloadV1 struct {
	MotoID    string `json:"moto_id"`
	RiderID   string `json:"rider_id"`
	Position  int    `json:"position"`
	ElapsedUS uint64 `json:"elapsed_us"`
}

type RaceFinishedPayloadV1 struct {
	MotoID  string           `json:"moto_id"`
	Results []FinishResultV1 `json:"results"`
}

type RaceResetPayloadV1 struct {
	MotoID string `json:"moto_id,omitempty"`
}

type StateSnapshotPayloadV1 struct {
	Phase         string            `json:"phase"`
	MotoID        string            `json:"moto_id,omitempty"`
	ClassName     string            `json:"class_name,omitempty"`
	Riders        []StagedRiderV1   `json:"riders"`
	Positions     []RiderPositionV1 `json:"positions"`
	GateDropTsUS  *uint64           `json:"gate_drop_time_us,omitempty"`
	FinishedCount int               `json:"finished_count"`
	TotalRiders   int               `json:"total_riders"`
}
