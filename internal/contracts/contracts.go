// Package contracts defines the wire-level envelopes, broker subject names,
// and idempotency-key format shared by the track gateway, the ingest
// boundary, the raw-to-derived processor, and subscribers. These are DTOs:
// the engine and actor packages never import this package's types directly
// into their own state, only map to and from them at the process boundary.
package contracts

import (
	"encoding/json"
	"fmt"
)

// TrackIngestContractVersion is the single contract version this build
// speaks, for both the dev and production ingest paths.
const TrackIngestContractVersion = "track_ingest.v1"

const (
	RawIngestEnvelopeContractVersion   = "raw_ingest_envelope.v1"
	RaceEventEnvelopeContractVersion   = "race_event_envelope.v1"
	RaceControlEnvelopeContractVersion = "race_control_intent_envelope.v1"
)

// EventIDContext identifies the origin of one ingest event for idempotency
// and ordering purposes.
type EventIDContext struct {
	ClientID string `json:"client_id"`
	BootID   string `json:"boot_id"`
	Seq      uint64 `json:"seq"`
}

// BuildIdempotencyKey is the unique name of one ingest event: it is what the
// broker's message-id header, the actor's in-memory dedup ring, and the
// projection_dedupe table all key on.
func BuildIdempotencyKey(trackID string, ctx EventIDContext) string {
	return fmt.Sprintf("%s:%s:%s:%d", trackID, ctx.ClientID, ctx.BootID, ctx.Seq)
}

// TrackIngestEvent is one decoded message as submitted by a track gateway.
type TrackIngestEvent struct {
	EventID        string          `json:"event_id"`
	TrackID        string          `json:"track_id"`
	EventIDContext EventIDContext  `json:"event_id_context"`
	MessageType    string          `json:"message_type"`
	CapturedAtUS   uint64          `json:"captured_at_us"`
	Payload        json.RawMessage `json:"payload"`
}

// TrackIngestBatchRequest is the body of POST /api/ingest/batch.
type TrackIngestBatchRequest struct {
	ContractVersion string             `json:"contract_version"`
	SessionID       string             `json:"session_id,omitempty"`
	TrackID         string             `json:"track_id"`
	ClientID        string             `json:"client_id"`
	Events          []TrackIngestEvent `json:"events"`
}

// ItemStatus is the per-item outcome of an ingest batch item.
type ItemStatus string

const (
	ItemStatusOK           ItemStatus = "ok"
	ItemStatusBadContract  ItemStatus = "bad_contract"
	ItemStatusUnauthorized ItemStatus = "unauthorized"
	ItemStatusMalformed    ItemStatus = "malformed"
	ItemStatusTooLarge     ItemStatus = "too_large"
)

// ItemResult reports what happened to one submitted event.
type ItemResult struct {
	EventID string     `json:"event_id"`
	Status  ItemStatus `json:"status"`
}

// TrackIngestBatchResponse is the response to POST /api/ingest/batch. HTTP
// 200 is returned when every item landed (status == ok); otherwise the
// status is 207 Multi-Status, also a 2xx code, and Results says which items
// did not land.
type TrackIngestBatchResponse struct {
	Results    []ItemResult `json:"results"`
	Accepted   int          `json:"accepted"`
	Duplicates int          `json:"duplicates"`
}

// RawIngestEnvelopeV1 is what actually gets published to the raw ingest
// subject: the ingest event plus server-stamped receipt time.
type RawIngestEnvelopeV1 struct {
	ContractVersion string          `json:"contract_version"`
	EventID         string          `json:"event_id"`
	TrackID         string          `json:"track_id"`
	EventIDContext  EventIDContext  `json:"event_id_context"`
	MessageType     string          `json:"message_type"`
	CapturedAtUS    uint64          `json:"captured_at_us"`
	IngestedAtUS    uint64          `json:"ingested_at_us"`
	Payload         json.RawMessage `json:"payload"`
}
