// Package actor implements the per-track single-writer race actor: one
// goroutine and one RaceEngine per track_id, fed raw ingest and race-control
// envelopes over a bounded channel so no two goroutines ever touch the same
// engine at once.
package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"p3timing/internal/audit"
	"p3timing/internal/broker"
	"p3timing/internal/codec"
	"p3timing/internal/contracts"
	"p3timing/internal/dedupe"
	"p3timing/internal/engine"
	"p3timing/internal/telemetry"
)

const inboxCapacity = 256

// AuditRecorder is the subset of *audit.Writer the actor needs: one record
// per discarded passing or malformed raw payload. A nil AuditRecorder is
// valid and simply skips auditing, so tests and local dev can run without a
// ClickHouse instance.
type AuditRecorder interface {
	Record(ctx context.Context, r audit.Record) error
}

// Input is one unit of work dispatched to a track actor. Exactly one of Raw
// or Control is set. Result carries the outcome back to the dispatch loop so
// it knows whether to ack the originating broker message.
type Input struct {
	Raw     *contracts.RawIngestEnvelopeV1
	Control *contracts.RaceControlIntentEnvelopeV1
	Result  chan error
}

// Registry owns one actor goroutine per track_id, spawned lazily on first
// message and never torn down for the process lifetime.
type Registry struct {
	mu     sync.Mutex
	actors map[string]chan Input
	broker *broker.Broker
	dedupe *dedupe.Ring
	audit  AuditRecorder
}

func NewRegistry(b *broker.Broker, auditWriter AuditRecorder) *Registry {
	return &Registry{
		actors: make(map[string]chan Input),
		broker: b,
		dedupe: dedupe.NewRing(4096),
		audit:  auditWriter,
	}
}

// Dispatch hands one raw ingest envelope to the track's actor, spawning it if
// this is the first message seen for that track. It blocks until the actor
// has processed the message (or the context is done), matching the
// ack-only-on-success semantics the caller (the broker consume loop) needs.
func (r *Registry) Dispatch(ctx context.Context, raw *contracts.RawIngestEnvelopeV1) error {
	return r.send(ctx, raw.TrackID, Input{Raw: raw, Result: make(chan error, 1)})
}

// DispatchControl is Dispatch for race-control intents.
func (r *Registry) DispatchControl(ctx context.Context, control *contracts.RaceControlIntentEnvelopeV1) error {
	return r.send(ctx, control.TrackID, Input{Control: control, Result: make(chan error, 1)})
}

func (r *Registry) send(ctx context.Context, trackID string, in Input) error {
	inbox := r.actorFor(trackID)
	select {
	case inbox <- in:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-in.Result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) actorFor(trackID string) chan Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inbox, ok := r.actors[trackID]; ok {
		return inbox
	}
	inbox := make(chan Input, inboxCapacity)
	r.actors[trackID] = inbox
	go r.run(trackID, inbox)
	return inbox
}

func (r *Registry) run(trackID string, inbox chan Input) {
	e := engine.NewRaceEngine()
	for in := range inbox {
		var err error
		switch {
		case in.Raw != nil:
			err = r.processRaw(trackID, e, in.Raw)
		case in.Control != nil:
			err = r.processControl(trackID, e, in.Control)
		}
		in.Result <- err
	}
}

func (r *Registry) processRaw(trackID string, e *engine.RaceEngine, raw *contracts.RawIngestEnvelopeV1) error {
	key := contracts.BuildIdempotencyKey(trackID, raw.EventIDContext)
	if r.dedupe.SeenRecently(key) {
		log.Printf("actor: duplicate event %s discarded (in-memory dedupe)", key)
		return nil
	}
	r.dedupe.Record(key)

	var msg codec.Message
	if err := json.Unmarshal(raw.Payload, &msg); err != nil {
		r.recordAudit(trackID, raw.EventID, string(audit.CategoryMalformedPayload), err.Error(), "", 0)
		return fmt.Errorf("decode raw payload for %s: %w", raw.EventID, err)
	}

	index := 0
	if msg.Type == codec.MessageTypePassing && msg.Passing != nil {
		decoderID := ""
		if msg.Passing.DecoderID != nil {
			decoderID = *msg.Passing.DecoderID
		}
		_, span := telemetry.StartEngineTransition(context.Background(), trackID, "process_passing")
		events := e.ProcessPassing(msg.Passing.TransponderID, decoderID, msg.Passing.RTCTimeUS)
		telemetry.End(span, nil)
		if len(events) == 0 {
			if reason := e.LastDiscardReason(); reason != engine.DiscardNone {
				r.recordAudit(trackID, raw.EventID, string(reason), "", decoderID, msg.Passing.TransponderID)
			}
		}
		for _, ev := range events {
			if err := r.publishEvent(trackID, raw.EventID, raw.CapturedAtUS, ev, index); err != nil {
				return err
			}
			index++
		}
		if len(events) > 0 {
			if err := r.publishSnapshot(trackID, raw.EventID, raw.CapturedAtUS, e.Snapshot()); err != nil {
				return err
			}
		}
	}
	return nil
}

// recordAudit best-effort logs a discard or fault. Audit is diagnostic, not
// load-bearing: a failed write is logged locally and never turned into a
// dispatch error.
func (r *Registry) recordAudit(trackID, eventID, category, detail, decoderID string, transponderID uint32) {
	if r.audit == nil {
		return
	}
	err := r.audit.Record(context.Background(), audit.Record{
		TrackID:       trackID,
		EventID:       eventID,
		Category:      category,
		Detail:        detail,
		DecoderID:     decoderID,
		TransponderID: transponderID,
		RecordedAtUS:  uint64(time.Now().UnixMicro()),
	})
	if err != nil {
		log.Printf("actor: audit write failed for track %s: %v", trackID, err)
	}
}

func (r *Registry) processControl(trackID string, e *engine.RaceEngine, control *contracts.RaceControlIntentEnvelopeV1) error {
	_, span := telemetry.StartEngineTransition(context.Background(), trackID, strings.ToLower(string(control.Intent.Kind)))
	defer telemetry.End(span, nil)

	var events []engine.Event
	switch control.Intent.Kind {
	case contracts.ControlStage:
		if control.Intent.TrackConfig != nil {
			e.SetTrack(engine.TrackConfigFromV1(*control.Intent.TrackConfig))
		}
		entries := engine.EntriesFromV1(control.Intent.Riders)
		events = e.StageMoto(control.Intent.MotoID, control.Intent.ClassName, entries)
	case contracts.ControlReset:
		events = e.Reset()
	case contracts.ControlForceFinish:
		events = e.ForceFinish()
	}

	index := 0
	for _, ev := range events {
		if err := r.publishEvent(trackID, control.EventID, control.TsUS, ev, index); err != nil {
			return err
		}
		index++
	}

	snap := e.Snapshot()
	return r.publishSnapshot(trackID, control.EventID, control.TsUS, snap)
}

func (r *Registry) publishEvent(trackID, sourceEventID string, tsUS uint64, ev engine.Event, index int) error {
	kind, payload := engine.ToPayload(ev)
	if payload == nil {
		return nil
	}
	envelope := contracts.RaceEventEnvelopeV1{
		ContractVersion: contracts.RaceEventEnvelopeContractVersion,
		EventID:         uuid.NewString(),
		TrackID:         trackID,
		SourceEventID:   sourceEventID,
		Kind:            kind,
		TsUS:            tsUS,
		Payload:         payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal race event: %w", err)
	}
	msgID := fmt.Sprintf("%s:%s:%d:%s", trackID, sourceEventID, index, kind)
	ctx := context.Background()
	_, err = r.broker.PublishWithMsgID(ctx, contracts.RaceEventsSubject(trackID), msgID, body)
	if err != nil {
		return fmt.Errorf("publish race event: %w", err)
	}
	return nil
}

func (r *Registry) publishSnapshot(trackID, sourceEventID string, tsUS uint64, snap engine.StateSnapshot) error {
	_, payload := engine.ToPayload(engine.Event{Kind: engine.KindStateSnapshot, StateSnapshot: &snap})
	envelope := contracts.RaceEventEnvelopeV1{
		ContractVersion: contracts.RaceEventEnvelopeContractVersion,
		EventID:         uuid.NewString(),
		TrackID:         trackID,
		SourceEventID:   sourceEventID,
		Kind:            contracts.EventStateSnapshot,
		TsUS:            tsUS,
		Payload:         payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return r.broker.PublishSnapshot(context.Background(), trackID, sourceEventID, body)
}
