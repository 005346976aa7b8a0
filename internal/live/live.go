// Package live implements the GET /ws/v1/live subscription endpoint: a
// WebSocket boundary that snapshots current race/decoder state and then
// tails the derived event stream, with bounded per-subscriber backpressure
// and a silence-triggered heartbeat.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/nats-io/nats.go/jetstream"

	"p3timing/internal/codec"
	"p3timing/internal/contracts"
)

// outboxCapacity bounds how many envelopes a slow subscriber can fall
// behind by before the server closes the connection and asks it to
// reconnect with a replay marker.
const outboxCapacity = 256

// heartbeatSilence is the longest stretch without an outbound envelope
// before a heartbeat is synthesized.
const heartbeatSilence = 10 * time.Second

// EventSource is the subset of *broker.Broker the live endpoint needs:
// bootstrap snapshot plus live tail subscriptions over both the derived race
// events stream and the raw ingest stream (for decoder telemetry).
type EventSource interface {
	LatestSnapshot(ctx context.Context, trackID string) ([]byte, error)
	TailRaceEvents(ctx context.Context, trackID string, fromSeq *uint64) (jetstream.MessagesContext, error)
	TailRawIngest(ctx context.Context, trackID string) (jetstream.MessagesContext, error)
}

// DecoderStatusSource is the subset of *projection.Store the live endpoint
// needs to bootstrap a decoder-channel subscriber with current telemetry
// before it starts tailing new STATUS messages.
type DecoderStatusSource interface {
	DecoderStatuses(ctx context.Context, trackID string) ([]contracts.DecoderStatusRowV1, error)
}

// Server serves GET /ws/v1/live.
type Server struct {
	source   EventSource
	decoders DecoderStatusSource
}

func NewServer(source EventSource, decoders DecoderStatusSource) *Server {
	return &Server{source: source, decoders: decoders}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	trackID := strings.TrimSpace(r.URL.Query().Get("track_id"))
	if trackID == "" {
		http.Error(w, "track_id query parameter is required", http.StatusBadRequest)
		return
	}
	eventID := r.URL.Query().Get("event_id")
	channels, issues := classifyChannels(r.URL.Query().Get("channels"))
	marker, err := parseMarker(r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.handle(r.Context(), conn, trackID, eventID, channels, issues, marker)
}

type channelIssue struct {
	requestedChannel string
	envelopeChannel  contracts.LiveChannel
	code             string
	message          string
}

// classifyChannels parses the comma-separated channels query parameter,
// defaulting to {race} when absent, and reports unsupported entries as
// issues instead of failing the whole request.
func classifyChannels(raw string) (map[contracts.LiveChannel]bool, []channelIssue) {
	supported := make(map[contracts.LiveChannel]bool)
	var issues []channelIssue

	defaulted := strings.TrimSpace(raw) == ""
	if defaulted {
		supported[contracts.ChannelRace] = true
		return supported, issues
	}

	for _, candidate := range strings.Split(raw, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		switch candidate {
		case string(contracts.ChannelRace):
			supported[contracts.ChannelRace] = true
		case string(contracts.ChannelDecoder):
			supported[contracts.ChannelDecoder] = true
		default:
			issues = append(issues, channelIssue{
				requestedChannel: candidate,
				envelopeChannel:  contracts.LiveChannel(candidate),
				code:             "unsupported_channel",
				message:          fmt.Sprintf("channel %q is not supported", candidate),
			})
		}
	}
	if len(supported) == 0 && len(issues) == 0 {
		supported[contracts.ChannelRace] = true
	}
	return supported, issues
}

// parseMarker turns the `from` query parameter into a JetStream start
// sequence. The marker is exactly the `seq` value the server previously put
// on an `event` envelope, so resuming is `from=<that number>`; "now" or an
// absent parameter means only new events.
func parseMarker(from string) (*uint64, error) {
	if from == "" || from == "now" {
		return nil, nil
	}
	seq, err := strconv.ParseUint(from, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid from marker: %q", from)
	}
	return &seq, nil
}

// seqGen issues strictly increasing per-connection sequence numbers for
// outbound envelopes.
type seqGen struct{ n uint64 }

func (s *seqGen) next() uint64 {
	return atomic.AddUint64(&s.n, 1)
}

func (s *Server) handle(ctx context.Context, conn *websocket.Conn, trackID, eventID string, channels map[contracts.LiveChannel]bool, issues []channelIssue, fromSeq *uint64) {
	defer conn.CloseNow()
	conn.SetReadLimit(-1)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var seq seqGen
	outbox := make(chan contracts.LiveEnvelopeV1, outboxCapacity)

	go s.drainClientReads(connCtx, conn, cancel)

	// A resuming client already has state through its marker; only a fresh
	// connection needs the bootstrap snapshot.
	if fromSeq == nil {
		if err := s.sendSnapshots(connCtx, trackID, eventID, channels, &seq, outbox); err != nil {
			log.Printf("live: snapshot bootstrap failed for track %s: %v", trackID, err)
		}
	}
	for _, issue := range issues {
		outbox <- contracts.LiveEnvelopeV1{
			Kind:    contracts.LiveKindError,
			Channel: issue.envelopeChannel,
			TrackID: trackID,
			EventID: eventID,
			Seq:     seq.next(),
			TsUS:    nowUS(),
			Payload: contracts.LiveErrorPayloadV1{Code: issue.code, Hint: contracts.HintPermanent},
		}
	}

	messages, err := s.source.TailRaceEvents(connCtx, trackID, fromSeq)
	if err != nil {
		log.Printf("live: tail subscribe failed for track %s: %v", trackID, err)
		return
	}
	defer messages.Stop()
	go s.tailEvents(connCtx, cancel, messages, trackID, eventID, channels, &seq, outbox)

	if channels[contracts.ChannelDecoder] {
		decoderMessages, err := s.source.TailRawIngest(connCtx, trackID)
		if err != nil {
			log.Printf("live: decoder tail subscribe failed for track %s: %v", trackID, err)
		} else {
			defer decoderMessages.Stop()
			go s.tailDecoderStatus(connCtx, cancel, decoderMessages, trackID, &seq, outbox)
		}
	}

	s.writeLoop(connCtx, conn, outbox, &seq)
}

func (s *Server) sendSnapshots(ctx context.Context, trackID, eventID string, channels map[contracts.LiveChannel]bool, seq *seqGen, outbox chan<- contracts.LiveEnvelopeV1) error {
	if channels[contracts.ChannelRace] {
		if err := s.sendRaceSnapshot(ctx, trackID, eventID, seq, outbox); err != nil {
			return err
		}
	}
	if channels[contracts.ChannelDecoder] {
		if err := s.sendDecoderSnapshot(ctx, trackID, eventID, seq, outbox); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) sendRaceSnapshot(ctx context.Context, trackID, eventID string, seq *seqGen, outbox chan<- contracts.LiveEnvelopeV1) error {
	raw, err := s.source.LatestSnapshot(ctx, trackID)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	var envelope contracts.RaceEventEnvelopeV1
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	outbox <- contracts.LiveEnvelopeV1{
		Kind:    contracts.LiveKindSnapshot,
		Channel: contracts.ChannelRace,
		TrackID: trackID,
		EventID: eventID,
		Seq:     seq.next(),
		TsUS:    envelope.TsUS,
		Payload: envelope.Payload,
	}
	return nil
}

// sendDecoderSnapshot bootstraps a decoder-channel subscriber with every
// decoder's current rolled-up telemetry from the decoder_status read model,
// since the raw ingest stream itself retains no "latest STATUS" marker the
// way the race snapshot slot does.
func (s *Server) sendDecoderSnapshot(ctx context.Context, trackID, eventID string, seq *seqGen, outbox chan<- contracts.LiveEnvelopeV1) error {
	rows, err := s.decoders.DecoderStatuses(ctx, trackID)
	if err != nil {
		return err
	}
	outbox <- contracts.LiveEnvelopeV1{
		Kind:    contracts.LiveKindSnapshot,
		Channel: contracts.ChannelDecoder,
		TrackID: trackID,
		EventID: eventID,
		Seq:     seq.next(),
		TsUS:    nowUS(),
		Payload: contracts.DecoderSnapshotPayloadV1{Rows: rows},
	}
	return nil
}

// tailEvents drains the live JetStream tail and forwards every matching
// derived event onto outbox, tagging each with the underlying stream
// sequence so it can serve as a replay marker on reconnect. If the
// subscriber is lagging beyond the bounded outbox it cancels the connection
// instead of growing memory unboundedly; the client must reconnect with the
// last marker it saw.
func (s *Server) tailEvents(ctx context.Context, cancel context.CancelFunc, messages jetstream.MessagesContext, trackID, eventID string, channels map[contracts.LiveChannel]bool, seq *seqGen, outbox chan contracts.LiveEnvelopeV1) {
	for {
		msg, err := messages.Next()
		if err != nil {
			return
		}
		var envelope contracts.RaceEventEnvelopeV1
		if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
			log.Printf("live: malformed race event envelope: %v", err)
			continue
		}
		channel := channelForEvent(envelope.Kind)
		if !channels[channel] {
			continue
		}
		var streamSeq uint64
		if meta, err := msg.Metadata(); err == nil {
			streamSeq = meta.Sequence.Stream
		}
		live := contracts.LiveEnvelopeV1{
			Kind:    contracts.LiveKindEvent,
			Channel: channel,
			TrackID: trackID,
			EventID: envelope.EventID,
			Seq:     streamSeq,
			TsUS:    envelope.TsUS,
			Payload: envelope.Payload,
		}
		select {
		case outbox <- live:
		case <-ctx.Done():
			return
		default:
			log.Printf("live: subscriber for track %s lagging beyond outbox capacity, closing", trackID)
			select {
			case outbox <- overflowEnvelope(trackID, eventID, seq):
			default:
			}
			cancel()
			return
		}
	}
}

func overflowEnvelope(trackID, eventID string, seq *seqGen) contracts.LiveEnvelopeV1 {
	return contracts.LiveEnvelopeV1{
		Kind:    contracts.LiveKindError,
		Channel: contracts.ChannelRace,
		TrackID: trackID,
		EventID: eventID,
		Seq:     seq.next(),
		TsUS:    nowUS(),
		Payload: contracts.LiveErrorPayloadV1{Code: "lagging", Hint: contracts.HintReconnectWithMarker},
	}
}

// channelForEvent classifies a derived race event onto a live channel. Every
// engine-derived kind belongs to the race channel; decoder telemetry never
// flows through the race events stream, so it is tailed separately by
// tailDecoderStatus.
func channelForEvent(contracts.RaceEventKind) contracts.LiveChannel {
	return contracts.ChannelRace
}

// tailDecoderStatus drains the raw ingest tail for trackID and forwards each
// STATUS message onto outbox as a decoder-channel event. PASSING and VERSION
// messages on the same subject are not decoder telemetry and are skipped.
func (s *Server) tailDecoderStatus(ctx context.Context, cancel context.CancelFunc, messages jetstream.MessagesContext, trackID string, seq *seqGen, outbox chan contracts.LiveEnvelopeV1) {
	for {
		msg, err := messages.Next()
		if err != nil {
			return
		}
		var envelope contracts.RawIngestEnvelopeV1
		if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
			log.Printf("live: malformed raw ingest envelope: %v", err)
			continue
		}
		if envelope.MessageType != "STATUS" {
			continue
		}
		var status codec.Status
		if err := json.Unmarshal(envelope.Payload, &status); err != nil {
			log.Printf("live: malformed status payload: %v", err)
			continue
		}
		live := contracts.LiveEnvelopeV1{
			Kind:    contracts.LiveKindEvent,
			Channel: contracts.ChannelDecoder,
			TrackID: trackID,
			EventID: envelope.EventID,
			Seq:     seq.next(),
			TsUS:    envelope.IngestedAtUS,
			Payload: contracts.DecoderEventPayloadV1{MessageType: envelope.MessageType, Message: status},
		}
		select {
		case outbox <- live:
		case <-ctx.Done():
			return
		default:
			log.Printf("live: decoder subscriber for track %s lagging beyond outbox capacity, closing", trackID)
			select {
			case outbox <- overflowEnvelope(trackID, envelope.EventID, seq):
			default:
			}
			cancel()
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, outbox chan contracts.LiveEnvelopeV1, seq *seqGen) {
	timer := time.NewTimer(heartbeatSilence)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-outbox:
			if err := writeEnvelope(ctx, conn, envelope); err != nil {
				return
			}
			timer.Reset(heartbeatSilence)
		case <-timer.C:
			heartbeat := contracts.LiveEnvelopeV1{
				Kind:    contracts.LiveKindHeartbeat,
				Channel: contracts.ChannelRace,
				Seq:     seq.next(),
				TsUS:    nowUS(),
				Payload: contracts.EmptyPayloadV1{},
			}
			if err := writeEnvelope(ctx, conn, heartbeat); err != nil {
				return
			}
			timer.Reset(heartbeatSilence)
		}
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, envelope contracts.LiveEnvelopeV1) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, body)
}

// drainClientReads discards inbound client frames (this endpoint is
// server-to-client only) and cancels the connection context once the
// client disconnects or the connection is torn down from elsewhere.
func (s *Server) drainClientReads(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			cancel()
			return
		}
	}
}

func nowUS() uint64 {
	return uint64(time.Now().UnixMicro())
}
