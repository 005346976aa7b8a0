// Package broker owns the NATS JetStream backbone: stream provisioning,
// publish-with-dedupe helpers, and pull-consumer helpers for the raw ingest,
// race events, race control, snapshot-slot, and dead-letter subjects.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"p3timing/internal/contracts"
	"p3timing/internal/telemetry"
)

const (
	rawIngestMaxAge      = 7 * 24 * time.Hour
	rawIngestMaxBytes    = 1_073_741_824
	rawIngestDupWindow   = 10 * time.Minute
	raceEventsMaxAge     = 30 * 24 * time.Hour
	raceEventsMaxBytes   = 53_687_091_200
	raceEventsDupWindow  = 10 * time.Minute
	raceControlMaxAge    = 30 * 24 * time.Hour
	raceControlMaxBytes  = 1_073_741_824
	raceControlDupWindow = 10 * time.Minute
	snapshotMaxAge       = 24 * time.Hour
	snapshotMaxBytes     = 268_435_456
	dlqMaxAge            = 30 * 24 * time.Hour
	dlqMaxBytes          = 1_073_741_824
)

// Broker holds a connected JetStream context and the streams it provisions.
type Broker struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials nats_url and provisions every stream this system needs. It
// is idempotent: re-running against an already-provisioned server updates
// stream config in place rather than failing.
func Connect(ctx context.Context, url string) (*Broker, error) {
	nc, err := nats.Connect(url, nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	b := &Broker{nc: nc, js: js}
	if err := b.provision(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("provision streams: %w", err)
	}
	return b, nil
}

func (b *Broker) Close() {
	b.nc.Close()
}

func (b *Broker) provision(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		rawIngestStreamConfig(),
		raceEventsStreamConfig(),
		raceControlStreamConfig(),
		snapshotStreamConfig(),
		dlqStreamConfig(),
	}
	for _, cfg := range streams {
		if _, err := b.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

func rawIngestStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       contracts.RawIngestStreamName,
		Subjects:   []string{contracts.RawIngestSubjectFilter},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     rawIngestMaxAge,
		MaxBytes:   rawIngestMaxBytes,
		Discard:    jetstream.DiscardOld,
		Duplicates: rawIngestDupWindow,
		Storage:    jetstream.FileStorage,
	}
}

func raceEventsStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       contracts.RaceEventsStreamName,
		Subjects:   []string{contracts.RaceEventsSubjectFilter},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     raceEventsMaxAge,
		MaxBytes:   raceEventsMaxBytes,
		Discard:    jetstream.DiscardOld,
		Duplicates: raceEventsDupWindow,
		Storage:    jetstream.FileStorage,
	}
}

func raceControlStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       contracts.RaceControlStreamName,
		Subjects:   []string{contracts.RaceControlSubjectFilter},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     raceControlMaxAge,
		MaxBytes:   raceControlMaxBytes,
		Discard:    jetstream.DiscardOld,
		Duplicates: raceControlDupWindow,
		Storage:    jetstream.FileStorage,
	}
}

// snapshotStreamConfig retains only the single most recent message per
// subject: the race-state snapshot slot subscribers bootstrap from before
// tailing race events live.
func snapshotStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:              contracts.SnapshotStreamName,
		Subjects:          []string{contracts.SnapshotSubjectFilter},
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: 1,
		MaxAge:            snapshotMaxAge,
		MaxBytes:          snapshotMaxBytes,
		Discard:           jetstream.DiscardOld,
		Storage:           jetstream.FileStorage,
	}
}

func dlqStreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      contracts.DeadLetterStreamName,
		Subjects:  []string{contracts.DeadLetterSubjectFilter},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    dlqMaxAge,
		MaxBytes:  dlqMaxBytes,
		Discard:   jetstream.DiscardOld,
		Storage:   jetstream.FileStorage,
	}
}

// PublishOutcome reports whether JetStream recognized this publish as a
// duplicate of one already inside the stream's dedupe window.
type PublishOutcome struct {
	Duplicate bool
}

// PublishWithMsgID publishes payload to subject with the given Nats-Msg-Id
// header, JetStream's own first line of idempotency defense.
func (b *Broker) PublishWithMsgID(ctx context.Context, subject, msgID string, payload []byte) (outcome PublishOutcome, retErr error) {
	ctx, span := telemetry.StartPublish(ctx, subject, msgID)
	defer func() { telemetry.End(span, retErr) }()

	ack, err := b.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  nats.Header{"Nats-Msg-Id": []string{msgID}},
	})
	if err != nil {
		retErr = fmt.Errorf("publish %s: %w", subject, err)
		return PublishOutcome{}, retErr
	}
	return PublishOutcome{Duplicate: ack.Duplicate}, nil
}

// PublishSnapshot publishes a state snapshot to the snapshot subject for
// trackID and eventID; the stream's MaxMsgsPerSubject=1 keeps only the
// newest message on each such subject.
func (b *Broker) PublishSnapshot(ctx context.Context, trackID, eventID string, payload []byte) error {
	subject := contracts.SnapshotSubject(trackID, eventID)
	if _, err := b.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish snapshot %s: %w", subject, err)
	}
	return nil
}

// PublishDeadLetter records a message this system could not process after
// exhausting redelivery, for offline inspection.
func (b *Broker) PublishDeadLetter(ctx context.Context, source string, payload []byte) error {
	subject := contracts.DeadLetterSubject(source)
	if _, err := b.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish dlq %s: %w", subject, err)
	}
	return nil
}

// LatestSnapshot returns the newest persisted state snapshot for trackID, or
// nil if none has ever been published. Live subscribers call this once to
// bootstrap before tailing the race events subject.
func (b *Broker) LatestSnapshot(ctx context.Context, trackID string) ([]byte, error) {
	stream, err := b.js.Stream(ctx, contracts.SnapshotStreamName)
	if err != nil {
		return nil, fmt.Errorf("bind stream %s: %w", contracts.SnapshotStreamName, err)
	}
	subject := fmt.Sprintf("timing.race.snapshot.v1.%s.*", trackID)
	msg, err := stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if err == jetstream.ErrMsgNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get last snapshot for %s: %w", trackID, err)
	}
	return msg.Data, nil
}

// TailRaceEvents opens an ephemeral ordered consumer on trackID's race
// events subject. With fromSeq nil it delivers only new messages from the
// moment of subscription ("now"); with fromSeq set it resumes delivery
// starting at that JetStream stream sequence, the replay-marker path a live
// subscriber uses to reconnect without missing events.
func (b *Broker) TailRaceEvents(ctx context.Context, trackID string, fromSeq *uint64) (jetstream.MessagesContext, error) {
	stream, err := b.js.Stream(ctx, contracts.RaceEventsStreamName)
	if err != nil {
		return nil, fmt.Errorf("bind stream %s: %w", contracts.RaceEventsStreamName, err)
	}
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{contracts.RaceEventsSubject(trackID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	}
	if fromSeq != nil {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = *fromSeq
	}
	consumer, err := stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ordered consumer for %s: %w", trackID, err)
	}
	return consumer.Messages()
}

// TailRawIngest opens an ephemeral ordered consumer on trackID's raw ingest
// subject. The live decoder channel uses it to tail STATUS messages as they
// arrive; unlike TailRaceEvents it always delivers only new messages, since
// decoder telemetry carries no replay-marker contract.
func (b *Broker) TailRawIngest(ctx context.Context, trackID string) (jetstream.MessagesContext, error) {
	stream, err := b.js.Stream(ctx, contracts.RawIngestStreamName)
	if err != nil {
		return nil, fmt.Errorf("bind stream %s: %w", contracts.RawIngestStreamName, err)
	}
	consumer, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{contracts.RawIngestSubject(trackID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ordered consumer for %s: %w", trackID, err)
	}
	return consumer.Messages()
}

// PullConsumer wraps a durable pull consumer bound to one stream, used by
// the ingest actor dispatch loop and the projection worker.
type PullConsumer struct {
	consumer   jetstream.Consumer
	durableName string
}

// NewPullConsumer creates or attaches to a durable pull consumer named
// durableName on streamName, filtered to filterSubject.
func (b *Broker) NewPullConsumer(ctx context.Context, streamName, durableName, filterSubject string) (*PullConsumer, error) {
	stream, err := b.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("bind stream %s: %w", streamName, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableName,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", durableName, err)
	}
	return &PullConsumer{consumer: consumer, durableName: durableName}, nil
}

// Fetch pulls up to batch messages, waiting up to maxWait for the first one.
func (c *PullConsumer) Fetch(batch int, maxWait time.Duration) (jetstream.MessageBatch, error) {
	_, span := telemetry.StartFetch(context.Background(), c.durableName)
	msgBatch, err := c.consumer.Fetch(batch, jetstream.FetchMaxWait(maxWait))
	telemetry.End(span, err)
	return msgBatch, err
}
