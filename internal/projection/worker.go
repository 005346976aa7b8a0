package projection

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"p3timing/internal/contracts"
)

const (
	// DecoderStatusConsumerName and ReadModelConsumerName are the durable
	// consumer names the process wiring these loops up must create against
	// contracts.RawIngestStreamName and contracts.RaceEventsStreamName.
	DecoderStatusConsumerName = "projection_decoder_status_v1"
	ReadModelConsumerName     = "projection_read_model_v1"

	fetchBatch   = 50
	fetchMaxWait = 5 * time.Second
)

// Fetcher matches *broker.PullConsumer's Fetch method, letting the worker
// loop stay independent of the broker package.
type Fetcher interface {
	Fetch(batch int, maxWait time.Duration) (jetstream.MessageBatch, error)
}

// Worker drives two independent pull-consumer loops against the store: one
// over the raw ingest stream (decoder telemetry), one over the derived race
// events stream (split times and moto results).
type Worker struct {
	store *Store
}

func NewWorker(store *Store) *Worker {
	return &Worker{store: store}
}

// RunRawIngest fetches from the raw ingest stream until ctx is canceled.
func (w *Worker) RunRawIngest(ctx context.Context, consumer Fetcher) error {
	return w.runLoop(ctx, consumer, w.handleRaw)
}

// RunRaceEvents fetches from the derived race events stream until ctx is
// canceled.
func (w *Worker) RunRaceEvents(ctx context.Context, consumer Fetcher) error {
	return w.runLoop(ctx, consumer, w.handleRaceEvent)
}

func (w *Worker) runLoop(ctx context.Context, consumer Fetcher, handle func(context.Context, jetstream.Msg) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := consumer.Fetch(fetchBatch, fetchMaxWait)
		if err != nil {
			log.Printf("projection: fetch failed: %v", err)
			continue
		}
		for msg := range batch.Messages() {
			if err := handle(ctx, msg); err != nil {
				log.Printf("projection: processing failed, leaving unacked: %v", err)
				continue
			}
		}
		if err := batch.Error(); err != nil {
			log.Printf("projection: batch error: %v", err)
		}
	}
}

func (w *Worker) handleRaw(ctx context.Context, msg jetstream.Msg) error {
	var envelope contracts.RawIngestEnvelopeV1
	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		log.Printf("projection: malformed raw ingest envelope, acking poison message: %v", err)
		return msg.Ack()
	}
	if _, err := w.store.ApplyRawEnvelope(ctx, envelope); err != nil {
		return err
	}
	return msg.Ack()
}

func (w *Worker) handleRaceEvent(ctx context.Context, msg jetstream.Msg) error {
	var envelope contracts.RaceEventEnvelopeV1
	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		log.Printf("projection: malformed race event envelope, acking poison message: %v", err)
		return msg.Ack()
	}
	if _, err := w.store.ApplyRaceEvent(ctx, envelope); err != nil {
		return err
	}
	return msg.Ack()
}
