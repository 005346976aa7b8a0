// Package worker runs the two durable pull-consumer loops that feed the
// per-track race actors: one over the raw ingest stream, one over race
// control intents. It is the Go counterpart of the dual-consumer select
// loop a single race worker process runs.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"p3timing/internal/contracts"
)

const (
	// RawConsumerName and ControlConsumerName are the durable consumer names
	// the process wiring these loops up must create against
	// contracts.RawIngestStreamName and contracts.RaceControlStreamName.
	RawConsumerName     = "race_worker_raw_v1"
	ControlConsumerName = "race_worker_control_v1"

	fetchBatch   = 50
	fetchMaxWait = 5 * time.Second
)

// Fetcher matches *broker.PullConsumer's Fetch method.
type Fetcher interface {
	Fetch(batch int, maxWait time.Duration) (jetstream.MessageBatch, error)
}

// Dispatcher is the subset of *actor.Registry the worker needs: hand one
// envelope to its track actor and block until processed.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw *contracts.RawIngestEnvelopeV1) error
	DispatchControl(ctx context.Context, control *contracts.RaceControlIntentEnvelopeV1) error
}

// Worker drives the raw-ingest and race-control consume loops against a
// Dispatcher. Each loop is independent: a stall processing raw envelopes for
// one track never blocks control intents for another.
type Worker struct {
	dispatch Dispatcher
}

func NewWorker(dispatch Dispatcher) *Worker {
	return &Worker{dispatch: dispatch}
}

// RunRawIngest fetches from the raw ingest stream until ctx is canceled.
func (w *Worker) RunRawIngest(ctx context.Context, consumer Fetcher) error {
	return runLoop(ctx, consumer, w.handleRaw)
}

// RunRaceControl fetches from the race control stream until ctx is
// canceled.
func (w *Worker) RunRaceControl(ctx context.Context, consumer Fetcher) error {
	return runLoop(ctx, consumer, w.handleControl)
}

func runLoop(ctx context.Context, consumer Fetcher, handle func(context.Context, jetstream.Msg) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := consumer.Fetch(fetchBatch, fetchMaxWait)
		if err != nil {
			log.Printf("worker: fetch failed: %v", err)
			continue
		}
		for msg := range batch.Messages() {
			if err := handle(ctx, msg); err != nil {
				log.Printf("worker: dispatch failed, leaving unacked for redelivery: %v", err)
				continue
			}
		}
		if err := batch.Error(); err != nil {
			log.Printf("worker: batch error: %v", err)
		}
	}
}

func (w *Worker) handleRaw(ctx context.Context, msg jetstream.Msg) error {
	var envelope contracts.RawIngestEnvelopeV1
	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		log.Printf("worker: malformed raw ingest envelope, acking poison message: %v", err)
		return msg.Ack()
	}
	if err := w.dispatch.Dispatch(ctx, &envelope); err != nil {
		return err
	}
	return msg.Ack()
}

func (w *Worker) handleControl(ctx context.Context, msg jetstream.Msg) error {
	var envelope contracts.RaceControlIntentEnvelopeV1
	if err := json.Unmarshal(msg.Data(), &envelope); err != nil {
		log.Printf("worker: malformed race control envelope, acking poison message: %v", err)
		return msg.Ack()
	}
	if err := w.dispatch.DispatchControl(ctx, &envelope); err != nil {
		return err
	}
	return msg.Ack()
}
