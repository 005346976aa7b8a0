// Package gateway implements the track gateway boundary: it reads a local
// decoder byte stream, decodes frames with internal/codec, wraps each
// message in an ingest envelope with a monotonic per-boot sequence, and
// batches and publishes them to the ingest boundary with retry, falling back
// to internal/spool while the boundary is unreachable.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"p3timing/internal/codec"
	"p3timing/internal/contracts"
	"p3timing/internal/spool"
)

// Publisher is the subset of the ingest HTTP client the gateway needs. It is
// an interface so tests can substitute a fake without standing up a server.
type Publisher interface {
	PublishBatch(ctx context.Context, req contracts.TrackIngestBatchRequest) (*contracts.TrackIngestBatchResponse, error)
}

// Gateway owns one boot's worth of sequence numbers for one decoder client
// and turns its byte stream into published ingest events.
type Gateway struct {
	trackID  string
	clientID string
	bootID   string
	seq      uint64

	framer    *codec.Framer
	publisher Publisher
	spool     *spool.Spool

	batchSize     int
	batchInterval time.Duration
	publishRetry  time.Duration
}

// Config bundles Gateway construction parameters.
type Config struct {
	TrackID       string
	ClientID      string
	BatchSize     int
	BatchInterval time.Duration
	PublishRetry  time.Duration
}

// New creates a Gateway with a freshly generated boot_id — every process
// start gets a new one and it is never reused, per the envelope contract.
func New(cfg Config, publisher Publisher, sp *spool.Spool) *Gateway {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 500 * time.Millisecond
	}
	if cfg.PublishRetry <= 0 {
		cfg.PublishRetry = 2 * time.Second
	}
	return &Gateway{
		trackID:       cfg.TrackID,
		clientID:      cfg.ClientID,
		bootID:        uuid.NewString(),
		framer:        &codec.Framer{},
		publisher:     publisher,
		spool:         sp,
		batchSize:     cfg.BatchSize,
		batchInterval: cfg.BatchInterval,
		publishRetry:  cfg.PublishRetry,
	}
}

// nextSeq returns the next monotonic sequence number for this boot.
func (g *Gateway) nextSeq() uint64 {
	return atomic.AddUint64(&g.seq, 1) - 1
}

// Run reads from r until it returns an error (typically io.EOF on decoder
// disconnect), decoding frames and driving them through the batching
// publisher loop. It never returns nil; callers reconnect and call Run again
// with a fresh reader on transient I/O errors.
func (g *Gateway) Run(ctx context.Context, r io.Reader) error {
	pending := make([]contracts.TrackIngestEvent, 0, g.batchSize)
	flushTimer := time.NewTimer(g.batchInterval)
	defer flushTimer.Stop()

	buf := make([]byte, 4096)
	frameCh := make(chan []byte, 64)
	readErrCh := make(chan error, 1)

	go func() {
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, frame := range g.framer.Feed(buf[:n]) {
					frameCh <- frame
				}
			}
			if err != nil {
				readErrCh <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			g.flush(ctx, pending)
			return ctx.Err()
		case frame := <-frameCh:
			event, err := g.decodeEvent(frame)
			if err != nil {
				log.Printf("gateway: dropping unparsable frame: %v", err)
				continue
			}
			pending = append(pending, *event)
			if len(pending) >= g.batchSize {
				g.flush(ctx, pending)
				pending = pending[:0]
				flushTimer.Reset(g.batchInterval)
			}
		case <-flushTimer.C:
			if len(pending) > 0 {
				g.flush(ctx, pending)
				pending = pending[:0]
			}
			flushTimer.Reset(g.batchInterval)
		case err := <-readErrCh:
			// The reader goroutine enqueues every decoded frame before it
			// signals EOF/error, but select does not prefer frameCh over
			// readErrCh when both are ready, so drain whatever is already
			// buffered before acting on the error.
		drainFrames:
			for {
				select {
				case frame := <-frameCh:
					if event, decErr := g.decodeEvent(frame); decErr == nil {
						pending = append(pending, *event)
					} else {
						log.Printf("gateway: dropping unparsable frame: %v", decErr)
					}
				default:
					break drainFrames
				}
			}
			g.flush(ctx, pending)
			return err
		}
	}
}

func (g *Gateway) decodeEvent(frame []byte) (*contracts.TrackIngestEvent, error) {
	msg, err := codec.DecodeFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal decoded message: %w", err)
	}
	seq := g.nextSeq()
	return &contracts.TrackIngestEvent{
		EventID: uuid.NewString(),
		TrackID: g.trackID,
		EventIDContext: contracts.EventIDContext{
			ClientID: g.clientID,
			BootID:   g.bootID,
			Seq:      seq,
		},
		MessageType:  msg.Type.String(),
		CapturedAtUS: uint64(time.Now().UnixMicro()),
		Payload:      payload,
	}, nil
}

// flush publishes a batch with retry; on persistent failure it spools every
// item instead of losing it.
func (g *Gateway) flush(ctx context.Context, events []contracts.TrackIngestEvent) {
	if len(events) == 0 {
		return
	}
	req := contracts.TrackIngestBatchRequest{
		ContractVersion: contracts.TrackIngestContractVersion,
		TrackID:         g.trackID,
		ClientID:        g.clientID,
		Events:          events,
	}

	if err := g.publishWithRetry(ctx, req); err != nil {
		log.Printf("gateway: publish failed after retries, spooling %d events: %v", len(events), err)
		g.spoolBatch(events)
	}
}

func (g *Gateway) publishWithRetry(ctx context.Context, req contracts.TrackIngestBatchRequest) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(g.publishRetry):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		_, err := g.publisher.PublishBatch(ctx, req)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (g *Gateway) spoolBatch(events []contracts.TrackIngestEvent) {
	for _, ev := range events {
		priority := spool.PriorityPassing
		switch ev.MessageType {
		case "STATUS":
			priority = spool.PriorityStatus
		case "VERSION":
			priority = spool.PriorityVersion
		}
		item := spool.Item{
			TrackID:      ev.TrackID,
			ClientID:     ev.EventIDContext.ClientID,
			BootID:       ev.EventIDContext.BootID,
			Seq:          ev.EventIDContext.Seq,
			MessageType:  ev.MessageType,
			Priority:     priority,
			CapturedAtUS: ev.CapturedAtUS,
			Payload:      ev.Payload,
		}
		if err := g.spool.Enqueue(item); err != nil {
			log.Printf("gateway: failed to spool event %s: %v", ev.EventID, err)
		}
	}
}

// DrainSpool republishes everything currently in the spool, in FIFO order,
// acking each item only once the broker confirms it. cmd/gateway calls it
// once at startup, before the first decoder connection; items spooled while
// the process runs stay in the spool until the next call.
func (g *Gateway) DrainSpool(ctx context.Context) error {
	for {
		items, err := g.spool.Peek(g.batchSize)
		if err != nil {
			return fmt.Errorf("peek spool: %w", err)
		}
		if len(items) == 0 {
			return nil
		}

		events := make([]contracts.TrackIngestEvent, len(items))
		ids := make([]int64, len(items))
		for i, it := range items {
			events[i] = contracts.TrackIngestEvent{
				EventID: uuid.NewString(),
				TrackID: it.TrackID,
				EventIDContext: contracts.EventIDContext{
					ClientID: it.ClientID,
					BootID:   it.BootID,
					Seq:      it.Seq,
				},
				MessageType:  it.MessageType,
				CapturedAtUS: it.CapturedAtUS,
				Payload:      it.Payload,
			}
			ids[i] = it.ID
		}

		req := contracts.TrackIngestBatchRequest{
			ContractVersion: contracts.TrackIngestContractVersion,
			TrackID:         g.trackID,
			ClientID:        g.clientID,
			Events:          events,
		}
		if err := g.publishWithRetry(ctx, req); err != nil {
			return fmt.Errorf("drain spool: %w", err)
		}
		if err := g.spool.Ack(ids); err != nil {
			return fmt.Errorf("ack drained spool items: %w", err)
		}
	}
}

// SplitFrames is a small helper used by tests to break a raw byte blob into individual frames without constructing a
// full Gateway.
func SplitFrames(data []byte) [][]byte {
	f := &codec.Framer{}
	return f.Feed(bytes.NewBuffer(data).Bytes())
}
