package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	gonats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"p3timing/internal/contracts"
)

// fakeMsg implements jetstream.Msg, recording whether Ack was called.
type fakeMsg struct {
	data  []byte
	acked bool
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) { return &jetstream.MsgMetadata{}, nil }
func (m *fakeMsg) Data() []byte                              { return m.data }
func (m *fakeMsg) Headers() gonats.Header                    { return nil }
func (m *fakeMsg) Subject() string                           { return "" }
func (m *fakeMsg) Reply() string                             { return "" }
func (m *fakeMsg) Ack() error                                { m.acked = true; return nil }
func (m *fakeMsg) DoubleAck(context.Context) error           { return nil }
func (m *fakeMsg) Nak() error                                { return nil }
func (m *fakeMsg) NakWithDelay(time.Duration) error          { return nil }
func (m *fakeMsg) InProgress() error                         { return nil }
func (m *fakeMsg) Term() error                                { return nil }
func (m *fakeMsg) TermWithReason(string) error                { return nil }

type fakeDispatcher struct {
	raw     []*contracts.RawIngestEnvelopeV1
	control []*contracts.RaceControlIntentEnvelopeV1
	err     error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, raw *contracts.RawIngestEnvelopeV1) error {
	if f.err != nil {
		return f.err
	}
	f.raw = append(f.raw, raw)
	return nil
}

func (f *fakeDispatcher) DispatchControl(ctx context.Context, control *contracts.RaceControlIntentEnvelopeV1) error {
	if f.err != nil {
		return f.err
	}
	f.control = append(f.control, control)
	return nil
}

type noOpFetcher struct{}

func (noOpFetcher) Fetch(int, time.Duration) (jetstream.MessageBatch, error) {
	panic("Fetch should not be called once ctx is already canceled")
}

func TestRunLoop_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runLoop(ctx, noOpFetcher{}, func(context.Context, jetstream.Msg) error { return nil })
	if err != context.Canceled {
		t.Fatalf("runLoop error = %v, want context.Canceled", err)
	}
}

func TestHandleRaw_MalformedEnvelopeIsAckedAsPoison(t *testing.T) {
	w := NewWorker(&fakeDispatcher{})
	msg := &fakeMsg{data: []byte("not json")}

	if err := w.handleRaw(context.Background(), msg); err != nil {
		t.Fatalf("handleRaw error = %v, want nil (poison messages are acked, not retried)", err)
	}
	if !msg.acked {
		t.Fatalf("expected poison message to be acked")
	}
}

func TestHandleRaw_ValidEnvelopeDispatchesAndAcks(t *testing.T) {
	fd := &fakeDispatcher{}
	w := NewWorker(fd)
	envelope := contracts.RawIngestEnvelopeV1{EventID: "evt-1", TrackID: "track-1"}
	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	msg := &fakeMsg{data: data}

	if err := w.handleRaw(context.Background(), msg); err != nil {
		t.Fatalf("handleRaw error = %v", err)
	}
	if !msg.acked {
		t.Fatalf("expected message to be acked after successful dispatch")
	}
	if len(fd.raw) != 1 || fd.raw[0].EventID != "evt-1" {
		t.Fatalf("dispatched raw = %+v, want one envelope with event_id evt-1", fd.raw)
	}
}

func TestHandleRaw_DispatchFailureLeavesUnacked(t *testing.T) {
	fd := &fakeDispatcher{err: context.DeadlineExceeded}
	w := NewWorker(fd)
	data, err := json.Marshal(contracts.RawIngestEnvelopeV1{EventID: "evt-2", TrackID: "track-1"})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	msg := &fakeMsg{data: data}

	if err := w.handleRaw(context.Background(), msg); err == nil {
		t.Fatalf("expected dispatch failure to propagate")
	}
	if msg.acked {
		t.Fatalf("expected message to remain unacked on dispatch failure")
	}
}

func TestHandleControl_MalformedEnvelopeIsAckedAsPoison(t *testing.T) {
	w := NewWorker(&fakeDispatcher{})
	msg := &fakeMsg{data: []byte("{not valid")}

	if err := w.handleControl(context.Background(), msg); err != nil {
		t.Fatalf("handleControl error = %v, want nil", err)
	}
	if !msg.acked {
		t.Fatalf("expected poison message to be acked")
	}
}

func TestHandleControl_ValidEnvelopeDispatchesAndAcks(t *testing.T) {
	fd := &fakeDispatcher{}
	w := NewWorker(fd)
	data, err := json.Marshal(contracts.RaceControlIntentEnvelopeV1{EventID: "evt-3", TrackID: "track-1"})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	msg := &fakeMsg{data: data}

	if err := w.handleControl(context.Background(), msg); err != nil {
		t.Fatalf("handleControl error = %v", err)
	}
	if !msg.acked {
		t.Fatalf("expected message to be acked after successful dispatch")
	}
	if len(fd.control) != 1 || fd.control[0].EventID != "evt-3" {
		t.Fatalf("dispatched control = %+v, want one envelope with event_id evt-3", fd.control)
	}
}
