package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"p3timing/internal/broker"
	"p3timing/internal/codec"
	"p3timing/internal/contracts"
)

type fakeBroker struct {
	published map[string][]byte
	duplicate bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{published: make(map[string][]byte)}
}

func (f *fakeBroker) PublishWithMsgID(ctx context.Context, subject, msgID string, payload []byte) (broker.PublishOutcome, error) {
	if _, exists := f.published[msgID]; exists {
		return broker.PublishOutcome{Duplicate: true}, nil
	}
	f.published[msgID] = payload
	return broker.PublishOutcome{Duplicate: f.duplicate}, nil
}

func passingPayload(t *testing.T) []byte {
	t.Helper()
	msg := codec.Message{
		Type: codec.MessageTypePassing,
		Passing: &codec.Passing{
			PassingNumber: 1,
			TransponderID: 101,
			RTCTimeUS:     1_000_000,
			Flags:         0,
		},
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal passing: %v", err)
	}
	return b
}

func postBatch(t *testing.T, srv *Server, req contracts.TrackIngestBatchRequest, wantStatus int) contracts.TrackIngestBatchResponse {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/api/ingest/batch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httpReq)

	if rec.Code != wantStatus {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, wantStatus, rec.Body.String())
	}
	var resp contracts.TrackIngestBatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestIngestBatch_AcceptsValidEvent(t *testing.T) {
	fb := newFakeBroker()
	srv := NewServer(fb, nil)

	req := contracts.TrackIngestBatchRequest{
		ContractVersion: contracts.TrackIngestContractVersion,
		TrackID:         "track-1",
		ClientID:        "gw-1",
		Events: []contracts.TrackIngestEvent{{
			EventID:        "evt-1",
			TrackID:        "track-1",
			EventIDContext: contracts.EventIDContext{ClientID: "gw-1", BootID: "boot-1", Seq: 0},
			MessageType:    "PASSING",
			Payload:        passingPayload(t),
		}},
	}

	resp := postBatch(t, srv, req, http.StatusOK)
	if resp.Accepted != 1 || len(resp.Results) != 1 || resp.Results[0].Status != contracts.ItemStatusOK {
		t.Fatalf("resp = %+v, want 1 accepted ok item", resp)
	}
}

func TestIngestBatch_RejectsBadContractVersion(t *testing.T) {
	fb := newFakeBroker()
	srv := NewServer(fb, nil)

	body, _ := json.Marshal(contracts.TrackIngestBatchRequest{
		ContractVersion: "wrong.v0",
		TrackID:         "track-1",
	})
	httpReq := httptest.NewRequest(http.MethodPost, "/api/ingest/batch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httpReq)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestIngestBatch_MismatchedTrackIDIsBadContract(t *testing.T) {
	fb := newFakeBroker()
	srv := NewServer(fb, nil)

	req := contracts.TrackIngestBatchRequest{
		ContractVersion: contracts.TrackIngestContractVersion,
		TrackID:         "track-1",
		Events: []contracts.TrackIngestEvent{{
			EventID:        "evt-1",
			TrackID:        "track-2",
			EventIDContext: contracts.EventIDContext{ClientID: "gw-1", BootID: "boot-1"},
			MessageType:    "PASSING",
			Payload:        passingPayload(t),
		}},
	}

	resp := postBatch(t, srv, req, http.StatusMultiStatus)
	if resp.Accepted != 0 || resp.Results[0].Status != contracts.ItemStatusBadContract {
		t.Fatalf("resp = %+v, want bad_contract", resp)
	}
}

func TestIngestBatch_UnauthorizedClientIsRejected(t *testing.T) {
	fb := newFakeBroker()
	srv := NewServer(fb, AllowList{"track-1": {"gw-allowed": {}}})

	req := contracts.TrackIngestBatchRequest{
		ContractVersion: contracts.TrackIngestContractVersion,
		TrackID:         "track-1",
		ClientID:        "gw-unknown",
		Events: []contracts.TrackIngestEvent{{
			EventID:        "evt-1",
			TrackID:        "track-1",
			EventIDContext: contracts.EventIDContext{ClientID: "gw-unknown", BootID: "boot-1"},
			MessageType:    "PASSING",
			Payload:        passingPayload(t),
		}},
	}

	resp := postBatch(t, srv, req, http.StatusMultiStatus)
	if resp.Accepted != 0 || resp.Results[0].Status != contracts.ItemStatusUnauthorized {
		t.Fatalf("resp = %+v, want unauthorized", resp)
	}
}

func TestIngestBatch_DuplicateCountedSeparately(t *testing.T) {
	fb := newFakeBroker()
	srv := NewServer(fb, nil)

	event := contracts.TrackIngestEvent{
		EventID:        "evt-1",
		TrackID:        "track-1",
		EventIDContext: contracts.EventIDContext{ClientID: "gw-1", BootID: "boot-1", Seq: 0},
		MessageType:    "PASSING",
		Payload:        passingPayload(t),
	}
	req := contracts.TrackIngestBatchRequest{
		ContractVersion: contracts.TrackIngestContractVersion,
		TrackID:         "track-1",
		ClientID:        "gw-1",
		Events:          []contracts.TrackIngestEvent{event},
	}

	first := postBatch(t, srv, req, http.StatusOK)
	if first.Accepted != 1 || first.Duplicates != 0 {
		t.Fatalf("first = %+v, want 1 accepted", first)
	}

	second := postBatch(t, srv, req, http.StatusOK)
	if second.Accepted != 0 || second.Duplicates != 1 {
		t.Fatalf("second = %+v, want 1 duplicate", second)
	}
}

func TestIngestBatch_EmptyEventsReturnsZeroCounts(t *testing.T) {
	fb := newFakeBroker()
	srv := NewServer(fb, nil)

	resp := postBatch(t, srv, contracts.TrackIngestBatchRequest{
		ContractVersion: contracts.TrackIngestContractVersion,
		TrackID:         "track-1",
	}, http.StatusOK)
	if resp.Accepted != 0 || resp.Duplicates != 0 || len(resp.Results) != 0 {
		t.Fatalf("resp = %+v, want all zero", resp)
	}
}
