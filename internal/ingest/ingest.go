// Package ingest implements the HTTP ingest boundary: POST /api/ingest/batch
// validates and authorizes each submitted event, then publishes it to the
// raw ingest subject for the race actor to pick up.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"p3timing/internal/broker"
	"p3timing/internal/codec"
	"p3timing/internal/contracts"
)

const maxEventPayloadBytes = 16 * 1024

// EventPublisher is the subset of *broker.Broker the ingest handler needs;
// narrowing to an interface lets tests substitute a fake instead of a live
// NATS connection.
type EventPublisher interface {
	PublishWithMsgID(ctx context.Context, subject, msgID string, payload []byte) (broker.PublishOutcome, error)
}

// Authorizer reports whether clientID may submit events for trackID. The
// control plane populates this from its track/gateway-credential tables; a
// nil Authorizer authorizes everything, which is only appropriate for local
// development.
type Authorizer interface {
	Allowed(trackID, clientID string) bool
}

// AllowList is a static, config-loaded Authorizer: trackID -> set of
// permitted client_ids.
type AllowList map[string]map[string]struct{}

func (a AllowList) Allowed(trackID, clientID string) bool {
	clients, ok := a[trackID]
	if !ok {
		return false
	}
	_, ok = clients[clientID]
	return ok
}

// Server holds the dependencies the ingest handlers need.
type Server struct {
	broker     EventPublisher
	authorizer Authorizer
	router     chi.Router
}

func NewServer(b EventPublisher, authorizer Authorizer) *Server {
	s := &Server{broker: b, authorizer: authorizer}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Post("/ingest/batch", s.handleIngestBatch)
	})
	return r
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req contracts.TrackIngestBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	if req.ContractVersion != contracts.TrackIngestContractVersion {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported contract_version: %s", req.ContractVersion))
		return
	}
	if strings.TrimSpace(req.TrackID) == "" {
		writeError(w, http.StatusBadRequest, "track_id is required")
		return
	}
	if len(req.Events) == 0 {
		writeJSON(w, http.StatusOK, contracts.TrackIngestBatchResponse{})
		return
	}

	resp := s.processBatch(r.Context(), req)
	writeJSON(w, batchStatus(resp), resp)
}

// batchStatus returns the aggregate HTTP status for a batch response: 200
// when every item is ok, otherwise 207 Multi-Status, which is also a 2xx
// status; callers read the per-item statuses to see which items landed.
func batchStatus(resp contracts.TrackIngestBatchResponse) int {
	for _, result := range resp.Results {
		if result.Status != contracts.ItemStatusOK {
			return http.StatusMultiStatus
		}
	}
	return http.StatusOK
}

func (s *Server) processBatch(ctx context.Context, req contracts.TrackIngestBatchRequest) contracts.TrackIngestBatchResponse {
	results := make([]contracts.ItemResult, len(req.Events))
	var accepted, duplicates int

	for i, event := range req.Events {
		status, duplicate := s.processItem(ctx, req, event)
		results[i] = contracts.ItemResult{EventID: event.EventID, Status: status}
		if status == contracts.ItemStatusOK {
			if duplicate {
				duplicates++
			} else {
				accepted++
			}
		}
	}

	return contracts.TrackIngestBatchResponse{
		Results:    results,
		Accepted:   accepted,
		Duplicates: duplicates,
	}
}

func (s *Server) processItem(ctx context.Context, req contracts.TrackIngestBatchRequest, event contracts.TrackIngestEvent) (contracts.ItemStatus, bool) {
	if event.TrackID == "" || event.TrackID != req.TrackID {
		return contracts.ItemStatusBadContract, false
	}
	if event.EventIDContext.ClientID == "" || event.EventIDContext.BootID == "" {
		return contracts.ItemStatusBadContract, false
	}
	if len(event.Payload) > maxEventPayloadBytes {
		return contracts.ItemStatusTooLarge, false
	}
	if s.authorizer != nil && !s.authorizer.Allowed(req.TrackID, req.ClientID) {
		return contracts.ItemStatusUnauthorized, false
	}

	var msg codec.Message
	if err := json.Unmarshal(event.Payload, &msg); err != nil {
		return contracts.ItemStatusMalformed, false
	}
	if msg.Type.String() != event.MessageType {
		return contracts.ItemStatusMalformed, false
	}

	envelope := contracts.RawIngestEnvelopeV1{
		ContractVersion: contracts.RawIngestEnvelopeContractVersion,
		EventID:         event.EventID,
		TrackID:         event.TrackID,
		EventIDContext:  event.EventIDContext,
		MessageType:     event.MessageType,
		CapturedAtUS:    event.CapturedAtUS,
		IngestedAtUS:    uint64(time.Now().UnixMicro()),
		Payload:         event.Payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return contracts.ItemStatusMalformed, false
	}

	msgID := contracts.BuildIdempotencyKey(event.TrackID, event.EventIDContext)
	outcome, err := s.broker.PublishWithMsgID(ctx, contracts.RawIngestSubject(event.TrackID), msgID, body)
	if err != nil {
		return contracts.ItemStatusMalformed, false
	}
	return contracts.ItemStatusOK, outcome.Duplicate
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
