// Package control implements the race-control HTTP boundary: operator
// commands that stage a moto, reset a track, or force a race to finish.
// Each request is turned into a persisted RaceControlIntentEnvelopeV1 and
// published to the track's control subject; the target track actor picks it
// up from there, so a request only fails fast on validation, never on
// engine state (a Stage while racing is accepted here and refused by the
// engine itself, visible to the operator as an unchanged race state).
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"p3timing/internal/broker"
	"p3timing/internal/contracts"
)

// IntentPublisher is the subset of *broker.Broker the control handlers need.
type IntentPublisher interface {
	PublishWithMsgID(ctx context.Context, subject, msgID string, payload []byte) (broker.PublishOutcome, error)
}

// StageRequest is the body of POST /api/race/stage. TrackConfig and Riders
// are required because no separate moto/track catalog is in scope here: the
// operator UI holds the authoritative track and entry list and submits it
// with every stage command.
type StageRequest struct {
	TrackID     string                    `json:"track_id"`
	MotoID      string                    `json:"moto_id"`
	ClassName   string                    `json:"class_name,omitempty"`
	TrackConfig contracts.TrackConfigV1   `json:"track_config"`
	Riders      []contracts.StagedRiderV1 `json:"riders"`
}

// TrackRequest is the body of POST /api/race/reset and /api/race/force-finish.
type TrackRequest struct {
	TrackID string `json:"track_id"`
}

// Server holds the dependencies the control handlers need.
type Server struct {
	broker IntentPublisher
	router chi.Router
}

func NewServer(b IntentPublisher) *Server {
	s := &Server{broker: b}
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
	r.Use(middleware.Timeout(10 * time.Second))

	r.Route("/api/race", func(r chi.Router) {
		r.Post("/stage", s.handleStage)
		r.Post("/reset", s.handleReset)
		r.Post("/force-finish", s.handleForceFinish)
	})
	return r
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	var req StageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.TrackID) == "" || strings.TrimSpace(req.MotoID) == "" {
		writeError(w, http.StatusBadRequest, "track_id and moto_id are required")
		return
	}
	if len(req.Riders) == 0 {
		writeError(w, http.StatusBadRequest, "riders must not be empty")
		return
	}

	trackConfig := req.TrackConfig
	intent := contracts.RaceControlIntentV1{
		Kind:        contracts.ControlStage,
		TrackID:     req.TrackID,
		MotoID:      req.MotoID,
		ClassName:   req.ClassName,
		TrackConfig: &trackConfig,
		Riders:      req.Riders,
	}
	s.publishIntent(w, r, req.TrackID, intent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.TrackID) == "" {
		writeError(w, http.StatusBadRequest, "track_id is required")
		return
	}
	s.publishIntent(w, r, req.TrackID, contracts.RaceControlIntentV1{
		Kind:    contracts.ControlReset,
		TrackID: req.TrackID,
	})
}

func (s *Server) handleForceFinish(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.TrackID) == "" {
		writeError(w, http.StatusBadRequest, "track_id is required")
		return
	}
	s.publishIntent(w, r, req.TrackID, contracts.RaceControlIntentV1{
		Kind:    contracts.ControlForceFinish,
		TrackID: req.TrackID,
	})
}

func (s *Server) publishIntent(w http.ResponseWriter, r *http.Request, trackID string, intent contracts.RaceControlIntentV1) {
	eventID := uuid.NewString()
	envelope := contracts.RaceControlIntentEnvelopeV1{
		ContractVersion: contracts.RaceControlEnvelopeContractVersion,
		EventID:         eventID,
		TrackID:         trackID,
		TsUS:            uint64(time.Now().UnixMicro()),
		Intent:          intent,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode control intent: "+err.Error())
		return
	}

	subject := contracts.RaceControlSubject(trackID)
	if _, err := s.broker.PublishWithMsgID(r.Context(), subject, eventID, body); err != nil {
		writeError(w, http.StatusServiceUnavailable, "publish control intent: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"event_id": eventID,
		"track_id": trackID,
		"status":   "accepted",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
