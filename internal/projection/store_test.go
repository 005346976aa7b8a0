package projection

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"p3timing/internal/config"
	"p3timing/internal/contracts"
)

// setupTestStore opens a projection store against a local Postgres, skipping
// the test when none is reachable.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	user := config.EnvOrDefault("POSTGRES_USER", "p3timing")
	password := config.EnvOrDefault("POSTGRES_PASSWORD", "p3timing")
	database := config.EnvOrDefault("POSTGRES_DB", "p3timing_test")

	ctx := context.Background()
	store, err := Open(ctx, config.PostgresConfig{
		Host:     host,
		Port:     config.EnvOrDefaultInt("POSTGRES_PORT", 5432),
		User:     user,
		Password: password,
		Database: database,
	})
	if err != nil {
		t.Skipf("no postgres connection available: %v", err)
	}
	return store
}

func TestApplyRawEnvelope_DuplicateIsSuppressed(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	envelope := contracts.RawIngestEnvelopeV1{
		ContractVersion: contracts.RawIngestEnvelopeContractVersion,
		EventID:         "evt-dup-1",
		TrackID:         "track-test",
		EventIDContext:  contracts.EventIDContext{ClientID: "gw-test", BootID: "boot-test", Seq: 1},
		MessageType:     "PASSING",
		IngestedAtUS:    1_000_000,
		Payload:         json.RawMessage(`{}`),
	}
	defer store.pool.Exec(ctx, "DELETE FROM projection_dedupe WHERE idempotency_key = $1",
		contracts.BuildIdempotencyKey(envelope.TrackID, envelope.EventIDContext))

	first, err := store.ApplyRawEnvelope(ctx, envelope)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if first != OutcomeApplied {
		t.Fatalf("first outcome = %v, want applied", first)
	}

	second, err := store.ApplyRawEnvelope(ctx, envelope)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if second != OutcomeDuplicate {
		t.Fatalf("second outcome = %v, want duplicate", second)
	}
}

func TestApplyRawEnvelope_StatusUpsertsDecoderStatus(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	decoderID := "dec-test-1"
	payload, err := json.Marshal(map[string]interface{}{
		"noise":          12,
		"gps_status":     1,
		"temperature_dc": 215,
		"satellites":     9,
		"decoder_id":     decoderID,
	})
	if err != nil {
		t.Fatalf("marshal status payload: %v", err)
	}

	envelope := contracts.RawIngestEnvelopeV1{
		EventID:        "evt-status-1",
		TrackID:        "track-test",
		EventIDContext: contracts.EventIDContext{ClientID: "gw-test", BootID: "boot-test", Seq: 2},
		MessageType:    "STATUS",
		IngestedAtUS:   2_000_000,
		Payload:        payload,
	}
	defer func() {
		store.pool.Exec(ctx, "DELETE FROM projection_dedupe WHERE idempotency_key = $1",
			contracts.BuildIdempotencyKey(envelope.TrackID, envelope.EventIDContext))
		store.pool.Exec(ctx, "DELETE FROM decoder_status WHERE decoder_id = $1", decoderID)
	}()

	if _, err := store.ApplyRawEnvelope(ctx, envelope); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var noise int
	if err := store.pool.QueryRow(ctx, "SELECT noise FROM decoder_status WHERE decoder_id = $1", decoderID).Scan(&noise); err != nil {
		t.Fatalf("query decoder_status: %v", err)
	}
	if noise != 12 {
		t.Fatalf("noise = %d, want 12", noise)
	}
}

func TestApplyRaceEvent_SplitTimeAndFinish(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	trackID, motoID, riderID := "track-test", "moto-test-1", "rider-test-1"
	elapsed := uint64(45_000_000)

	splitEnvelope := contracts.RaceEventEnvelopeV1{
		EventID: "evt-split-1",
		TrackID: trackID,
		Kind:    contracts.EventSplitTime,
		Payload: contracts.SplitTimePayloadV1{
			MotoID:    motoID,
			RiderID:   riderID,
			LoopName:  "start",
			ElapsedUS: elapsed,
		},
	}
	finishEnvelope := contracts.RaceEventEnvelopeV1{
		EventID: "evt-finish-1",
		TrackID: trackID,
		Kind:    contracts.EventRiderFinished,
		Payload: contracts.RiderFinishedPayloadV1{
			MotoID:    motoID,
			RiderID:   riderID,
			Position:  1,
			ElapsedUS: elapsed,
		},
	}
	defer func() {
		store.pool.Exec(ctx, "DELETE FROM projection_dedupe WHERE idempotency_key IN ('race_event:evt-split-1', 'race_event:evt-finish-1')")
		store.pool.Exec(ctx, "DELETE FROM split_times WHERE track_id = $1 AND moto_id = $2", trackID, motoID)
		store.pool.Exec(ctx, "DELETE FROM moto_entries WHERE track_id = $1 AND moto_id = $2", trackID, motoID)
	}()

	if _, err := store.ApplyRaceEvent(ctx, splitEnvelope); err != nil {
		t.Fatalf("apply split: %v", err)
	}
	if _, err := store.ApplyRaceEvent(ctx, finishEnvelope); err != nil {
		t.Fatalf("apply finish: %v", err)
	}

	var position int
	var dnf bool
	if err := store.pool.QueryRow(ctx,
		"SELECT finish_position, dnf FROM moto_entries WHERE track_id = $1 AND moto_id = $2 AND rider_id = $3",
		trackID, motoID, riderID).Scan(&position, &dnf); err != nil {
		t.Fatalf("query moto_entries: %v", err)
	}
	if position != 1 || dnf {
		t.Fatalf("position=%d dnf=%v, want 1/false", position, dnf)
	}
}
