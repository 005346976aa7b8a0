// Package projection owns the third and final idempotency layer plus the
// materialized read model: a Postgres-backed projection_dedupe table keyed
// on the same idempotency key the broker and dedupe.Ring use for raw
// envelopes, and on race_event:<event_id> for derived race events, and the
// split_times, moto_entries, and decoder_status tables subscribers query
// against instead of replaying the event log themselves.
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"p3timing/internal/codec"
	"p3timing/internal/config"
	"p3timing/internal/contracts"
)

// Store wraps a Postgres connection pool holding the projection_dedupe table
// and the derived read-model tables.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the projection database and provisions its schema. It is
// safe to call against an already-provisioned database.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS projection_dedupe (
		idempotency_key TEXT PRIMARY KEY,
		processed_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS decoder_status (
		decoder_id      TEXT PRIMARY KEY,
		track_id        TEXT NOT NULL,
		noise           INTEGER NOT NULL,
		temperature_dc  INTEGER NOT NULL,
		gps_status      INTEGER NOT NULL,
		satellites      INTEGER NOT NULL,
		last_seen       TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS decoder_status_track_id_idx ON decoder_status (track_id);

	CREATE TABLE IF NOT EXISTS split_times (
		track_id    TEXT NOT NULL,
		moto_id     TEXT NOT NULL,
		rider_id    TEXT NOT NULL,
		loop_name   TEXT NOT NULL,
		elapsed_us  BIGINT NOT NULL,
		gap_us      BIGINT,
		is_finish   BOOLEAN NOT NULL DEFAULT FALSE,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (track_id, moto_id, rider_id, loop_name)
	);

	CREATE TABLE IF NOT EXISTS moto_entries (
		track_id        TEXT NOT NULL,
		moto_id         TEXT NOT NULL,
		rider_id        TEXT NOT NULL,
		finish_position INTEGER,
		elapsed_us      BIGINT,
		dnf             BOOLEAN NOT NULL DEFAULT FALSE,
		dns             BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (track_id, moto_id, rider_id)
	);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure projection schema: %w", err)
	}
	return nil
}

// Outcome reports whether a projection write was newly applied or was
// already recorded under the same idempotency key.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
)

// claim inserts key into projection_dedupe, reporting OutcomeDuplicate
// without error when the key has already been claimed by a prior delivery.
func (s *Store) claim(ctx context.Context, key string) (Outcome, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO projection_dedupe (idempotency_key) VALUES ($1) ON CONFLICT (idempotency_key) DO NOTHING`,
		key)
	if err != nil {
		return "", fmt.Errorf("claim idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return OutcomeDuplicate, nil
	}
	return OutcomeApplied, nil
}

// ApplyRawEnvelope claims envelope's idempotency key and, for STATUS
// messages, rolls the decoder's telemetry into decoder_status. PASSING and
// VERSION messages only need the dedupe claim: their durable read model is
// built from the derived race-events stream instead, via ApplyRaceEvent.
func (s *Store) ApplyRawEnvelope(ctx context.Context, envelope contracts.RawIngestEnvelopeV1) (Outcome, error) {
	key := contracts.BuildIdempotencyKey(envelope.TrackID, envelope.EventIDContext)
	outcome, err := s.claim(ctx, key)
	if err != nil || outcome == OutcomeDuplicate {
		return outcome, err
	}

	if envelope.MessageType != "STATUS" {
		return OutcomeApplied, nil
	}
	var status codec.Status
	if err := json.Unmarshal(envelope.Payload, &status); err != nil {
		return "", fmt.Errorf("decode status payload: %w", err)
	}
	if status.DecoderID == nil {
		return OutcomeApplied, nil
	}
	if err := s.upsertDecoderStatus(ctx, envelope.TrackID, *status.DecoderID, status, envelope.IngestedAtUS); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (s *Store) upsertDecoderStatus(ctx context.Context, trackID, decoderID string, status codec.Status, ingestedAtUS uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO decoder_status (decoder_id, track_id, noise, temperature_dc, gps_status, satellites, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, to_timestamp($7 / 1000000.0))
		ON CONFLICT (decoder_id) DO UPDATE SET
			track_id       = EXCLUDED.track_id,
			noise          = EXCLUDED.noise,
			temperature_dc = EXCLUDED.temperature_dc,
			gps_status     = EXCLUDED.gps_status,
			satellites     = EXCLUDED.satellites,
			last_seen      = EXCLUDED.last_seen
	`, decoderID, trackID, int32(status.Noise), int32(status.TemperatureDC), int32(status.GPSStatus), int32(status.Satellites), float64(ingestedAtUS))
	if err != nil {
		return fmt.Errorf("upsert decoder_status: %w", err)
	}
	return nil
}

// DecoderStatuses returns the current rolled-up telemetry row for every
// decoder last seen reporting under trackID, used to bootstrap the live
// endpoint's decoder-channel snapshot.
func (s *Store) DecoderStatuses(ctx context.Context, trackID string) ([]contracts.DecoderStatusRowV1, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT decoder_id, noise, temperature_dc, gps_status, satellites,
		       (EXTRACT(EPOCH FROM last_seen) * 1000000)::BIGINT
		FROM decoder_status
		WHERE track_id = $1
		ORDER BY decoder_id
	`, trackID)
	if err != nil {
		return nil, fmt.Errorf("query decoder_status: %w", err)
	}
	defer rows.Close()

	var out []contracts.DecoderStatusRowV1
	for rows.Next() {
		var decoderID string
		var noise, tempDC, gpsStatus, satellites int32
		var lastSeenUS int64
		if err := rows.Scan(&decoderID, &noise, &tempDC, &gpsStatus, &satellites, &lastSeenUS); err != nil {
			return nil, fmt.Errorf("scan decoder_status row: %w", err)
		}
		out = append(out, contracts.DecoderStatusRowV1{
			DecoderID:  decoderID,
			Noise:      uint16(noise),
			TempDC:     int16(tempDC),
			GPSStatus:  uint8(gpsStatus),
			Satellites: uint8(satellites),
			LastSeenUS: uint64(lastSeenUS),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decoder_status rows: %w", err)
	}
	return out, nil
}

// ApplyRaceEvent claims a derived race event's idempotency key (its
// EventID, already unique per emission) and, for the event kinds that feed
// the read model, writes split_times/moto_entries rows.
func (s *Store) ApplyRaceEvent(ctx context.Context, envelope contracts.RaceEventEnvelopeV1) (Outcome, error) {
	outcome, err := s.claim(ctx, "race_event:"+envelope.EventID)
	if err != nil || outcome == OutcomeDuplicate {
		return outcome, err
	}

	switch envelope.Kind {
	case contracts.EventSplitTime:
		if err := s.applySplitTime(ctx, envelope); err != nil {
			return "", err
		}
	case contracts.EventRiderFinished:
		if err := s.applyRiderFinished(ctx, envelope); err != nil {
			return "", err
		}
	case contracts.EventRaceFinished:
		if err := s.applyRaceFinished(ctx, envelope); err != nil {
			return "", err
		}
	}
	return OutcomeApplied, nil
}

func (s *Store) applySplitTime(ctx context.Context, envelope contracts.RaceEventEnvelopeV1) error {
	payload, err := decodePayload[contracts.SplitTimePayloadV1](envelope.Payload)
	if err != nil {
		return fmt.Errorf("decode split time payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO split_times (track_id, moto_id, rider_id, loop_name, elapsed_us, gap_us, is_finish)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (track_id, moto_id, rider_id, loop_name) DO UPDATE SET
			elapsed_us = EXCLUDED.elapsed_us,
			gap_us     = EXCLUDED.gap_us,
			is_finish  = EXCLUDED.is_finish
	`, envelope.TrackID, payload.MotoID, payload.RiderID, payload.LoopName, int64(payload.ElapsedUS), optionalInt64(payload.GapUS), payload.IsFinish)
	if err != nil {
		return fmt.Errorf("upsert split_times: %w", err)
	}
	return nil
}

func (s *Store) applyRiderFinished(ctx context.Context, envelope contracts.RaceEventEnvelopeV1) error {
	payload, err := decodePayload[contracts.RiderFinishedPayloadV1](envelope.Payload)
	if err != nil {
		return fmt.Errorf("decode rider finished payload: %w", err)
	}
	return s.upsertMotoEntry(ctx, envelope.TrackID, payload.MotoID, payload.RiderID, &payload.Position, int64(payload.ElapsedUS), false, false)
}

func (s *Store) applyRaceFinished(ctx context.Context, envelope contracts.RaceEventEnvelopeV1) error {
	payload, err := decodePayload[contracts.RaceFinishedPayloadV1](envelope.Payload)
	if err != nil {
		return fmt.Errorf("decode race finished payload: %w", err)
	}
	for _, result := range payload.Results {
		position := result.Position
		var elapsed int64
		if result.ElapsedUS != nil {
			elapsed = int64(*result.ElapsedUS)
		}
		if err := s.upsertMotoEntry(ctx, envelope.TrackID, payload.MotoID, result.RiderID, &position, elapsed, result.DNF, result.DNS); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertMotoEntry(ctx context.Context, trackID, motoID, riderID string, position *int, elapsedUS int64, dnf, dns bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO moto_entries (track_id, moto_id, rider_id, finish_position, elapsed_us, dnf, dns, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (track_id, moto_id, rider_id) DO UPDATE SET
			finish_position = EXCLUDED.finish_position,
			elapsed_us      = EXCLUDED.elapsed_us,
			dnf             = EXCLUDED.dnf,
			dns             = EXCLUDED.dns,
			updated_at      = EXCLUDED.updated_at
	`, trackID, motoID, riderID, position, elapsedUS, dnf, dns)
	if err != nil {
		return fmt.Errorf("upsert moto_entries: %w", err)
	}
	return nil
}

func optionalInt64(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	i := int64(*v)
	return &i
}

// decodePayload re-marshals an envelope's interface{} payload and decodes it
// into T. RaceEventEnvelopeV1.Payload arrives as either json.RawMessage
// (read straight off the wire) or an already-typed struct (constructed
// in-process by the engine's mapping layer), so this round-trip keeps both
// call sites correct without a type switch at every use.
func decodePayload[T any](payload interface{}) (T, error) {
	var out T
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return out, err
		}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
