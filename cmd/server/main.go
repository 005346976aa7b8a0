// Command server runs the ingest boundary, per-track race actors, the
// projection and audit sinks, the race-control API, and the live
// WebSocket fanout in one process, all sharing one JetStream connection.
//
// Usage:
//
//	server [options]
//
// Options:
//
//	-http-addr ADDR         HTTP listen address (default: :8080, env: HTTP_ADDR)
//	-nats-url URL           NATS server URL (default: nats://localhost:4222, env: NATS_URL)
//	-pg-host HOST           PostgreSQL host (env: POSTGRES_HOST)
//	-pg-port PORT           PostgreSQL port (default: 5432, env: POSTGRES_PORT)
//	-pg-database DB         PostgreSQL database (default: p3timing, env: POSTGRES_DATABASE)
//	-pg-user USER           PostgreSQL user (default: p3timing, env: POSTGRES_USER)
//	-pg-password PASS       PostgreSQL password (env: POSTGRES_PASSWORD)
//	-clickhouse-host HOST   ClickHouse host (env: CLICKHOUSE_HOST)
//	-clickhouse-port PORT   ClickHouse native port (default: 9000, env: CLICKHOUSE_PORT)
//	-clickhouse-database DB ClickHouse database (default: p3timing, env: CLICKHOUSE_DB)
//	-clickhouse-user USER   ClickHouse user (default: default, env: CLICKHOUSE_USER)
//	-clickhouse-password PW ClickHouse password (env: CLICKHOUSE_PASSWORD)
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"p3timing/internal/actor"
	"p3timing/internal/audit"
	"p3timing/internal/broker"
	"p3timing/internal/config"
	"p3timing/internal/contracts"
	"p3timing/internal/control"
	"p3timing/internal/ingest"
	"p3timing/internal/live"
	"p3timing/internal/projection"
	"p3timing/internal/worker"
)

func main() {
	httpAddr := flag.String("http-addr", config.EnvOrDefault("HTTP_ADDR", ":8080"), "HTTP listen address")
	natsURL := flag.String("nats-url", config.EnvOrDefault("NATS_URL", "nats://localhost:4222"), "NATS server URL")

	pgHost := flag.String("pg-host", config.EnvOrDefault("POSTGRES_HOST", "localhost"), "PostgreSQL host")
	pgPort := flag.Int("pg-port", config.EnvOrDefaultInt("POSTGRES_PORT", 5432), "PostgreSQL port")
	pgDB := flag.String("pg-database", config.EnvOrDefault("POSTGRES_DATABASE", "p3timing"), "PostgreSQL database")
	pgUser := flag.String("pg-user", config.EnvOrDefault("POSTGRES_USER", "p3timing"), "PostgreSQL user")
	pgPassword := flag.String("pg-password", config.EnvOrDefault("POSTGRES_PASSWORD", ""), "PostgreSQL password")

	chHost := flag.String("clickhouse-host", config.EnvOrDefault("CLICKHOUSE_HOST", "localhost"), "ClickHouse host")
	chPort := flag.Int("clickhouse-port", config.EnvOrDefaultInt("CLICKHOUSE_PORT", 9000), "ClickHouse native port")
	chDB := flag.String("clickhouse-database", config.EnvOrDefault("CLICKHOUSE_DB", "p3timing"), "ClickHouse database")
	chUser := flag.String("clickhouse-user", config.EnvOrDefault("CLICKHOUSE_USER", "default"), "ClickHouse user")
	chPassword := flag.String("clickhouse-password", config.EnvOrDefault("CLICKHOUSE_PASSWORD", ""), "ClickHouse password")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, options{
		httpAddr: *httpAddr,
		natsURL:  *natsURL,
		postgres: config.PostgresConfig{Host: *pgHost, Port: *pgPort, Database: *pgDB, User: *pgUser, Password: *pgPassword},
		clickhouse: config.ClickHouseConfig{
			Host: *chHost, Port: *chPort, Database: *chDB, User: *chUser, Password: *chPassword,
		},
	}); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	httpAddr   string
	natsURL    string
	postgres   config.PostgresConfig
	clickhouse config.ClickHouseConfig
}

func run(ctx context.Context, opts options) error {
	b, err := broker.Connect(ctx, opts.natsURL)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer b.Close()

	store, err := projection.Open(ctx, opts.postgres)
	if err != nil {
		return fmt.Errorf("open projection store: %w", err)
	}
	defer store.Close()

	auditWriter, err := audit.Open(ctx, opts.clickhouse)
	if err != nil {
		return fmt.Errorf("open audit writer: %w", err)
	}
	defer auditWriter.Close()

	registry := actor.NewRegistry(b, auditWriter)

	mux := http.NewServeMux()
	mux.Handle("/api/ingest/", ingest.NewServer(b, nil))
	mux.Handle("/api/race/", control.NewServer(b))
	mux.Handle("/ws/v1/live", live.NewServer(b, store))

	httpServer := &http.Server{Addr: opts.httpAddr, Handler: mux}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-groupCtx.Done()
		return httpServer.Close()
	})
	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	raceWorker := worker.NewWorker(registry)
	projectionWorker := projection.NewWorker(store)

	group.Go(func() error {
		consumer, err := b.NewPullConsumer(groupCtx, contracts.RawIngestStreamName, worker.RawConsumerName, contracts.RawIngestSubjectFilter)
		if err != nil {
			return fmt.Errorf("create raw ingest consumer: %w", err)
		}
		return raceWorker.RunRawIngest(groupCtx, consumer)
	})
	group.Go(func() error {
		consumer, err := b.NewPullConsumer(groupCtx, contracts.RaceControlStreamName, worker.ControlConsumerName, contracts.RaceControlSubjectFilter)
		if err != nil {
			return fmt.Errorf("create race control consumer: %w", err)
		}
		return raceWorker.RunRaceControl(groupCtx, consumer)
	})
	group.Go(func() error {
		consumer, err := b.NewPullConsumer(groupCtx, contracts.RawIngestStreamName, projection.DecoderStatusConsumerName, contracts.RawIngestSubjectFilter)
		if err != nil {
			return fmt.Errorf("create decoder status consumer: %w", err)
		}
		return projectionWorker.RunRawIngest(groupCtx, consumer)
	})
	group.Go(func() error {
		consumer, err := b.NewPullConsumer(groupCtx, contracts.RaceEventsStreamName, projection.ReadModelConsumerName, contracts.RaceEventsSubjectFilter)
		if err != nil {
			return fmt.Errorf("create read model consumer: %w", err)
		}
		return projectionWorker.RunRaceEvents(groupCtx, consumer)
	})

	err = group.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
