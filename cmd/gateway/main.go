// Command gateway is the track-side process: it dials a decoder's TCP byte
// stream, frames and batches its messages, and publishes them to the ingest
// boundary, spooling to a local SQLite file when the boundary is
// unreachable.
//
// Usage:
//
//	gateway [options]
//
// Options:
//
//	-decoder-addr ADDR     Decoder TCP address, host:port (env: DECODER_ADDR)
//	-ingest-url URL        Ingest boundary base URL (env: INGEST_URL)
//	-track-id ID           Track this decoder belongs to (env: TRACK_ID)
//	-client-id ID          This gateway's client id (env: CLIENT_ID)
//	-spool-path PATH       SQLite spool file path (default: ./gateway_spool.db, env: SPOOL_PATH)
//	-spool-capacity N      Max spooled events before oldest are evicted (default: 100000)
//	-batch-size N          Events per batch (default: 50)
//	-batch-interval MS     Max time to hold a partial batch, in ms (default: 500)
//	-reconnect-delay MS    Delay between decoder reconnect attempts, in ms (default: 2000)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"p3timing/internal/config"
	"p3timing/internal/gateway"
	"p3timing/internal/spool"
)

func main() {
	decoderAddr := flag.String("decoder-addr", config.EnvOrDefault("DECODER_ADDR", ""), "Decoder TCP address, host:port")
	ingestURL := flag.String("ingest-url", config.EnvOrDefault("INGEST_URL", "http://localhost:8080"), "Ingest boundary base URL")
	trackID := flag.String("track-id", config.EnvOrDefault("TRACK_ID", ""), "Track this decoder belongs to")
	clientID := flag.String("client-id", config.EnvOrDefault("CLIENT_ID", ""), "This gateway's client id")
	spoolPath := flag.String("spool-path", config.EnvOrDefault("SPOOL_PATH", "./gateway_spool.db"), "SQLite spool file path")
	spoolCapacity := flag.Int("spool-capacity", config.EnvOrDefaultInt("SPOOL_CAPACITY", 100_000), "Max spooled events before oldest are evicted")
	batchSize := flag.Int("batch-size", config.EnvOrDefaultInt("BATCH_SIZE", 50), "Events per batch")
	batchIntervalMS := flag.Int("batch-interval", config.EnvOrDefaultInt("BATCH_INTERVAL_MS", 500), "Max time to hold a partial batch, in ms")
	reconnectDelayMS := flag.Int("reconnect-delay", config.EnvOrDefaultInt("RECONNECT_DELAY_MS", 2000), "Delay between decoder reconnect attempts, in ms")
	flag.Parse()

	if *decoderAddr == "" || *trackID == "" || *clientID == "" {
		fmt.Fprintln(os.Stderr, "gateway: -decoder-addr, -track-id, and -client-id are required")
		os.Exit(2)
	}

	sp, err := spool.Open(*spoolPath, *spoolCapacity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: opening spool: %v\n", err)
		os.Exit(1)
	}
	defer sp.Close()

	publisher := gateway.NewHTTPPublisher(*ingestURL)
	gw := gateway.New(gateway.Config{
		TrackID:       *trackID,
		ClientID:      *clientID,
		BatchSize:     *batchSize,
		BatchInterval: time.Duration(*batchIntervalMS) * time.Millisecond,
	}, publisher, sp)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.DrainSpool(ctx); err != nil {
		log.Printf("gateway: initial spool drain failed, continuing: %v", err)
	}

	reconnectDelay := time.Duration(*reconnectDelayMS) * time.Millisecond
	for ctx.Err() == nil {
		if err := runOnce(ctx, gw, *decoderAddr); err != nil {
			log.Printf("gateway: decoder connection ended: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func runOnce(ctx context.Context, gw *gateway.Gateway, decoderAddr string) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", decoderAddr)
	if err != nil {
		return fmt.Errorf("dial decoder %s: %w", decoderAddr, err)
	}
	defer conn.Close()

	log.Printf("gateway: connected to decoder at %s", decoderAddr)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return gw.Run(ctx, conn)
}
