// Command busgateway runs a standalone embedded NATS broker so multiple
// cogcore orchestrator processes (or an operator's ad-hoc clients) can
// exchange worker heartbeats and bus traffic across process boundaries,
// grounded on the monitor's cmd/nats-bridge for its flag parsing and
// signal-driven shutdown shape, adapted away from that command's
// captain/sergeant forwarding logic: this process bootstraps one broker
// rather than relaying between two existing ones.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ry-ht/cogcore/internal/nats"
)

func main() {
	port := flag.Int("port", 4222, "NATS listen port")
	wsPort := flag.Int("ws-port", 0, "WebSocket listen port (0 disables it)")
	jetstream := flag.Bool("jetstream", true, "enable JetStream persistence")
	dataDir := flag.String("data-dir", "cogcore-busgateway-data", "JetStream data directory")
	flag.Parse()

	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	srv, err := nats.NewEmbeddedServer(nats.EmbeddedServerConfig{
		Port:          *port,
		WebSocketPort: *wsPort,
		JetStream:     *jetstream,
		DataDir:       *dataDir,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("construct embedded broker")
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start embedded broker")
	}
	defer srv.Shutdown()

	logger.Info().Str("url", srv.URL()).Msg("broker listening")
	if *wsPort != 0 {
		logger.Info().Str("url", srv.WebSocketURL()).Msg("broker websocket listening")
	}

	if *jetstream {
		if err := setupStreams(srv.URL()); err != nil {
			logger.Error().Err(err).Msg("configure streams")
		} else {
			logger.Info().Msg("streams configured")
		}
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	logger.Info().Msg("shutdown signal received")
	fmt.Println("busgateway stopped")
}

func setupStreams(url string) error {
	client, err := nats.NewClient(url, "busgateway-streams")
	if err != nil {
		return err
	}
	defer client.Close()

	sm, err := nats.NewStreamManager(client.RawConn())
	if err != nil {
		return err
	}
	return sm.SetupStreams()
}
