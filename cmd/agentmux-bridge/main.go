// Command agentmux-bridge connects a running broker to a NATS cluster. It
// republishes routed messages and agent lifecycle events on
// <prefix>.events.<kind> and turns <prefix>.send.<target> messages into
// broker sends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/agentmux/internal/bridge"
	"github.com/adred-codev/agentmux/internal/logging"
	"github.com/adred-codev/agentmux/pkg/client"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		socketFlag = flag.String("socket", "", "broker socket path (overrides AGENTMUX_SOCKET)")
		natsFlag   = flag.String("nats", "", "NATS URL (overrides AGENTMUX_NATS_URL)")
		debugFlag  = flag.Bool("debug", false, "force debug log level")
	)
	flag.Parse()

	bootLogger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "agentmux-bridge"})
	cfg, err := bridge.Load(&bootLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentmux-bridge: %v\n", err)
		return 2
	}
	if *socketFlag != "" {
		cfg.SocketPath = *socketFlag
	}
	if *natsFlag != "" {
		cfg.NATSURL = *natsFlag
	}
	if *debugFlag {
		cfg.LogLevel = "debug"
	}

	logger := logging.InitGlobal(logging.Config{
		Level:   logging.Level(cfg.LogLevel),
		Format:  logging.Format(cfg.LogFormat),
		Service: "agentmux-bridge",
	})

	brokerClient, err := client.Dial(cfg.SocketPath)
	if err != nil {
		logger.Error().Err(err).Msg("broker dial failed")
		return 1
	}
	defer brokerClient.Close()

	helloCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	ack, err := brokerClient.Hello(helloCtx, "agentmux-bridge", "1.0.0")
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("broker handshake failed")
		return 1
	}
	logger.Info().
		Str("broker_version", ack.BrokerVersion).
		Int("protocol_version", ack.ProtocolVersion).
		Msg("connected to broker")

	nc, err := bridge.ConnectNATS(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("NATS connect failed")
		return 1
	}
	defer nc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bridge.New(cfg, logger, brokerClient, nc)
	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("bridge stopped")
		return 1
	}
	logger.Info().Msg("bridge shut down")
	return 0
}
