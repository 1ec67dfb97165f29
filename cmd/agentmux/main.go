// Command agentmux runs the coordination broker: a UNIX-socket control
// server, the agent registry and delivery engine behind it, and an optional
// HTTP observability listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/agentmux/internal/broker"
	"github.com/adred-codev/agentmux/internal/config"
	"github.com/adred-codev/agentmux/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		socketFlag = flag.String("socket", "", "control socket path (overrides AGENTMUX_SOCKET)")
		fleetFlag  = flag.String("fleet", "", "fleet YAML spawned at startup (overrides AGENTMUX_FLEET)")
		httpFlag   = flag.String("http", "", "observability listener address (overrides AGENTMUX_HTTP_ADDR)")
		debugFlag  = flag.Bool("debug", false, "force debug log level")
	)
	flag.Parse()

	bootLogger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "agentmux"})
	cfg, err := config.Load(&bootLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentmux: %v\n", err)
		return 2
	}
	if *socketFlag != "" {
		cfg.SocketPath = *socketFlag
	}
	if *fleetFlag != "" {
		cfg.FleetPath = *fleetFlag
	}
	if *httpFlag != "" {
		cfg.HTTPAddr = *httpFlag
	}
	if *debugFlag {
		cfg.LogLevel = "debug"
	}

	logger := logging.InitGlobal(logging.Config{
		Level:   logging.Level(cfg.LogLevel),
		Format:  logging.Format(cfg.LogFormat),
		Service: "agentmux",
	})
	cfg.LogConfig(logger)

	b := broker.New(cfg, logger)
	srv := broker.NewServer(cfg, logger, b)
	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("control server failed to start")
		return 1
	}

	var httpSrv *broker.HTTPServer
	if cfg.HTTPAddr != "" {
		httpSrv = broker.NewHTTPServer(cfg, logger, b)
		if err := httpSrv.Start(); err != nil {
			logger.Error().Err(err).Msg("observability listener failed to start")
			shutdownAll(cfg, logger, srv, nil)
			return 1
		}
	}

	if cfg.FleetPath != "" {
		if err := spawnFleet(cfg, logger, b); err != nil {
			logger.Error().Err(err).Msg("fleet startup failed")
			shutdownAll(cfg, logger, srv, httpSrv)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received, shutting down")
	case <-srv.ShutdownRequested():
		logger.Info().Msg("shutdown requested by client")
	}

	if err := shutdownAll(cfg, logger, srv, httpSrv); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
		return 1
	}
	logger.Info().Msg("shutdown complete")
	return 0
}

// spawnFleet brings up every fleet agent. A single failure aborts startup;
// a half-spawned fleet is worse than a clean error.
func spawnFleet(cfg *config.Config, logger zerolog.Logger, b *broker.Broker) error {
	fleet, err := config.LoadFleet(cfg.FleetPath)
	if err != nil {
		return err
	}
	for _, entry := range fleet.Agents {
		if _, perr := b.Spawn(entry.Spec(), entry.InitialTask, "", "fleet"); perr != nil {
			return fmt.Errorf("spawn fleet agent %q: %s", entry.Name, perr.Message)
		}
		logger.Info().Str("agent", entry.Name).Msg("fleet agent spawned")
	}
	return nil
}

func shutdownAll(cfg *config.Config, logger zerolog.Logger, srv *broker.Server, httpSrv *broker.HTTPServer) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+2*time.Second)
	defer cancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("observability listener shutdown failed")
		}
	}
	return srv.Shutdown(ctx)
}
