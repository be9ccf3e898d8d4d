package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/INLOpen/nexusingest/config"
	"github.com/INLOpen/nexusingest/server"
)

const tracerShutdownTimeout = 5 * time.Second

// resolveNodeID applies the -node-id override and falls back to the host
// name, so envelopes are always stamped with a receiving node.
func resolveNodeID(cfg *config.Config, override string) {
	if override != "" {
		cfg.Node.ID = override
	}
	if cfg.Node.ID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Node.ID = host
		}
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	nodeID := flag.String("node-id", "", "Overrides node.id from the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// No configured logger exists yet.
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}
	resolveNodeID(cfg, *nodeID)

	logger, logCloser, err := newLogger(cfg.Logging, cfg.Node.ID)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		return 1
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	if cfg.Node.DataDir == "" {
		logger.Error("node.data_dir must be specified in the configuration file.")
		return 1
	}
	logger.Info("Starting ingest node", "config", *configPath, "data_dir", cfg.Node.DataDir, "mode", cfg.InputBuffer.Mode)

	tp, shutdownTracing, err := newTracerProvider(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	appServer, err := server.NewAppServer(cfg, logger, server.AppServerOptions{
		Tracer: tp.Tracer(serviceName),
	})
	if err != nil {
		logger.Error("Failed to create application server", "error", err)
		return 1
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErr := make(chan error, 1)
	go func() { serverErr <- appServer.Start() }()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("Ingest node stopped with an error", "error", err)
			return 1
		}
	case sig := <-quit:
		logger.Info("Shutdown signal received, draining pipeline", "signal", sig.String())
		// Start returns once the buffered messages have drained.
		appServer.Stop()
		if err := <-serverErr; err != nil {
			logger.Error("Ingest node stopped with an error", "error", err)
			return 1
		}
	}
	logger.Info("Ingest node exited.")
	return 0
}
