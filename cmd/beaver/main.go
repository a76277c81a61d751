package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/kitchen/beaver/internal/config"
	"github.com/kitchen/beaver/internal/observability"
	"github.com/kitchen/beaver/internal/service"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "beaver.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("version", version).
		Str("config", *configPath).
		Msg("Starting beaver log shipper")

	shutdownTracer, err := observability.InitTracer(observability.TracerConfig{
		ServiceName:    "beaver",
		ServiceVersion: version,
		Endpoint:       cfg.TracingEndpoint,
		Protocol:       cfg.TracingProtocol,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer shutdownTracer(context.Background())
	}

	svc, err := service.NewShipperService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create shipper service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx)
	}()

	select {
	case <-sigChan:
		log.Info().Msg("Received shutdown signal")
		cancel()
		if err := <-errChan; err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Shipper service error during shutdown")
		}
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Shipper service stopped with error")
			os.Exit(1)
		}
	}

	log.Info().Msg("Shipper stopped")
}
