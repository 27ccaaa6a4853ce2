// Package main boots a broker from a yaml configuration file. The binary
// only hosts the router; producers, workers and scatter services are
// separate processes built on the public/service package.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/palmkit/palmd/internal/broker"
	"github.com/palmkit/palmd/internal/config"
	"github.com/palmkit/palmd/internal/logger"
)

func main() {
	log := logger.New()

	configFile := "config/palmd.yaml"
	if len(os.Args) >= 2 {
		configFile = os.Args[1]
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Str("config", configFile).Msg("failed to load configuration")
	}
	if cfg.Debug {
		log = log.Level(zerolog.DebugLevel)
	}
	log.Info().Str("config", configFile).Msg("starting palmd")

	b, err := broker.New(broker.Config{
		Name:            cfg.Broker.Name,
		InboundAddress:  cfg.Broker.InboundAddress,
		OutboundAddress: cfg.Broker.OutboundAddress,
		MaxMessages:     cfg.Broker.MaxMessages,
		Logger:          log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct broker")
	}

	for _, in := range cfg.Inbound {
		b.RegisterInbound(in.Name, broker.InboundRegistration{
			Route: in.Route,
			Block: in.Block,
			Log:   in.Log,
		})
	}
	for _, out := range cfg.Outbound {
		b.RegisterOutbound(out.Name, broker.OutboundRegistration{Log: out.Log})
	}
	for _, sc := range cfg.Scatter {
		b.RegisterOutbound(sc.Name, broker.OutboundRegistration{Log: sc.Log})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if err := b.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("broker terminated")
	}
	log.Info().Msg("palmd stopped")
}
