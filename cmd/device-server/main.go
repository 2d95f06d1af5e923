package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/ericogr/sensor-ledger-bridge/pkg/app"
	"github.com/ericogr/sensor-ledger-bridge/pkg/config"
	"github.com/ericogr/sensor-ledger-bridge/pkg/logging"
	"github.com/ericogr/sensor-ledger-bridge/pkg/server"
)

func main() {
	cfg, err := config.LoadFromFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Setup(cfg.Log)

	ch, err := app.NewChannel(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open hardware")
	}
	defer func() {
		if err := ch.Close(); err != nil {
			log.Warn().Err(err).Msg("close hardware")
		}
	}()

	entries, err := app.InitOutputs(&cfg, "device", []string{"temperature", "light", "actuator"}, cfg.IntervalMs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize outputs")
	}
	out := app.Combine(entries)
	defer out.Close()

	ctx := app.SignalContext()
	srv := server.New(ch, cfg.Resources, out)
	if err := srv.ListenAndServe(ctx, cfg.Server); err != nil {
		log.Error().Err(err).Msg("device server stopped")
		return
	}
	log.Info().Msg("device server stopped")
}
