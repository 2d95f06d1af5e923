package main

import (
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ericogr/sensor-ledger-bridge/pkg/app"
	"github.com/ericogr/sensor-ledger-bridge/pkg/bridge"
	"github.com/ericogr/sensor-ledger-bridge/pkg/client"
	"github.com/ericogr/sensor-ledger-bridge/pkg/config"
	"github.com/ericogr/sensor-ledger-bridge/pkg/logging"
)

func main() {
	cfg, err := config.LoadFromFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Setup(cfg.Log)

	ctx := app.SignalContext()
	timeout := time.Duration(cfg.Bridge.CallTimeoutMs) * time.Millisecond

	device, err := client.Dial(cfg.Bridge.DeviceAddress, cfg.Resources, timeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to reach device server")
	}
	defer device.Close()

	l, err := app.OpenLedger(ctx, cfg.Ledger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open ledger")
	}
	defer l.Close()

	entries, err := app.InitOutputs(&cfg, "bridge", []string{"observed", "actuation"}, cfg.IntervalMs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize outputs")
	}
	out := app.Combine(entries)
	defer out.Close()

	b := bridge.New(device, l, out, bridge.Options{
		Interval:    time.Duration(cfg.Bridge.IntervalMs) * time.Millisecond,
		Accuracy:    cfg.Bridge.Accuracy,
		CallTimeout: timeout,
	})
	log.Info().
		Str("device", cfg.Bridge.DeviceAddress).
		Str("ledger", cfg.Ledger.Backend).
		Int("interval_ms", cfg.Bridge.IntervalMs).
		Int("accuracy", cfg.Bridge.Accuracy).
		Msg("bridge starting")
	if err := b.Run(ctx); err != nil {
		log.Error().Err(err).Msg("bridge startup failed")
		return
	}
	log.Info().Msg("bridge stopped")
}
