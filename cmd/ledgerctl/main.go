// ledgerctl prints the ledger state and optionally sets the desired actuation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ericogr/sensor-ledger-bridge/pkg/app"
	"github.com/ericogr/sensor-ledger-bridge/pkg/config"
	"github.com/ericogr/sensor-ledger-bridge/pkg/ledger"
	"github.com/ericogr/sensor-ledger-bridge/pkg/logging"
)

func main() {
	setActuation := flag.Int("set-actuation", 0, "Set the desired actuation (0..100) before printing")
	cfg, err := config.LoadFromFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Setup(cfg.Log)

	var desired *int
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "set-actuation" {
			desired = setActuation
		}
	})

	if err := execute(cfg, desired); err != nil {
		log.Error().Err(err).Msg("ledgerctl failed")
		os.Exit(1)
	}
}

func execute(cfg config.Config, desired *int) error {
	timeout := time.Duration(cfg.Bridge.CallTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	l, err := app.OpenLedger(ctx, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	return run(ctx, l, desired)
}

// run sets the desired actuation when desired is non-nil, then prints the
// ledger state.
func run(ctx context.Context, l ledger.Backend, desired *int) error {
	if desired != nil {
		v := *desired
		if v < 0 || v > 100 {
			return fmt.Errorf("actuation %d out of range 0..100", v)
		}
		if err := l.SetActuation(ctx, v); err != nil {
			return err
		}
		log.Info().Int("actuation", v).Msg("desired actuation set")
	}

	observed, err := l.ReadObserved(ctx)
	if err != nil {
		return err
	}
	act, err := l.ReadDesiredActuation(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Current temperature: %.2f\n", ledger.FromCenti(observed))
	fmt.Printf("Current actuation: %d\n", act)
	return nil
}
