// Package app wires configuration into the components the binaries run.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ericogr/sensor-ledger-bridge/pkg/config"
	"github.com/ericogr/sensor-ledger-bridge/pkg/hardware"
	"github.com/ericogr/sensor-ledger-bridge/pkg/ledger"
	"github.com/ericogr/sensor-ledger-bridge/pkg/ledger/ethereum"
	"github.com/ericogr/sensor-ledger-bridge/pkg/ledger/local"
	"github.com/ericogr/sensor-ledger-bridge/pkg/output"
	"github.com/ericogr/sensor-ledger-bridge/pkg/output/console"
	mqttout "github.com/ericogr/sensor-ledger-bridge/pkg/output/mqtt"
)

// OutputEntry is an initialized output with its publish interval.
type OutputEntry struct {
	Out        output.Output
	IntervalMs int
}

// NewChannel returns the periph-backed channel, or the simulated one when the
// sensor type is "simulation".
func NewChannel(cfg config.Config) (hardware.Channel, error) {
	switch cfg.SensorType {
	case config.SensorSimulation:
		log.Info().Msg("using simulated hardware channel")
		return hardware.NewSimulatedChannel(), nil
	case config.SensorReal, "":
		ch, err := hardware.NewPeriphChannel(cfg.Hardware)
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("unknown sensor type %q", cfg.SensorType)
	}
}

// InitOutputs creates every configured output. Outputs without an interval
// inherit defaultIntervalMs, and cfg is updated to reflect it.
func InitOutputs(cfg *config.Config, source string, kinds []string, defaultIntervalMs int) ([]OutputEntry, error) {
	entries := make([]OutputEntry, 0, len(cfg.Outputs))
	for i := range cfg.Outputs {
		oc := &cfg.Outputs[i]
		if oc.IntervalMs <= 0 {
			oc.IntervalMs = defaultIntervalMs
		}

		var out output.Output
		switch strings.ToLower(oc.Type) {
		case "console":
			out = console.NewConsole()
		case "mqtt":
			var mc config.MQTTConfig
			if oc.MQTT != nil {
				mc = *oc.MQTT
			}
			o, err := mqttout.NewMQTT(mc, source, kinds)
			if err != nil {
				closeEntries(entries)
				return nil, fmt.Errorf("mqtt output: %w", err)
			}
			out = o
		default:
			closeEntries(entries)
			return nil, fmt.Errorf("unknown output type %q", oc.Type)
		}
		entries = append(entries, OutputEntry{Out: out, IntervalMs: oc.IntervalMs})
	}
	return entries, nil
}

// Combine throttles each entry to its interval and fans out to all of them.
func Combine(entries []OutputEntry) output.Output {
	outs := make([]output.Output, 0, len(entries))
	for _, e := range entries {
		outs = append(outs, output.Throttle(e.Out, time.Duration(e.IntervalMs)*time.Millisecond))
	}
	return output.Multi(outs...)
}

func closeEntries(entries []OutputEntry) {
	for _, e := range entries {
		if err := e.Out.Close(); err != nil {
			log.Warn().Err(err).Msg("close output")
		}
	}
}

// OpenLedger opens the configured ledger backend.
func OpenLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.Backend, error) {
	switch cfg.Backend {
	case config.LedgerLocal:
		log.Info().Str("db", cfg.DBPath).Msg("using local ledger")
		l, err := local.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.LedgerEthereum, "":
		if cfg.Contract == "" {
			return nil, fmt.Errorf("ethereum ledger requires a contract address")
		}
		log.Info().Str("rpc", cfg.RPCURL).Str("contract", cfg.Contract).Msg("using ethereum ledger")
		l, err := ethereum.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// SignalContext creates a context that is cancelled when SIGINT or SIGTERM is received.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	return ctx
}
