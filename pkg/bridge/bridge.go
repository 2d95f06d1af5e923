// Package bridge keeps the device and the ledger converged.
//
// Each iteration first reconciles temperature (device to ledger) and then
// actuation (ledger to device). The ledger is only written when the
// temperature changes at the configured number of decimal digits, and the
// device is only driven when the ledger's desired actuation changes.
package bridge

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/ericogr/sensor-ledger-bridge/pkg/ledger"
	"github.com/ericogr/sensor-ledger-bridge/pkg/output"
)

const source = "bridge"

// unknownActuation never equals a valid desired actuation.
const unknownActuation = -1

// Device is the device server as seen through the transport.
type Device interface {
	Temperature(ctx context.Context) (float64, error)
	Actuate(ctx context.Context, value int) (int, error)
}

type Options struct {
	Interval    time.Duration
	Accuracy    int
	CallTimeout time.Duration
}

// Memo is the last temperature and actuation the bridge reconciled.
type Memo struct {
	Temperature float64
	Actuation   int
}

// Result reports what one iteration did.
type Result struct {
	Temperature     float64
	ObservedWritten bool
	Actuation       int
	ActuationPushed bool
	Err             error
}

type Bridge struct {
	device Device
	ledger ledger.Client
	out    output.Output
	opts   Options
	memo   Memo
	log    zerolog.Logger
}

// New builds a bridge. out may be nil.
func New(device Device, l ledger.Client, out output.Output, opts Options) *Bridge {
	return &Bridge{
		device: device,
		ledger: l,
		out:    out,
		opts:   opts,
		memo:   Memo{Actuation: unknownActuation},
		log:    log.With().Str("component", "bridge").Logger(),
	}
}

func (b *Bridge) Memo() Memo { return b.memo }

// Start re-asserts the ledger's desired actuation on the device and loads the
// last observed value. Ledger read failures are fatal; a failed push is
// retried by the first iteration.
func (b *Bridge) Start(ctx context.Context) error {
	var act int
	err := b.call(ctx, func(ctx context.Context) (err error) {
		act, err = b.ledger.ReadDesiredActuation(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if err := b.push(ctx, act); err != nil {
		b.log.Warn().Err(err).Int("actuation", act).Msg("initial actuation push failed")
	} else {
		b.memo.Actuation = act
	}

	var observed int64
	err = b.call(ctx, func(ctx context.Context) (err error) {
		observed, err = b.ledger.ReadObserved(ctx)
		return err
	})
	if err != nil {
		return err
	}
	b.memo.Temperature = ledger.FromCenti(observed)

	b.log.Info().Float64("temperature", b.memo.Temperature).Int("actuation", act).Msg("bridge state restored from ledger")
	return nil
}

// Step runs one reconciliation iteration. The memo only adopts a value once
// it has reached its destination, so a failed write or push is retried by
// the next iteration while the mismatch persists.
func (b *Bridge) Step(ctx context.Context) Result {
	res := Result{Actuation: b.memo.Actuation}

	var temp float64
	err := b.call(ctx, func(ctx context.Context) (err error) {
		temp, err = b.device.Temperature(ctx)
		return err
	})
	if err != nil {
		res.Err = multierr.Append(res.Err, err)
	} else {
		res.Temperature = temp
		if Round(temp, b.opts.Accuracy) != Round(b.memo.Temperature, b.opts.Accuracy) {
			value := ledger.ToCenti(temp)
			b.log.Info().Float64("temperature", temp).Int64("value", value).Msg("updating observed value")
			err := b.call(ctx, func(ctx context.Context) error {
				return b.ledger.WriteObserved(ctx, value)
			})
			if err != nil {
				res.Err = multierr.Append(res.Err, err)
			} else {
				res.ObservedWritten = true
				b.memo.Temperature = temp
				b.publish("observed", temp, "K")
			}
		} else {
			b.memo.Temperature = temp
		}
	}

	var act int
	err = b.call(ctx, func(ctx context.Context) (err error) {
		act, err = b.ledger.ReadDesiredActuation(ctx)
		return err
	})
	if err != nil {
		res.Err = multierr.Append(res.Err, err)
		return res
	}
	res.Actuation = act
	if act != b.memo.Actuation {
		b.log.Info().Int("actuation", act).Msg("pushing actuation")
		if err := b.push(ctx, act); err != nil {
			res.Err = multierr.Append(res.Err, err)
		} else {
			res.ActuationPushed = true
			b.memo.Actuation = act
		}
	}
	return res
}

// Run calls Start and then iterates until ctx is cancelled. Cancellation is
// only observed between iterations; calls inside an iteration are bounded by
// CallTimeout instead.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		res := b.Step(context.WithoutCancel(ctx))
		if res.Err != nil {
			b.log.Warn().Err(res.Err).Msg("iteration failed")
		}
		timer.Reset(b.opts.Interval)
	}
}

func (b *Bridge) push(ctx context.Context, value int) error {
	var accepted int
	err := b.call(ctx, func(ctx context.Context) (err error) {
		accepted, err = b.device.Actuate(ctx, value)
		return err
	})
	if err != nil {
		return err
	}
	if accepted != value {
		b.log.Warn().Int("requested", value).Int("accepted", accepted).Msg("device clamped actuation")
	}
	b.publish("actuation", float64(accepted), "%")
	return nil
}

func (b *Bridge) call(ctx context.Context, fn func(context.Context) error) error {
	if b.opts.CallTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()
	return fn(ctx)
}

func (b *Bridge) publish(kind string, value float64, unit string) {
	if b.out == nil {
		return
	}
	ev := output.Event{Source: source, Kind: kind, Value: value, Unit: unit, Timestamp: time.Now()}
	if err := b.out.Publish(ev); err != nil {
		b.log.Warn().Err(err).Str("kind", kind).Msg("telemetry publish failed")
	}
}

// Round rounds v to digits decimal places, half away from zero.
func Round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
