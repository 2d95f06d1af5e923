// Package ledger defines the view of the device contract the bridge relies on.
// The observed value is stored in centi-units, the desired actuation in 0..100.
package ledger

import (
	"context"
	"fmt"
	"math"
)

type Client interface {
	ReadObserved(ctx context.Context) (int64, error)
	ReadDesiredActuation(ctx context.Context) (int, error)
	// WriteObserved returns only once the write has been applied or has failed.
	WriteObserved(ctx context.Context, value int64) error
}

// Actuator sets the desired actuation. The bridge never uses it; it is the
// entry point of the external actor (ledgerctl).
type Actuator interface {
	SetActuation(ctx context.Context, value int) error
}

// Backend is what the binaries open: both directions plus Close.
type Backend interface {
	Client
	Actuator
	Close() error
}

// Fault is a failed ledger call.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("ledger %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Wrap returns nil for a nil err, otherwise a *Fault.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Op: op, Err: err}
}

// ToCenti converts a measurement to centi-units, rounding half up.
func ToCenti(v float64) int64 {
	return int64(math.Floor(v*100 + 0.5))
}

func FromCenti(v int64) float64 {
	return float64(v) / 100.0
}
