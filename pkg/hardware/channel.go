// Package hardware reads the temperature and light sensors and drives the
// actuator servo. Every implementation satisfies Channel; the binaries pick
// one at startup.
package hardware

import (
	"fmt"
	"time"
)

type Kind int

const (
	Temperature Kind = iota
	Light
)

func (k Kind) String() string {
	switch k {
	case Temperature:
		return "temperature"
	case Light:
		return "light"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Unit is the implicit unit of readings of this kind.
func (k Kind) Unit() string {
	switch k {
	case Temperature:
		return "K"
	case Light:
		return "lx"
	default:
		return ""
	}
}

type Reading struct {
	Kind      Kind      `json:"kind"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type Channel interface {
	ReadTemperature() (Reading, error)
	ReadLight() (Reading, error)
	// SetActuator clamps value to [0,100] before applying it.
	SetActuator(value int) error
	Close() error
}

// Fault is a bus I/O failure. It is never retried inside this package.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("hardware %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }
