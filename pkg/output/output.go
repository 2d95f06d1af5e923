package output

import (
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Event is a telemetry record: a sensor reading, an actuation or a ledger write.
type Event struct {
	Source    string    `json:"source"`
	Kind      string    `json:"kind"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Output interface {
	Publish(Event) error
	Close() error
}

// helper constructors are in subpackages

type multi []Output

// Multi fans every event out to all outputs.
func Multi(outs ...Output) Output { return multi(outs) }

func (m multi) Publish(ev Event) error {
	var err error
	for _, o := range m {
		err = multierr.Append(err, o.Publish(ev))
	}
	return err
}

func (m multi) Close() error {
	var err error
	for _, o := range m {
		err = multierr.Append(err, o.Close())
	}
	return err
}

type throttled struct {
	out      Output
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

// Throttle drops events whose kind was already published less than interval ago.
func Throttle(out Output, interval time.Duration) Output {
	if interval <= 0 {
		return out
	}
	return &throttled{out: out, interval: interval, last: map[string]time.Time{}}
}

func (t *throttled) Publish(ev Event) error {
	t.mu.Lock()
	key := ev.Source + "/" + ev.Kind
	if prev, ok := t.last[key]; ok && ev.Timestamp.Sub(prev) < t.interval {
		t.mu.Unlock()
		return nil
	}
	t.last[key] = ev.Timestamp
	t.mu.Unlock()
	return t.out.Publish(ev)
}

func (t *throttled) Close() error { return t.out.Close() }
