package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeDevice struct {
	mu       sync.Mutex
	temp     float64
	tempErr  error
	pushErr  error
	pushes   []int
	deadline bool
}

func (d *fakeDevice) Temperature(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := ctx.Deadline(); ok {
		d.deadline = true
	}
	return d.temp, d.tempErr
}

func (d *fakeDevice) Actuate(_ context.Context, v int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pushErr != nil {
		return 0, d.pushErr
	}
	d.pushes = append(d.pushes, v)
	return v, nil
}

func (d *fakeDevice) pushCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pushes)
}

type fakeLedger struct {
	mu        sync.Mutex
	observed  int64
	actuation int
	readErr   error
	writeErr  error
	writes    []int64
	// log records the order of device and ledger calls
	log *[]string
}

func (l *fakeLedger) ReadObserved(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observed, l.readErr
}

func (l *fakeLedger) ReadDesiredActuation(context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.log != nil {
		*l.log = append(*l.log, "read actuation")
	}
	return l.actuation, l.readErr
}

func (l *fakeLedger) WriteObserved(_ context.Context, v int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.log != nil {
		*l.log = append(*l.log, "write observed")
	}
	if l.writeErr != nil {
		return l.writeErr
	}
	l.writes = append(l.writes, v)
	l.observed = v
	return nil
}

func (l *fakeLedger) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

func opts(accuracy int) Options {
	return Options{Interval: time.Millisecond, Accuracy: accuracy, CallTimeout: time.Second}
}

func TestRound(t *testing.T) {
	tests := []struct {
		v      float64
		digits int
		want   float64
	}{
		{20.04, 1, 20.0},
		{20.06, 1, 20.1},
		{20.049, 1, 20.0},
		{293.156, 2, 293.16},
		{20.5, 0, 21},
	}
	for _, tt := range tests {
		if got := Round(tt.v, tt.digits); got != tt.want {
			t.Fatalf("Round(%v, %d) = %v; want %v", tt.v, tt.digits, got, tt.want)
		}
	}
}

func TestStartReassertsDesiredActuation(t *testing.T) {
	dev := &fakeDevice{temp: 20.04}
	led := &fakeLedger{observed: 2004, actuation: 42}
	b := New(dev, led, nil, opts(1))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(dev.pushes) != 1 || dev.pushes[0] != 42 {
		t.Fatalf("startup push: %v", dev.pushes)
	}
	if len(led.writes) != 0 {
		t.Fatalf("startup wrote to the ledger: %v", led.writes)
	}
	if m := b.Memo(); m.Temperature != 20.04 || m.Actuation != 42 {
		t.Fatalf("memo after start: %+v", m)
	}

	// unchanged state: the first iteration does nothing
	res := b.Step(context.Background())
	if res.Err != nil || res.ObservedWritten || res.ActuationPushed {
		t.Fatalf("first iteration after restart: %+v", res)
	}
	if len(dev.pushes) != 1 || len(led.writes) != 0 {
		t.Fatalf("redundant traffic: pushes=%v writes=%v", dev.pushes, led.writes)
	}
}

func TestStartFailsOnLedgerRead(t *testing.T) {
	dev := &fakeDevice{}
	led := &fakeLedger{readErr: errors.New("rpc down")}
	b := New(dev, led, nil, opts(1))
	if err := b.Start(context.Background()); err == nil {
		t.Fatalf("expected startup error")
	}
	if len(dev.pushes) != 0 {
		t.Fatalf("pushed without ledger state: %v", dev.pushes)
	}
}

func TestStartPushFailureRetriedByFirstIteration(t *testing.T) {
	dev := &fakeDevice{temp: 20.0, pushErr: errors.New("timeout")}
	led := &fakeLedger{observed: 2000, actuation: 42}
	b := New(dev, led, nil, opts(1))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("push failure must not be fatal: %v", err)
	}
	dev.pushErr = nil
	res := b.Step(context.Background())
	if !res.ActuationPushed || len(dev.pushes) != 1 || dev.pushes[0] != 42 {
		t.Fatalf("actuation not re-pushed: %+v %v", res, dev.pushes)
	}
}

func TestWriteSuppressedBelowAccuracy(t *testing.T) {
	tests := []struct {
		name   string
		temp   float64
		writes []int64
	}{
		{"crosses rounding boundary", 20.06, []int64{2006}},
		{"same rounded value", 20.049, nil},
		{"unchanged", 20.04, nil},
	}
	for _, tt := range tests {
		dev := &fakeDevice{temp: 20.04}
		led := &fakeLedger{observed: 2004, actuation: 10}
		b := New(dev, led, nil, opts(1))
		if err := b.Start(context.Background()); err != nil {
			t.Fatalf("%s: Start: %v", tt.name, err)
		}

		dev.temp = tt.temp
		res := b.Step(context.Background())
		if res.Err != nil {
			t.Fatalf("%s: step error: %v", tt.name, res.Err)
		}
		if len(led.writes) != len(tt.writes) {
			t.Fatalf("%s: writes = %v; want %v", tt.name, led.writes, tt.writes)
		}
		for i := range tt.writes {
			if led.writes[i] != tt.writes[i] {
				t.Fatalf("%s: writes = %v; want %v", tt.name, led.writes, tt.writes)
			}
		}
		if res.ObservedWritten != (len(tt.writes) == 1) {
			t.Fatalf("%s: result %+v", tt.name, res)
		}
		// repeating the same reading never writes again
		b.Step(context.Background())
		if len(led.writes) != len(tt.writes) {
			t.Fatalf("%s: repeated reading wrote again: %v", tt.name, led.writes)
		}
	}
}

func TestActuationChangePushedOnce(t *testing.T) {
	dev := &fakeDevice{temp: 20.0}
	led := &fakeLedger{observed: 2000, actuation: 10}
	b := New(dev, led, nil, opts(1))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	led.actuation = 75
	res := b.Step(context.Background())
	if !res.ActuationPushed || res.Actuation != 75 {
		t.Fatalf("step result: %+v", res)
	}
	b.Step(context.Background())
	b.Step(context.Background())

	if len(dev.pushes) != 2 || dev.pushes[0] != 10 || dev.pushes[1] != 75 {
		t.Fatalf("pushes: %v; want [10 75]", dev.pushes)
	}
	if len(led.writes) != 0 {
		t.Fatalf("actuation was written back to the ledger: %v", led.writes)
	}
}

func TestTemperatureReconciledBeforeActuation(t *testing.T) {
	var calls []string
	dev := &fakeDevice{temp: 20.0}
	led := &fakeLedger{observed: 2000, actuation: 10, log: &calls}
	b := New(dev, led, nil, opts(1))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	calls = calls[:0]
	dev.temp = 21.0
	led.actuation = 20
	b.Step(context.Background())

	if len(calls) != 2 || calls[0] != "write observed" || calls[1] != "read actuation" {
		t.Fatalf("call order: %v", calls)
	}
}

func TestFailedWriteRetriedNextIteration(t *testing.T) {
	dev := &fakeDevice{temp: 20.0}
	led := &fakeLedger{observed: 2000, actuation: 10}
	b := New(dev, led, nil, opts(1))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dev.temp = 20.5
	led.writeErr = errors.New("nonce too low")
	res := b.Step(context.Background())
	if res.Err == nil || res.ObservedWritten {
		t.Fatalf("expected failed write: %+v", res)
	}
	if b.Memo().Temperature != 20.0 {
		t.Fatalf("memo adopted an unwritten value: %+v", b.Memo())
	}

	led.writeErr = nil
	res = b.Step(context.Background())
	if !res.ObservedWritten || len(led.writes) != 1 || led.writes[0] != 2050 {
		t.Fatalf("write not retried: %+v %v", res, led.writes)
	}
}

func TestFailedPushRetriedNextIteration(t *testing.T) {
	dev := &fakeDevice{temp: 20.0}
	led := &fakeLedger{observed: 2000, actuation: 10}
	b := New(dev, led, nil, opts(1))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	led.actuation = 75
	dev.pushErr = errors.New("no route")
	if res := b.Step(context.Background()); res.Err == nil {
		t.Fatalf("expected push error")
	}
	dev.pushErr = nil
	if res := b.Step(context.Background()); !res.ActuationPushed {
		t.Fatalf("push not retried: %+v", res)
	}
	if dev.pushes[len(dev.pushes)-1] != 75 {
		t.Fatalf("pushes: %v", dev.pushes)
	}
}

func TestDeviceFailureStillReconcilesActuation(t *testing.T) {
	dev := &fakeDevice{temp: 20.0}
	led := &fakeLedger{observed: 2000, actuation: 10}
	b := New(dev, led, nil, opts(1))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dev.tempErr = errors.New("4.04")
	led.actuation = 30
	res := b.Step(context.Background())
	if res.Err == nil {
		t.Fatalf("expected error from device read")
	}
	if !res.ActuationPushed || len(led.writes) != 0 {
		t.Fatalf("actuation direction skipped: %+v writes=%v", res, led.writes)
	}
	if !dev.deadline {
		t.Fatalf("device call not bounded by a timeout")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	dev := &fakeDevice{temp: 20.0}
	led := &fakeLedger{observed: 2000, actuation: 10}
	b := New(dev, led, nil, opts(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		dev.mu.Lock()
		dev.temp += 1
		dev.mu.Unlock()
		if led.writeCount() >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("bridge did not iterate")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
	if dev.pushCount() != 1 {
		t.Fatalf("unexpected pushes: %d", dev.pushCount())
	}
}

func TestRunReturnsStartupError(t *testing.T) {
	b := New(&fakeDevice{}, &fakeLedger{readErr: errors.New("down")}, nil, opts(1))
	if err := b.Run(context.Background()); err == nil {
		t.Fatalf("expected startup error from Run")
	}
}
