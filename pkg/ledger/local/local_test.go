package local

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ericogr/sensor-ledger-bridge/pkg/ledger"
)

var _ ledger.Backend = (*Ledger)(nil)

func openTemp(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.sqlite")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l, path
}

func TestFreshLedgerIsZero(t *testing.T) {
	l, _ := openTemp(t)
	defer l.Close()
	ctx := context.Background()

	obs, err := l.ReadObserved(ctx)
	if err != nil || obs != 0 {
		t.Fatalf("observed: %d %v", obs, err)
	}
	act, err := l.ReadDesiredActuation(ctx)
	if err != nil || act != 0 {
		t.Fatalf("actuation: %d %v", act, err)
	}
}

func TestWritesSurviveReopen(t *testing.T) {
	l, path := openTemp(t)
	ctx := context.Background()

	if err := l.WriteObserved(ctx, 2006); err != nil {
		t.Fatalf("WriteObserved: %v", err)
	}
	if err := l.SetActuation(ctx, 42); err != nil {
		t.Fatalf("SetActuation: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()

	if obs, _ := l.ReadObserved(ctx); obs != 2006 {
		t.Fatalf("observed after reopen: %d", obs)
	}
	if act, _ := l.ReadDesiredActuation(ctx); act != 42 {
		t.Fatalf("actuation after reopen: %d", act)
	}

	hist, err := l.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length: %d", len(hist))
	}
	if hist[0].EventType != EventActuationSet || hist[0].Value != 42 {
		t.Fatalf("newest entry: %+v", hist[0])
	}
	if hist[1].EventType != EventObservedWritten || hist[1].Value != 2006 {
		t.Fatalf("oldest entry: %+v", hist[1])
	}
}

func TestSetActuationRange(t *testing.T) {
	l, _ := openTemp(t)
	defer l.Close()

	err := l.SetActuation(context.Background(), 101)
	var f *ledger.Fault
	if !errors.As(err, &f) {
		t.Fatalf("expected ledger fault, got %v", err)
	}
	if act, _ := l.ReadDesiredActuation(context.Background()); act != 0 {
		t.Fatalf("rejected value was stored: %d", act)
	}
}

func TestClosedLedgerFaults(t *testing.T) {
	l, _ := openTemp(t)
	_ = l.Close()

	_, err := l.ReadObserved(context.Background())
	var f *ledger.Fault
	if !errors.As(err, &f) || f.Op != "read observed" {
		t.Fatalf("expected read fault, got %v", err)
	}
}
