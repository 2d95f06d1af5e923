package console

import (
	"fmt"
	"time"

	"github.com/ericogr/sensor-ledger-bridge/pkg/output"
)

type ConsoleOutput struct{}

func NewConsole() output.Output { return &ConsoleOutput{} }

func (c *ConsoleOutput) Publish(ev output.Event) error {
	fmt.Printf("%s source=%s kind=%s value=%.2f%s\n", ev.Timestamp.Format(time.RFC3339), ev.Source, ev.Kind, ev.Value, ev.Unit)
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }
