package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/ericogr/sensor-ledger-bridge/pkg/config"
)

const (
	// trigger temperature measurement, hold master
	cmdMeasureTemp = 0xE3
	// two data bytes followed by a CRC byte we do not verify
	tempReadLen  = 3
	lightReadLen = 2
)

// PeriphChannel talks to the sensors over I2C and to the LED and servo over
// GPIO using periph.io. All bus access is serialized by mu and bracketed by
// the activity LED.
type PeriphChannel struct {
	mu sync.Mutex

	bus      i2c.BusCloser
	temp     conn.Conn
	light    conn.Conn
	lightReg byte
	led      gpio.PinOut
	servo    gpio.PinOut
	freq     physic.Frequency
	dutyMin  float64
	dutyMax  float64
	settle   time.Duration
	now      func() time.Time
}

func NewPeriphChannel(cfg config.HardwareConfig) (*PeriphChannel, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	c := &PeriphChannel{
		bus:      bus,
		temp:     &i2c.Dev{Addr: uint16(cfg.TemperatureAddress), Bus: bus},
		light:    &i2c.Dev{Addr: uint16(cfg.LightAddress), Bus: bus},
		lightReg: byte(cfg.LightRegister),
		freq:     physic.Frequency(cfg.ServoFrequencyHz) * physic.Hertz,
		dutyMin:  cfg.DutyMin,
		dutyMax:  cfg.DutyMax,
		settle:   time.Duration(cfg.SettleMs) * time.Millisecond,
		now:      time.Now,
	}
	if cfg.LEDPin != "" {
		p := gpioreg.ByName(cfg.LEDPin)
		if p == nil {
			_ = bus.Close()
			return nil, fmt.Errorf("unknown led pin %q", cfg.LEDPin)
		}
		if err := p.Out(gpio.Low); err != nil {
			_ = bus.Close()
			return nil, fmt.Errorf("led pin: %w", err)
		}
		c.led = p
	}
	if cfg.ServoPin != "" {
		p := gpioreg.ByName(cfg.ServoPin)
		if p == nil {
			_ = bus.Close()
			return nil, fmt.Errorf("unknown servo pin %q", cfg.ServoPin)
		}
		c.servo = p
	}
	if c.servo != nil && cfg.SweepOnStart {
		if err := c.Sweep(2 * time.Second); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// acquire takes the bus and raises the activity LED. The returned release
// must run on every exit path.
func (c *PeriphChannel) acquire() func() {
	c.mu.Lock()
	if c.led != nil {
		if err := c.led.Out(gpio.High); err != nil {
			log.Debug().Err(err).Msg("activity led on")
		}
	}
	return func() {
		if c.led != nil {
			if err := c.led.Out(gpio.Low); err != nil {
				log.Debug().Err(err).Msg("activity led off")
			}
		}
		c.mu.Unlock()
	}
}

func (c *PeriphChannel) ReadTemperature() (Reading, error) {
	defer c.acquire()()

	if err := c.temp.Tx([]byte{cmdMeasureTemp}, nil); err != nil {
		return Reading{}, &Fault{Op: "trigger temperature", Err: err}
	}
	time.Sleep(c.settle)
	buf := make([]byte, tempReadLen)
	if err := c.temp.Tx(nil, buf); err != nil {
		return Reading{}, &Fault{Op: "read temperature", Err: err}
	}
	return Reading{Kind: Temperature, Value: DecodeTemperature(buf[0], buf[1]), Timestamp: c.now()}, nil
}

func (c *PeriphChannel) ReadLight() (Reading, error) {
	defer c.acquire()()

	buf := make([]byte, lightReadLen)
	if err := c.light.Tx([]byte{c.lightReg}, buf); err != nil {
		return Reading{}, &Fault{Op: "read light", Err: err}
	}
	return Reading{Kind: Light, Value: DecodeLight(buf[0], buf[1]), Timestamp: c.now()}, nil
}

// SetActuator is a no-op when no servo pin is configured.
func (c *PeriphChannel) SetActuator(value int) error {
	if c.servo == nil {
		return nil
	}
	defer c.acquire()()

	return c.setDuty(value)
}

func (c *PeriphChannel) setDuty(value int) error {
	pct := DutyCycle(value, c.dutyMin, c.dutyMax)
	duty := gpio.Duty(pct / 100.0 * float64(gpio.DutyMax))
	if err := c.servo.PWM(duty, c.freq); err != nil {
		return &Fault{Op: "set actuator", Err: err}
	}
	return nil
}

// Sweep runs the servo through its full range and parks it in the middle.
func (c *PeriphChannel) Sweep(pause time.Duration) error {
	for _, v := range []int{0, 100, 50} {
		if err := c.SetActuator(v); err != nil {
			return err
		}
		if v != 50 {
			time.Sleep(pause)
		}
	}
	return nil
}

func (c *PeriphChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.servo != nil {
		err = multierr.Append(err, c.servo.Halt())
	}
	if c.led != nil {
		err = multierr.Append(err, c.led.Out(gpio.Low))
	}
	if c.bus != nil {
		err = multierr.Append(err, c.bus.Close())
	}
	return err
}
