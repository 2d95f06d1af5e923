package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	SensorReal       = "real"
	SensorSimulation = "simulation"

	LedgerEthereum = "ethereum"
	LedgerLocal    = "local"
)

type MQTTConfig struct {
	Server            string `json:"server" yaml:"server"`
	Username          string `json:"username" yaml:"username"`
	Password          string `json:"password" yaml:"password"`
	ClientID          string `json:"client_id" yaml:"client_id"`
	StateTopic        string `json:"state_topic" yaml:"state_topic"`
	DiscoveryTopic    string `json:"discovery_topic,omitempty" yaml:"discovery_topic,omitempty"`
	DiscoveryName     string `json:"discovery_name,omitempty" yaml:"discovery_name,omitempty"`
	DiscoveryUniqueID string `json:"discovery_unique_id,omitempty" yaml:"discovery_unique_id,omitempty"`
}

type OutputConfig struct {
	Type       string      `json:"type" yaml:"type"`
	IntervalMs int         `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`
	MQTT       *MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

// HardwareConfig describes the sensor bus and the actuator pins.
// DutyMin and DutyMax are PWM duty cycles in percent for actuator values 0 and 100.
type HardwareConfig struct {
	I2CBus             string  `json:"i2c_bus" yaml:"i2c_bus"`
	TemperatureAddress int     `json:"temperature_address" yaml:"temperature_address"`
	LightAddress       int     `json:"light_address" yaml:"light_address"`
	LightRegister      int     `json:"light_register" yaml:"light_register"`
	LEDPin             string  `json:"led_pin" yaml:"led_pin"`
	ServoPin           string  `json:"servo_pin" yaml:"servo_pin"`
	ServoFrequencyHz   int     `json:"servo_frequency_hz" yaml:"servo_frequency_hz"`
	DutyMin            float64 `json:"duty_min" yaml:"duty_min"`
	DutyMax            float64 `json:"duty_max" yaml:"duty_max"`
	SettleMs           int     `json:"settle_ms" yaml:"settle_ms"`
	SweepOnStart       bool    `json:"sweep_on_start" yaml:"sweep_on_start"`
}

type ServerConfig struct {
	Network string `json:"network" yaml:"network"`
	Address string `json:"address" yaml:"address"`
}

// ResourceConfig names the three device resources. Both the device server and
// the bridge read it, so the two processes must agree on it.
type ResourceConfig struct {
	Temperature string `json:"temperature" yaml:"temperature"`
	Light       string `json:"light" yaml:"light"`
	Actuator    string `json:"actuator" yaml:"actuator"`
}

type BridgeConfig struct {
	DeviceAddress string `json:"device_address" yaml:"device_address"`
	IntervalMs    int    `json:"interval_ms" yaml:"interval_ms"`
	Accuracy      int    `json:"accuracy" yaml:"accuracy"`
	CallTimeoutMs int    `json:"call_timeout_ms" yaml:"call_timeout_ms"`
}

type LedgerConfig struct {
	Backend      string `json:"backend" yaml:"backend"`
	RPCURL       string `json:"rpc_url" yaml:"rpc_url"`
	Contract     string `json:"contract" yaml:"contract"`
	ABIFile      string `json:"abi_file,omitempty" yaml:"abi_file,omitempty"`
	KeystoreFile string `json:"keystore_file,omitempty" yaml:"keystore_file,omitempty"`
	Password     string `json:"password,omitempty" yaml:"password,omitempty"`
	Amount       int64  `json:"amount" yaml:"amount"`
	DBPath       string `json:"db_path" yaml:"db_path"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	JSON   bool   `json:"json" yaml:"json"`
	Colors bool   `json:"colors" yaml:"colors"`
}

type Config struct {
	SensorType string         `json:"sensor_type" yaml:"sensor_type"`
	Hardware   HardwareConfig `json:"hardware" yaml:"hardware"`
	Server     ServerConfig   `json:"server" yaml:"server"`
	Resources  ResourceConfig `json:"resources" yaml:"resources"`
	Bridge     BridgeConfig   `json:"bridge" yaml:"bridge"`
	Ledger     LedgerConfig   `json:"ledger" yaml:"ledger"`
	Outputs    []OutputConfig `json:"outputs" yaml:"outputs"`
	IntervalMs int            `json:"interval_ms" yaml:"interval_ms"`
	Log        LogConfig      `json:"log" yaml:"log"`
}

func DefaultConfig() Config {
	return Config{
		SensorType: SensorReal,
		Hardware: HardwareConfig{
			I2CBus:             "1",
			TemperatureAddress: 0x40,
			LightAddress:       0x4A,
			LightRegister:      0x03,
			LEDPin:             "GPIO17",
			ServoPin:           "GPIO18",
			ServoFrequencyHz:   50,
			DutyMin:            2.0,
			DutyMax:            9.5,
			SettleMs:           55,
		},
		Server: ServerConfig{Network: "udp", Address: ":5683"},
		Resources: ResourceConfig{
			Temperature: "temperature",
			Light:       "light",
			Actuator:    "actuator",
		},
		Bridge: BridgeConfig{
			DeviceAddress: "localhost:5683",
			IntervalMs:    5000,
			Accuracy:      1,
			CallTimeoutMs: 60000,
		},
		Ledger: LedgerConfig{
			Backend: LedgerEthereum,
			RPCURL:  "http://localhost:8545",
			Amount:  1000000000,
			DBPath:  "./ledger.sqlite",
		},
		Outputs:    []OutputConfig{{Type: "console", IntervalMs: 1000}},
		IntervalMs: 1000,
		Log:        LogConfig{Level: "info", Colors: true},
	}
}

// LoadFile merges a JSON or YAML file into cfg. The format is chosen by extension.
func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

// LoadFromFlags loads configuration from a config file (optional) and flags.
// Flags override values present in the file. Callers may register their own
// flags on fs before calling.
func LoadFromFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfgPath := fs.String("config", "", "Path to JSON or YAML config file")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|simulation")
	flagI2CBus := fs.String("i2c-bus", "", "I2C bus (e.g., '1' -> /dev/i2c-1)")
	flagTempAddr := fs.String("temperature-address", "", "Temperature sensor I2C address (decimal or 0x hex)")
	flagLightAddr := fs.String("light-address", "", "Light sensor I2C address (decimal or 0x hex)")
	flagLEDPin := fs.String("led-pin", "", "Activity LED GPIO name (e.g. GPIO17)")
	flagServoPin := fs.String("servo-pin", "", "Servo PWM GPIO name (e.g. GPIO18)")
	flagDutyMin := fs.Float64("duty-min", math.NaN(), "Servo duty cycle percent at actuator 0")
	flagDutyMax := fs.Float64("duty-max", math.NaN(), "Servo duty cycle percent at actuator 100")
	flagSweep := fs.Bool("sweep", false, "Sweep the servo 0 -> 100 -> 50 on start")
	flagListen := fs.String("listen", "", "CoAP listen address of the device server (e.g. :5683)")
	flagTempRes := fs.String("temperature-resource", "", "Temperature resource name")
	flagLightRes := fs.String("light-resource", "", "Light resource name")
	flagActRes := fs.String("actuator-resource", "", "Actuator resource name")
	flagDevice := fs.String("coap-server", "", "CoAP address of the device server as seen by the bridge (host:port)")
	flagInterval := fs.Int("update-interval", -1, "Bridge poll interval in ms")
	flagAccuracy := fs.Int("update-accuracy", -1, "Bridge rounding accuracy in decimal digits")
	flagCallTimeout := fs.Int("call-timeout", -1, "Per-call timeout for device and ledger calls in ms")
	flagLedger := fs.String("ledger", "", "Ledger backend: ethereum|local")
	flagRPC := fs.String("rpc-server", "", "Ethereum JSON-RPC URL")
	flagContract := fs.String("contract", "", "Device contract address")
	flagABI := fs.String("abi-file", "", "Contract ABI JSON file (embedded default when empty)")
	flagKeystore := fs.String("keystore", "", "Keystore file of the transacting account")
	flagPassword := fs.String("password", "", "Keystore password")
	flagDB := fs.String("db", "", "SQLite path for the local ledger backend")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt)")
	flagOutputIntervals := fs.String("output-intervals", "", "Comma-separated output intervals e.g. console=1000,mqtt=5000")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "MQTT state topic, %s is replaced by the reading kind")
	flagLogLevel := fs.String("log-level", "", "Log level: debug|info|warn|error")
	flagLogJSON := fs.Bool("log-json", false, "Log as JSON")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()

	if *cfgPath != "" {
		if err := LoadFile(*cfgPath, &cfg); err != nil {
			return cfg, err
		}
	}

	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagI2CBus != "" {
		cfg.Hardware.I2CBus = *flagI2CBus
	}
	if *flagTempAddr != "" {
		v, err := parseIntOrHex(*flagTempAddr)
		if err != nil {
			return cfg, fmt.Errorf("temperature-address: %w", err)
		}
		cfg.Hardware.TemperatureAddress = v
	}
	if *flagLightAddr != "" {
		v, err := parseIntOrHex(*flagLightAddr)
		if err != nil {
			return cfg, fmt.Errorf("light-address: %w", err)
		}
		cfg.Hardware.LightAddress = v
	}
	if *flagLEDPin != "" {
		cfg.Hardware.LEDPin = *flagLEDPin
	}
	if *flagServoPin != "" {
		cfg.Hardware.ServoPin = *flagServoPin
	}
	if !math.IsNaN(*flagDutyMin) {
		cfg.Hardware.DutyMin = *flagDutyMin
	}
	if !math.IsNaN(*flagDutyMax) {
		cfg.Hardware.DutyMax = *flagDutyMax
	}
	if *flagSweep {
		cfg.Hardware.SweepOnStart = true
	}
	if *flagListen != "" {
		cfg.Server.Address = *flagListen
	}
	if *flagTempRes != "" {
		cfg.Resources.Temperature = *flagTempRes
	}
	if *flagLightRes != "" {
		cfg.Resources.Light = *flagLightRes
	}
	if *flagActRes != "" {
		cfg.Resources.Actuator = *flagActRes
	}
	if *flagDevice != "" {
		cfg.Bridge.DeviceAddress = strings.TrimPrefix(*flagDevice, "coap://")
	}
	if *flagInterval != -1 {
		cfg.Bridge.IntervalMs = *flagInterval
	}
	if *flagAccuracy != -1 {
		cfg.Bridge.Accuracy = *flagAccuracy
	}
	if *flagCallTimeout != -1 {
		cfg.Bridge.CallTimeoutMs = *flagCallTimeout
	}
	if *flagLedger != "" {
		cfg.Ledger.Backend = *flagLedger
	}
	if *flagRPC != "" {
		cfg.Ledger.RPCURL = *flagRPC
	}
	if *flagContract != "" {
		cfg.Ledger.Contract = *flagContract
	}
	if *flagABI != "" {
		cfg.Ledger.ABIFile = *flagABI
	}
	if *flagKeystore != "" {
		cfg.Ledger.KeystoreFile = *flagKeystore
	}
	if *flagPassword != "" {
		cfg.Ledger.Password = *flagPassword
	}
	if *flagDB != "" {
		cfg.Ledger.DBPath = *flagDB
	}
	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p, IntervalMs: cfg.IntervalMs})
		}
		cfg.Outputs = outs
	}
	if *flagOutputIntervals != "" {
		intervals, err := parseKeyIntMap(*flagOutputIntervals)
		if err != nil {
			return cfg, fmt.Errorf("output-intervals: %w", err)
		}
		for i := range cfg.Outputs {
			if v, ok := intervals[cfg.Outputs[i].Type]; ok {
				cfg.Outputs[i].IntervalMs = v
			}
		}
	}
	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" || *flagTopic != "" {
		apply := func(m *MQTTConfig) {
			if *flagMQTTServer != "" {
				m.Server = *flagMQTTServer
			}
			if *flagMQTTUser != "" {
				m.Username = *flagMQTTUser
			}
			if *flagMQTTPass != "" {
				m.Password = *flagMQTTPass
			}
			if *flagClientID != "" {
				m.ClientID = *flagClientID
			}
			if *flagTopic != "" {
				m.StateTopic = *flagTopic
			}
		}
		// Apply MQTT flags to all mqtt outputs; if none exist, create one.
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) == "mqtt" {
				if cfg.Outputs[i].MQTT == nil {
					cfg.Outputs[i].MQTT = &MQTTConfig{}
				}
				apply(cfg.Outputs[i].MQTT)
				applied = true
			}
		}
		if !applied {
			mqttOut := OutputConfig{Type: "mqtt", IntervalMs: cfg.IntervalMs, MQTT: &MQTTConfig{}}
			apply(mqttOut.MQTT)
			cfg.Outputs = append(cfg.Outputs, mqttOut)
		}
	}
	if *flagLogLevel != "" {
		cfg.Log.Level = *flagLogLevel
	}
	if *flagLogJSON {
		cfg.Log.JSON = true
	}
	// ensure outputs have interval default
	for i := range cfg.Outputs {
		if cfg.Outputs[i].IntervalMs == 0 {
			cfg.Outputs[i].IntervalMs = cfg.IntervalMs
		}
	}

	return cfg, cfg.Validate()
}

// Validate reports the first inconsistent option.
func (c Config) Validate() error {
	switch c.SensorType {
	case SensorReal, SensorSimulation:
	default:
		return fmt.Errorf("sensor-type must be %q or %q, got %q", SensorReal, SensorSimulation, c.SensorType)
	}
	if c.Hardware.DutyMin >= c.Hardware.DutyMax {
		return errors.New("duty-min must be lower than duty-max")
	}
	if c.Hardware.DutyMin < 0 || c.Hardware.DutyMax > 100 {
		return errors.New("duty cycle bounds must be within 0..100")
	}
	if c.Hardware.SettleMs < 55 {
		return errors.New("settle_ms must be >= 55")
	}
	if c.Hardware.ServoFrequencyHz <= 0 {
		return errors.New("servo_frequency_hz must be > 0")
	}
	r := c.Resources
	if r.Temperature == "" || r.Light == "" || r.Actuator == "" {
		return errors.New("resource names must not be empty")
	}
	if r.Temperature == r.Light || r.Temperature == r.Actuator || r.Light == r.Actuator {
		return errors.New("resource names must be distinct")
	}
	if c.Bridge.IntervalMs <= 0 {
		return errors.New("update-interval must be > 0")
	}
	if c.Bridge.Accuracy < 0 {
		return errors.New("update-accuracy must be >= 0")
	}
	if c.Bridge.CallTimeoutMs <= 0 {
		return errors.New("call-timeout must be > 0")
	}
	switch c.Ledger.Backend {
	case LedgerEthereum, LedgerLocal:
	default:
		return fmt.Errorf("ledger must be %q or %q, got %q", LedgerEthereum, LedgerLocal, c.Ledger.Backend)
	}
	return nil
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseKeyIntMap(s string) (map[string]int, error) {
	out := map[string]int{}
	for _, p := range parseCSV(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid entry '%s'", p)
		}
		v, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid value in '%s': %w", p, err)
		}
		out[strings.TrimSpace(kv[0])] = v
	}
	return out, nil
}
