package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ericogr/sensor-ledger-bridge/pkg/config"
	"github.com/ericogr/sensor-ledger-bridge/pkg/output"
)

const (
	// defaults
	DefaultServer     = "tcp://localhost:1883"
	DefaultClientID   = "sensor-ledger-bridge"
	perKindTopicFmt   = "sensor-ledger-bridge/%s/%s"
	kindPlaceholder   = "%s"
	disconnectQuiesce = 250
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	stateClassMeasurement  = "measurement"
	valueTemplateValue     = "{{ value_json.value }}"
)

// kindInfo holds the Home Assistant metadata announced for a kind.
type kindInfo struct {
	unit        string
	deviceClass string
}

var knownKinds = map[string]kindInfo{
	"temperature": {unit: "K", deviceClass: "temperature"},
	"light":       {unit: "lx", deviceClass: "illuminance"},
	"actuator":    {unit: "%"},
	"observed":    {unit: "K", deviceClass: "temperature"},
	"actuation":   {unit: "%"},
}

type MQTTOutput struct {
	client         mqtt.Client
	source         string
	stateTopic     string
	discoveryTopic string
}

// NewMQTT connects to the broker and, when a discovery topic is configured,
// announces the given kinds. source is "device" or "bridge".
func NewMQTT(cfg config.MQTTConfig, source string, kinds []string) (output.Output, error) {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("%s-%s-%s", DefaultClientID, source, uuid.NewString())
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	m := &MQTTOutput{client: client, source: source, stateTopic: cfg.StateTopic, discoveryTopic: cfg.DiscoveryTopic}
	m.announce(cfg, kinds)

	return m, nil
}

func (m *MQTTOutput) Publish(ev output.Event) error {
	topic := formatStateTopic(m.stateTopic, m.source, ev.Kind)
	payload := map[string]interface{}{"value": ev.Value, "source": ev.Source, "timestamp": ev.Timestamp}
	if ev.Unit != "" {
		payload["unit"] = ev.Unit
	}
	return m.publishJSON(topic, false, payload)
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(disconnectQuiesce)
	}
	return nil
}

// PublishRaw publishes payload to topic. Discovery messages are retained.
func (m *MQTTOutput) PublishRaw(topic string, payload []byte, retained bool) error {
	if m.client == nil {
		return fmt.Errorf("mqtt client not connected")
	}
	token := m.client.Publish(topic, 0, retained, payload)
	token.Wait()
	return token.Error()
}

// announce publishes a retained Home Assistant discovery payload per kind
// when a discovery topic is configured.
func (m *MQTTOutput) announce(cfg config.MQTTConfig, kinds []string) {
	if m.discoveryTopic == "" {
		return
	}
	for _, kind := range kinds {
		dTopic := m.discoveryTopic
		if strings.Contains(dTopic, kindPlaceholder) {
			dTopic = fmt.Sprintf(dTopic, kind)
		}
		payload := baseDiscoveryPayload(discoveryName(cfg, kind), formatStateTopic(m.stateTopic, m.source, kind), discoveryUniqueID(cfg, kind), kind)
		if err := m.publishJSON(dTopic, true, payload); err != nil {
			log.Warn().Err(err).Str("topic", dTopic).Msg("mqtt discovery publish error")
		}
	}
}

// helper: format a state topic for a kind using an optional formatter
func formatStateTopic(base, source, kind string) string {
	if base != "" {
		if strings.Contains(base, kindPlaceholder) {
			return fmt.Sprintf(base, kind)
		}
		return base
	}
	return fmt.Sprintf(perKindTopicFmt, source, kind)
}

// helper: build a human-friendly discovery name for a kind
func discoveryName(cfg config.MQTTConfig, kind string) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("Sensor bridge %s", cfg.ClientID)
	}
	return fmt.Sprintf("%s %s", name, kind)
}

// helper: build a unique id for discovery
func discoveryUniqueID(cfg config.MQTTConfig, kind string) string {
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	if uid == "" {
		return ""
	}
	return fmt.Sprintf("%s_%s", uid, kind)
}

// helper: base discovery payload map common to all entries
func baseDiscoveryPayload(name, stateTopic, uniqueID, kind string) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       valueTemplateValue,
		keyJSONAttributesTopic: stateTopic,
	}
	if info, ok := knownKinds[kind]; ok {
		payload[keyUnitOfMeasurement] = info.unit
		if info.deviceClass != "" {
			payload[keyDeviceClass] = info.deviceClass
		}
	}
	if uniqueID != "" {
		payload[keyUniqueID] = uniqueID
	}
	return payload
}

// helper: marshal and publish JSON payload
func (m *MQTTOutput) publishJSON(topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.PublishRaw(topic, b, retained)
}
