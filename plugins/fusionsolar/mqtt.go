package fusionsolar

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	uuid "github.com/satori/go.uuid"

	"github.com/joshp123/gohome-fusionsolar/internal/config"
	"github.com/joshp123/gohome-fusionsolar/internal/log"
)

const (
	mqttQoS            = 1
	mqttConnectTimeout = 10 * time.Second
	mqttDisconnectMS   = 250
	payloadOnline      = "online"
	payloadOffline     = "offline"
)

// MessageSink publishes one MQTT message.
type MessageSink interface {
	Publish(topic string, retained bool, payload []byte) error
}

// MQTTClient is a paho connection used as a MessageSink. It owns the bridge
// availability topic: "online" on every connect, "offline" on Close, and
// "offline" from the broker as the last will if the process dies.
type MQTTClient struct {
	client      mqtt.Client
	bridgeTopic string
}

func NewMQTTClient(cfg *config.MQTTConfig) (*MQTTClient, error) {
	opts, err := mqttOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return &MQTTClient{client: client, bridgeTopic: BridgeAvailabilityTopic(cfg.TopicPrefix)}, nil
}

func mqttOptions(cfg *config.MQTTConfig) (*mqtt.ClientOptions, error) {
	bridge := BridgeAvailabilityTopic(cfg.TopicPrefix)
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("fusionsolar-" + uuid.NewV4().String()).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetWill(bridge, payloadOffline, mqttQoS, true).
		SetOnConnectHandler(func(c mqtt.Client) {
			// Runs on reconnect too, replacing the broker's last will.
			c.Publish(bridge, mqttQoS, true, payloadOnline)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.PasswordFile != "" {
		password, err := config.ReadSecretFile(cfg.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt password: %w", err)
		}
		opts.SetPassword(password)
	}
	return opts, nil
}

func (c *MQTTClient) Publish(topic string, retained bool, payload []byte) error {
	if token := c.client.Publish(topic, mqttQoS, retained, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Close marks the bridge offline and disconnects.
func (c *MQTTClient) Close() error {
	err := c.Publish(c.bridgeTopic, true, []byte(payloadOffline))
	c.client.Disconnect(mqttDisconnectMS)
	if err != nil {
		return fmt.Errorf("publish bridge offline: %w", err)
	}
	return nil
}

// BridgeAvailabilityTopic is the daemon-wide availability topic under
// topicPrefix.
func BridgeAvailabilityTopic(topicPrefix string) string {
	if topicPrefix == "" {
		topicPrefix = config.DefaultTopicPrefix
	}
	return strings.TrimRight(topicPrefix, "/") + "/bridge/availability"
}

// Discovery announces plant sensors to Home Assistant over MQTT and
// publishes their state after every coordinator update.
type Discovery struct {
	sink            MessageSink
	discoveryPrefix string
	topicPrefix     string
}

func NewDiscovery(sink MessageSink, discoveryPrefix, topicPrefix string) *Discovery {
	if discoveryPrefix == "" {
		discoveryPrefix = config.DefaultDiscoveryTopic
	}
	if topicPrefix == "" {
		topicPrefix = config.DefaultTopicPrefix
	}
	return &Discovery{
		sink:            sink,
		discoveryPrefix: strings.TrimRight(discoveryPrefix, "/"),
		topicPrefix:     strings.TrimRight(topicPrefix, "/"),
	}
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	Name         string   `json:"name"`
}

type discoveryAvailability struct {
	Topic string `json:"topic"`
}

// discoveryConfig lists both the bridge and the plant availability topics;
// availability_mode "all" needs both online.
type discoveryConfig struct {
	Name              string                  `json:"name"`
	UniqueID          string                  `json:"unique_id"`
	ObjectID          string                  `json:"object_id"`
	StateTopic        string                  `json:"state_topic"`
	ValueTemplate     string                  `json:"value_template"`
	Availability      []discoveryAvailability `json:"availability"`
	AvailabilityMode  string                  `json:"availability_mode"`
	DeviceClass       string                  `json:"device_class,omitempty"`
	UnitOfMeasurement string                  `json:"unit_of_measurement,omitempty"`
	StateClass        string                  `json:"state_class,omitempty"`
	Device            discoveryDevice         `json:"device"`
}

// Announce publishes retained discovery configs for newly added entities.
func (d *Discovery) Announce(account *Account, added []Entity) error {
	data := account.Coord.Data()
	known := account.Coord.KnownPlants()
	for _, entity := range added {
		device := PlantDevice(entity.PlantID, data, known)
		payload, err := json.Marshal(d.configFor(entity, device))
		if err != nil {
			return fmt.Errorf("encode discovery config: %w", err)
		}
		if err := d.sink.Publish(d.configTopic(entity), true, payload); err != nil {
			return fmt.Errorf("publish discovery config %s: %w", entity.UniqueID, err)
		}
	}
	return nil
}

// PublishState publishes availability for every tracked plant and a JSON
// state document for each plant with data.
func (d *Discovery) PublishState(account *Account, data map[string]Snapshot) error {
	seen := make(map[string]bool)
	for _, entity := range account.Entities.Entities() {
		if seen[entity.PlantID] {
			continue
		}
		seen[entity.PlantID] = true

		availability := payloadOffline
		if entity.Available(account.Coord) {
			availability = payloadOnline
		}
		if err := d.sink.Publish(d.availabilityTopic(entity.PlantID), true, []byte(availability)); err != nil {
			return fmt.Errorf("publish availability %s: %w", entity.PlantID, err)
		}

		snapshot, ok := data[entity.PlantID]
		if !ok {
			continue
		}
		payload, err := json.Marshal(StatePayload(snapshot))
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		if err := d.sink.Publish(d.stateTopic(entity.PlantID), false, payload); err != nil {
			return fmt.Errorf("publish state %s: %w", entity.PlantID, err)
		}
	}
	return nil
}

// HandleUpdate announces new entities and publishes state. Failures are
// logged.
func (d *Discovery) HandleUpdate(ctx context.Context, account *Account, added []Entity, update Update) {
	logger := log.Ctx(ctx).With("account", account.ID)
	if err := d.Announce(account, added); err != nil {
		logger.Warn("mqtt discovery failed", "error", err)
	}
	if err := d.PublishState(account, update.Data); err != nil {
		logger.Warn("mqtt state publish failed", "error", err)
	}
}

// StatePayload is the JSON state document of one plant.
func StatePayload(snapshot Snapshot) map[string]any {
	out := make(map[string]any, len(SensorDescriptions)+2)
	for _, desc := range SensorDescriptions {
		out[desc.Key] = desc.Value(snapshot)
	}
	out["plant_name"] = snapshot.PlantName
	if !snapshot.UpdatedAt.IsZero() {
		out["updated_at"] = snapshot.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func (d *Discovery) configFor(entity Entity, device DeviceInfo) discoveryConfig {
	desc := entity.Description
	return discoveryConfig{
		Name:              desc.Name,
		UniqueID:          "fusionsolar_" + entity.UniqueID,
		ObjectID:          "fusionsolar_" + topicSegment(entity.UniqueID),
		StateTopic:        d.stateTopic(entity.PlantID),
		ValueTemplate:     "{{ value_json." + desc.Key + " }}",
		Availability: []discoveryAvailability{
			{Topic: BridgeAvailabilityTopic(d.topicPrefix)},
			{Topic: d.availabilityTopic(entity.PlantID)},
		},
		AvailabilityMode:  "all",
		DeviceClass:       desc.DeviceClass,
		UnitOfMeasurement: desc.Unit,
		StateClass:        desc.StateClass,
		Device: discoveryDevice{
			Identifiers:  []string{"fusionsolar_" + device.Identifier},
			Manufacturer: device.Manufacturer,
			Model:        device.Model,
			Name:         device.Name,
		},
	}
}

func (d *Discovery) configTopic(entity Entity) string {
	return fmt.Sprintf("%s/sensor/fusionsolar_%s/%s/config", d.discoveryPrefix, topicSegment(entity.PlantID), entity.Description.Key)
}

func (d *Discovery) stateTopic(plantID string) string {
	return d.topicPrefix + "/" + topicSegment(plantID) + "/state"
}

func (d *Discovery) availabilityTopic(plantID string) string {
	return d.topicPrefix + "/" + topicSegment(plantID) + "/availability"
}

// topicSegment keeps letters, digits, '-' and '_'; everything else becomes
// '_'. Plant DNs look like "NE=33554785".
func topicSegment(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
