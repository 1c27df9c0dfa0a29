package mqtt

import (
	"fmt"
	"time"

	"github.com/berfenger/citydevice/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	MQTT_PAYLOAD_ONLINE  = "online"
	MQTT_PAYLOAD_OFFLINE = "offline"

	MQTT_CATEGORY_SENSORS   = "sensors"
	MQTT_CATEGORY_ACTUATORS = "actuators"
)

// Broker is the address the client connects to, from config or discovery.
type Broker struct {
	Host string
	Port int
}

func (b Broker) URL() string {
	return fmt.Sprintf("tcp://%s:%d", b.Host, b.Port)
}

func CategoryForClass(class string) string {
	if class == config.DEVICE_CLASS_SENSOR {
		return MQTT_CATEGORY_SENSORS
	}
	return MQTT_CATEGORY_ACTUATORS
}

func OptsFromConfig(cfg *config.Config, broker Broker, deviceId string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker.URL())
	opts.SetClientID(fmt.Sprintf("citydevice_%s", deviceId))
	if cfg.MQTT.Username != "" && cfg.MQTT.Password != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	opts.SetAutoReconnect(true)
	opts.WillEnabled = true
	opts.WillPayload = []byte(MQTT_PAYLOAD_OFFLINE)
	opts.WillRetained = true
	opts.WillTopic = availabilityTopic(cfg.MQTT.BaseTopic, deviceId)
	opts.WillQos = 0

	return opts
}

func CreateMQTTClient(cfg *config.Config, opts *mqtt.ClientOptions, deviceId string, onConnectHandler func(client mqtt.Client),
	onConnectionLostHandler func(mqtt.Client, error)) *MQTTClient {
	if onConnectHandler != nil {
		opts.OnConnect = onConnectHandler
	}
	if onConnectionLostHandler != nil {
		opts.OnConnectionLost = onConnectionLostHandler
	}
	return &MQTTClient{
		client:   mqtt.NewClient(opts),
		cfg:      cfg.MQTT,
		category: CategoryForClass(cfg.Device.Class),
		deviceId: deviceId,
	}
}

// Topics are the per-device topics, namespaced by device id.
type Topics struct {
	Data         string
	Command      string
	Response     string
	Availability string
}

func TopicsFor(baseTopic, category, deviceId string) Topics {
	command := fmt.Sprintf("%s/commands/%s/%s", baseTopic, category, deviceId)
	return Topics{
		Data:         fmt.Sprintf("%s/%s/%s", baseTopic, category, deviceId),
		Command:      command,
		Response:     fmt.Sprintf("%s/response", command),
		Availability: availabilityTopic(baseTopic, deviceId),
	}
}

// MQTTClient is not safe for concurrent use: the device id and the topics
// derived from it belong to the owning actor. Message handlers must forward
// raw messages to the actor instead of calling back into the client.
type MQTTClient struct {
	client   mqtt.Client
	cfg      config.MQTTConfig
	category string
	deviceId string
}

type ParsedMQTTCommand struct {
	Category string
	DeviceId string
	Payload  []byte
}

func (c *MQTTClient) baseTopic() string {
	return c.cfg.BaseTopic
}

func (c *MQTTClient) DeviceId() string {
	return c.deviceId
}

func (c *MQTTClient) SetDeviceId(deviceId string) {
	c.deviceId = deviceId
}

func (c *MQTTClient) Topics() Topics {
	return TopicsFor(c.baseTopic(), c.category, c.deviceId)
}

func (c *MQTTClient) AvailabilityTopic() string {
	return c.Topics().Availability
}

func (c *MQTTClient) DataTopic() string {
	return c.Topics().Data
}

func (c *MQTTClient) CommandTopic() string {
	return c.Topics().Command
}

func (c *MQTTClient) ResponseTopic() string {
	return c.Topics().Response
}

// ParseMQTTCommand accepts messages on the current command topic only. Any
// other topic, including the command topic of a previous device id, is an error.
func (c *MQTTClient) ParseMQTTCommand(topic string, payload []byte) (*ParsedMQTTCommand, error) {
	if topic != c.CommandTopic() {
		return nil, fmt.Errorf("not a command topic for %s: %s", c.deviceId, topic)
	}
	return &ParsedMQTTCommand{
		Category: c.category,
		DeviceId: c.deviceId,
		Payload:  payload,
	}, nil
}

func (c *MQTTClient) Publish(topic string, payload any, qos byte, retain bool, continuation func(error), timeout time.Duration) {
	token := c.client.Publish(topic, qos, retain, payload)
	go waitToken(token, "publish", continuation, timeout)
}

func (c *MQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler, continuation func(error), timeout time.Duration) {
	token := c.client.Subscribe(topic, qos, handler)
	go waitToken(token, "subscribe", continuation, timeout)
}

func (c *MQTTClient) SubscribeToCommandTopic(handler mqtt.MessageHandler, continuation func(error), timeout time.Duration) {
	c.Subscribe(c.CommandTopic(), 1, handler, continuation, timeout)
}

func (c *MQTTClient) Unsubscribe(topic string, continuation func(error), timeout time.Duration) {
	token := c.client.Unsubscribe(topic)
	go waitToken(token, "unsubscribe", continuation, timeout)
}

func (c *MQTTClient) Connect(continuation func(error), timeout time.Duration) {
	token := c.client.Connect()
	go waitToken(token, "connect", continuation, timeout)
}

func (c *MQTTClient) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *MQTTClient) Disconnect(timeout time.Duration) {
	c.client.Disconnect(uint(timeout.Milliseconds()))
}

func waitToken(token mqtt.Token, op string, continuation func(error), timeout time.Duration) {
	if !token.WaitTimeout(timeout) {
		continuation(fmt.Errorf("MQTT %s timed out", op))
		return
	}
	continuation(token.Error())
}

func availabilityTopic(baseTopic, deviceId string) string {
	return fmt.Sprintf("%s/status/%s", baseTopic, deviceId)
}
