package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	DEVICE_CLASS_SENSOR = "sensor"
	DEVICE_CLASS_RELAY  = "relay"
	DEVICE_CLASS_ALARM  = "alarm"

	TELEMETRY_TRANSPORT_UDP  = "udp"
	TELEMETRY_TRANSPORT_MQTT = "mqtt"

	SENSOR_SOURCE_SIMULATED = "simulated"
	SENSOR_SOURCE_MODBUS    = "modbus"
)

type Config struct {
	LogLevel  zapcore.Level
	Device    DeviceConfig    `mapstructure:"device"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Control   ControlConfig   `mapstructure:"control"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Sensor    SensorConfig    `mapstructure:"sensor"`
	Announce  AnnounceConfig  `mapstructure:"announce"`
	Port      uint            `mapstructure:"port"`
	HttpLog   bool            `mapstructure:"http_log"`
}

type DeviceConfig struct {
	Id                      string
	Class                   string
	ControlPort             uint   `mapstructure:"control_port"`
	AdvertiseIP             string `mapstructure:"advertise_ip"`
	ReportIntervalMillis    uint32 `mapstructure:"report_interval_millis"`
	HeartbeatIntervalMillis uint32 `mapstructure:"heartbeat_interval_millis"`
}

type DiscoveryConfig struct {
	Enabled    bool
	Group      string
	Port       uint
	Interfaces []string
}

// GatewayConfig pins the gateway when multicast is not available.
type GatewayConfig struct {
	Host          string
	ControlPort   uint32 `mapstructure:"control_port"`
	TelemetryPort uint32 `mapstructure:"telemetry_port"`
}

type TelemetryConfig struct {
	Transport string
}

type ControlConfig struct {
	MaxConnections    int64  `mapstructure:"max_connections"`
	ReadTimeoutMillis uint32 `mapstructure:"read_timeout_millis"`
}

type MQTTConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	BaseTopic string `mapstructure:"base_topic"`
}

type SensorConfig struct {
	Source string
	Modbus SensorModbusConfig `mapstructure:"modbus"`
}

type SensorModbusConfig struct {
	Host          string
	Port          uint
	UnitId        uint8  `mapstructure:"unit_id"`
	Register      uint16 `mapstructure:"register"`
	TimeoutMillis uint32 `mapstructure:"timeout_millis"`
}

type AnnounceConfig struct {
	Enabled bool
	Service string
	Domain  string
}

func (c DeviceConfig) IsSensor() bool {
	return c.Class == DEVICE_CLASS_SENSOR
}

func (c DeviceConfig) IsActuator() bool {
	return c.Class == DEVICE_CLASS_RELAY || c.Class == DEVICE_CLASS_ALARM
}

// DefaultControlPort is the control port used by the reference devices of each class.
func DefaultControlPort(class string) uint {
	if class == DEVICE_CLASS_SENSOR {
		return 6001
	}
	return 6002
}

// ReportPeriod is the initial telemetry period: sampling interval for sensors,
// heartbeat for actuators.
func (c DeviceConfig) ReportPeriod() time.Duration {
	if c.IsSensor() {
		return time.Duration(c.ReportIntervalMillis) * time.Millisecond
	}
	return time.Duration(c.HeartbeatIntervalMillis) * time.Millisecond
}

func (c ControlConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMillis) * time.Millisecond
}

func (c TelemetryConfig) UseMQTT() bool {
	return c.Transport == TELEMETRY_TRANSPORT_MQTT
}

func (c Config) Validate() error {
	if err := CheckDeviceId(c.Device.Id); err != nil {
		return fmt.Errorf("config param device.id: %w", err)
	}
	switch c.Device.Class {
	case DEVICE_CLASS_SENSOR, DEVICE_CLASS_RELAY, DEVICE_CLASS_ALARM:
	default:
		return fmt.Errorf("config param device.class must be one of sensor, relay, alarm (got %q)", c.Device.Class)
	}
	if c.Device.ControlPort == 0 || c.Device.ControlPort > 65535 {
		return errors.New("config param device.control_port should be in 1..65535")
	}
	if c.Device.IsSensor() && c.Device.ReportIntervalMillis < 100 {
		return errors.New("config param device.report_interval_millis should be >= 100")
	}
	if c.Device.IsActuator() && c.Device.HeartbeatIntervalMillis < 100 {
		return errors.New("config param device.heartbeat_interval_millis should be >= 100")
	}
	switch c.Telemetry.Transport {
	case TELEMETRY_TRANSPORT_UDP, TELEMETRY_TRANSPORT_MQTT:
	default:
		return fmt.Errorf("config param telemetry.transport must be udp or mqtt (got %q)", c.Telemetry.Transport)
	}
	switch c.Sensor.Source {
	case SENSOR_SOURCE_SIMULATED:
	case SENSOR_SOURCE_MODBUS:
		if c.Sensor.Modbus.Host == "" {
			return errors.New("config param sensor.modbus.host is required when sensor.source is modbus")
		}
	default:
		return fmt.Errorf("config param sensor.source must be simulated or modbus (got %q)", c.Sensor.Source)
	}
	if c.Control.MaxConnections <= 0 {
		return errors.New("config param control.max_connections should be > 0")
	}
	return nil
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}

// CheckDeviceId rejects ids that cannot be a single MQTT topic level: the id
// is embedded in the device data, command and availability topics.
func CheckDeviceId(deviceId string) error {
	if strings.TrimSpace(deviceId) == "" {
		return errors.New("must not be empty")
	}
	if strings.ContainsAny(deviceId, "/+#\x00") {
		return errors.New("must not contain '/', '+', '#' or NUL")
	}
	return nil
}
