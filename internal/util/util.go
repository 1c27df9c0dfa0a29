package util

import (
	"github.com/berfenger/citydevice/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Device: config.DeviceConfig{
			Id:                      "sensor-test",
			Class:                   config.DEVICE_CLASS_SENSOR,
			ControlPort:             6001,
			AdvertiseIP:             "127.0.0.1",
			ReportIntervalMillis:    15000,
			HeartbeatIntervalMillis: 60000,
		},
		Discovery: config.DiscoveryConfig{
			Enabled: true,
			Group:   "224.1.1.1",
			Port:    5007,
		},
		Telemetry: config.TelemetryConfig{
			Transport: config.TELEMETRY_TRANSPORT_UDP,
		},
		Control: config.ControlConfig{
			MaxConnections:    16,
			ReadTimeoutMillis: 2000,
		},
		MQTT: config.MQTTConfig{
			Port:      1883,
			BaseTopic: "smart_city",
		},
		Sensor: config.SensorConfig{
			Source: config.SENSOR_SOURCE_SIMULATED,
		},
		Port: 8080,
	}
}
