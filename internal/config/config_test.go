package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		Device: DeviceConfig{
			Id:                      "sensor-1",
			Class:                   DEVICE_CLASS_SENSOR,
			ControlPort:             6001,
			ReportIntervalMillis:    15000,
			HeartbeatIntervalMillis: 5000,
		},
		Telemetry: TelemetryConfig{Transport: TELEMETRY_TRANSPORT_UDP},
		Control:   ControlConfig{MaxConnections: 8},
		Sensor:    SensorConfig{Source: SENSOR_SOURCE_SIMULATED},
	}
}

func TestValidate(t *testing.T) {

	assert := assert.New(t)

	cfg := validConfig()
	assert.NoError(cfg.Validate())
	assert.Equal(15*time.Second, cfg.Device.ReportPeriod())

	cfg.Device.Class = DEVICE_CLASS_RELAY
	assert.NoError(cfg.Validate())
	assert.Equal(5*time.Second, cfg.Device.ReportPeriod())

	cfg.Device.Class = "toaster"
	assert.Error(cfg.Validate())

	cfg = validConfig()
	cfg.Telemetry.Transport = "carrier_pigeon"
	assert.Error(cfg.Validate())

	cfg = validConfig()
	cfg.Sensor.Source = SENSOR_SOURCE_MODBUS
	assert.Error(cfg.Validate(), "modbus without host")
	cfg.Sensor.Modbus.Host = "10.0.0.20"
	assert.NoError(cfg.Validate())

	cfg = validConfig()
	cfg.Device.Id = "sensor/1"
	assert.Error(cfg.Validate(), "topic separator in id")
}

func TestCheckDeviceId(t *testing.T) {

	assert := assert.New(t)

	for _, id := range []string{"sensor-1", "sensor:1", "Sala 2", "3f2c1e0a-uuid"} {
		assert.NoError(CheckDeviceId(id), id)
	}
	for _, id := range []string{"", "   ", "a/b", "room+", "#", "x\x00y"} {
		assert.Error(CheckDeviceId(id), id)
	}
}

func TestDefaultControlPort(t *testing.T) {
	assert.Equal(t, uint(6001), DefaultControlPort(DEVICE_CLASS_SENSOR))
	assert.Equal(t, uint(6002), DefaultControlPort(DEVICE_CLASS_RELAY))
	assert.Equal(t, uint(6002), DefaultControlPort(DEVICE_CLASS_ALARM))
}

func TestCheckMQTTTopic(t *testing.T) {

	assert := assert.New(t)

	topic, err := CheckMQTTTopic("Smart_City")
	assert.NoError(err)
	assert.Equal("smart_city", topic)

	_, err = CheckMQTTTopic("smart/city")
	assert.Error(err)
}
