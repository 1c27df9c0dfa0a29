package sensor

import (
	"testing"

	"github.com/berfenger/citydevice/internal/config"
	"github.com/berfenger/citydevice/pkg/climate_modbus"
	"github.com/berfenger/citydevice/pkg/smartcity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClimateSource(t *testing.T) {

	src := NewClimateSource(climate_modbus.FixedClimateReader{Reading: climate_modbus.ClimateReading{Temperature: 22.5, Humidity: 41}})
	m, err := src.Measure()
	require.NoError(t, err)
	assert.Equal(t, &smartcity.Measurement{Temperature: 22.5, Humidity: 41}, m)
}

func TestFromConfig(t *testing.T) {

	logger := zap.NewNop()

	src, err := FromConfig(config.SensorConfig{Source: config.SENSOR_SOURCE_SIMULATED}, 7, logger)
	require.NoError(t, err)
	m, err := src.Measure()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.Humidity, 0.0)
	assert.LessOrEqual(t, m.Humidity, 100.0)

	// nothing listens on port 1: the source builds, the read fails
	src, err = FromConfig(config.SensorConfig{
		Source: config.SENSOR_SOURCE_MODBUS,
		Modbus: config.SensorModbusConfig{Host: "127.0.0.1", Port: 1, Register: 30001, TimeoutMillis: 200},
	}, 0, logger)
	require.NoError(t, err)
	_, err = src.Measure()
	assert.Error(t, err)
}
