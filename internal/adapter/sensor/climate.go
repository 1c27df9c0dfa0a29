package sensor

import (
	"time"

	"github.com/berfenger/citydevice/internal/config"
	"github.com/berfenger/citydevice/internal/core/port"
	"github.com/berfenger/citydevice/pkg/climate_modbus"
	"github.com/berfenger/citydevice/pkg/smartcity"

	"go.uber.org/zap"
)

// ClimateSource turns probe readings into report measurements. The probe is
// opened lazily so a device can boot while its probe is unreachable.
type ClimateSource struct {
	reader climate_modbus.ClimateReader
}

func NewClimateSource(reader climate_modbus.ClimateReader) *ClimateSource {
	return &ClimateSource{reader: reader}
}

// FromConfig picks the simulated probe or a Modbus TCP one.
func FromConfig(cfg config.SensorConfig, seed uint64, logger *zap.Logger) (*ClimateSource, error) {
	if cfg.Source != config.SENSOR_SOURCE_MODBUS {
		return NewClimateSource(climate_modbus.CreateSimulatedClimateReader(seed)), nil
	}
	timeout := time.Duration(cfg.Modbus.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}
	reader, err := climate_modbus.CreateClimateIntSFModbusReader(cfg.Modbus.Host, cfg.Modbus.Port, cfg.Modbus.UnitId,
		cfg.Modbus.Register, timeout, logger, nil)
	if err != nil {
		return nil, err
	}
	return NewClimateSource(reader), nil
}

func (s *ClimateSource) Measure() (*smartcity.Measurement, error) {
	if err := s.reader.Open(); err != nil {
		return nil, err
	}
	reading, err := s.reader.Read()
	if err != nil {
		return nil, err
	}
	return &smartcity.Measurement{
		Temperature: reading.Temperature,
		Humidity:    reading.Humidity,
	}, nil
}

func (s *ClimateSource) Close() error {
	return s.reader.Close()
}

// ensure interface compliance
var _ port.MeasurementSource = (*ClimateSource)(nil)
