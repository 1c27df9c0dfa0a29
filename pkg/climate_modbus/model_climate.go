package climate_modbus

import "fmt"

type ClimateReading struct {
	Temperature float64
	Humidity    float64
}

func (r ClimateReading) String() string {
	return fmt.Sprintf("%.2f°C %.2f%%", r.Temperature, r.Humidity)
}

// ClimateReader is a temperature and humidity probe.
type ClimateReader interface {
	Open() error
	Close() error
	Read() (*ClimateReading, error)
}
