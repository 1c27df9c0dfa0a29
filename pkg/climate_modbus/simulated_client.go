package climate_modbus

import (
	"math/rand/v2"
	"sync"
)

// SimulatedClimateReader produces normally distributed readings around a
// mean, the same values the reference sensors emitted.
type SimulatedClimateReader struct {
	mu              sync.Mutex
	rnd             *rand.Rand
	TemperatureMean float64
	TemperatureDev  float64
	HumidityMean    float64
	HumidityDev     float64
}

func CreateSimulatedClimateReader(seed uint64) ClimateReader {
	return &SimulatedClimateReader{
		rnd:             rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		TemperatureMean: 20,
		TemperatureDev:  5,
		HumidityMean:    50,
		HumidityDev:     10,
	}
}

func (reader *SimulatedClimateReader) Open() error {
	return nil
}

func (reader *SimulatedClimateReader) Close() error {
	return nil
}

func (reader *SimulatedClimateReader) Read() (*ClimateReading, error) {
	reader.mu.Lock()
	defer reader.mu.Unlock()
	humidity := reader.HumidityMean + reader.rnd.NormFloat64()*reader.HumidityDev
	return &ClimateReading{
		Temperature: reader.TemperatureMean + reader.rnd.NormFloat64()*reader.TemperatureDev,
		Humidity:    min(max(humidity, 0), 100),
	}, nil
}

// FixedClimateReader always returns the same reading.
type FixedClimateReader struct {
	Reading ClimateReading
}

func (reader FixedClimateReader) Open() error {
	return nil
}

func (reader FixedClimateReader) Close() error {
	return nil
}

func (reader FixedClimateReader) Read() (*ClimateReading, error) {
	reading := reader.Reading
	return &reading, nil
}
