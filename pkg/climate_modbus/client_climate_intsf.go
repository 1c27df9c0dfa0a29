package climate_modbus

import (
	"fmt"
	"time"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

// ClimateIntSFModbusReader reads a probe exposing three consecutive input
// registers: temperature (int16), relative humidity (uint16) and a shared
// int16 scale factor.
type ClimateIntSFModbusReader struct {
	ModbusClient
	register uint16
	opened   bool
}

func CreateClimateIntSFModbusReader(ip string, port uint, unitId uint8, register uint16, timeout time.Duration,
	logger *zap.Logger, instrumentation *ModbusInstrument) (ClimateReader, error) {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s:%d", ip, port),
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	// instrumentation
	var inst []ModbusInstrument
	if logger != nil {
		logInst := debugLoggerInstrumentation(logger.With(zap.String("target", "climate")).With(zap.Uint8("unit", unitId)))
		if logInst != nil {
			inst = append(inst, *logInst)
		}
	}
	if instrumentation != nil {
		inst = append(inst, *instrumentation)
	}

	if unitId > 0 {
		err = client.SetUnitId(unitId)
		if err != nil {
			return nil, err
		}
	}
	return &ClimateIntSFModbusReader{
		ModbusClient: ModbusClient{
			client:     client,
			instrument: inst,
		},
		register: register,
	}, nil
}

func (reader *ClimateIntSFModbusReader) Open() error {
	if reader.opened {
		return nil
	}
	if err := reader.client.Open(); err != nil {
		return err
	}
	reader.opened = true
	return nil
}

func (reader *ClimateIntSFModbusReader) Close() error {
	if !reader.opened {
		return nil
	}
	reader.opened = false
	return reader.client.Close()
}

func (reader *ClimateIntSFModbusReader) Read() (*ClimateReading, error) {
	if err := reader.Open(); err != nil {
		return nil, err
	}
	regs, err := reader.readRegisters(reader.register, 3, modbus.INPUT_REGISTER)
	if err != nil {
		// drop the connection so the next read dials again
		_ = reader.Close()
		return nil, err
	}
	reading := &ClimateReading{
		Temperature: reader.applySFint16(int16(regs[0]), regs[2]),
		Humidity:    reader.applySF(regs[1], regs[2]),
	}
	if reading.Humidity < 0 || reading.Humidity > 100 {
		return nil, fmt.Errorf("climate_modbus: humidity out of range: %.2f", reading.Humidity)
	}
	return reading, nil
}
