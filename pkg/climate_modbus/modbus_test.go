package climate_modbus

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRegister = 100

type probeHandler struct {
	registers map[uint16]uint16
}

func (h *probeHandler) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *probeHandler) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *probeHandler) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *probeHandler) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	res := make([]uint16, 0, req.Quantity)
	for i := uint16(0); i < req.Quantity; i++ {
		v, ok := h.registers[req.Addr+i]
		if !ok {
			return nil, modbus.ErrIllegalDataAddress
		}
		res = append(res, v)
	}
	return res, nil
}

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startProbe(t *testing.T, registers map[uint16]uint16) int {
	port := freePort(t)
	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        fmt.Sprintf("tcp://127.0.0.1:%d", port),
		Timeout:    10 * time.Second,
		MaxClients: 2,
	}, &probeHandler{registers: registers})
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	return port
}

func TestClimateIntSFRead(t *testing.T) {

	require := require.New(t)

	temperature := int16(-125)
	port := startProbe(t, map[uint16]uint16{
		testRegister:     uint16(temperature),
		testRegister + 1: 487,
		testRegister + 2: uint16(0xffff), // sf -1
	})

	recorded := 0
	reader, err := CreateClimateIntSFModbusReader("127.0.0.1", uint(port), 1, testRegister, time.Second,
		zap.NewNop(), &ModbusInstrument{RecordTime: func(string, time.Duration) { recorded++ }})
	require.NoError(err)
	defer reader.Close()

	reading, err := reader.Read()
	require.NoError(err)
	require.InDelta(-12.5, reading.Temperature, 0.0001)
	require.InDelta(48.7, reading.Humidity, 0.0001)
	require.Equal(1, recorded)
}

func TestClimateIntSFReadBadAddress(t *testing.T) {

	port := startProbe(t, map[uint16]uint16{})

	reader, err := CreateClimateIntSFModbusReader("127.0.0.1", uint(port), 1, testRegister, time.Second, nil, nil)
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Read()
	assert.Error(t, err)
}

func TestSimulatedClimateReader(t *testing.T) {

	assert := assert.New(t)

	reader := CreateSimulatedClimateReader(42)
	assert.NoError(reader.Open())

	var sum float64
	for i := 0; i < 500; i++ {
		r, err := reader.Read()
		assert.NoError(err)
		assert.GreaterOrEqual(r.Humidity, 0.0)
		assert.LessOrEqual(r.Humidity, 100.0)
		sum += r.Temperature
	}
	assert.InDelta(20, sum/500, 1.5)
}
