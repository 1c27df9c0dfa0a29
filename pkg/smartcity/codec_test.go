package smartcity

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codecs() []Codec {
	return []Codec{BinaryCodec{}, JSONCodec{}}
}

func TestStatusReportRoundTrip(t *testing.T) {

	ts := time.UnixMilli(1718000000123).UTC()

	reports := []*StatusReport{
		{
			DeviceID:       "sensor-1",
			DeviceType:     DeviceTypeTemperatureSensor,
			Status:         DeviceStatusActive,
			Measurement:    &Measurement{Temperature: 21.5, Humidity: 48.25},
			Timestamp:      ts,
			ReportPeriodMs: 15000,
		},
		{
			DeviceID:   "relay-1",
			DeviceType: DeviceTypeRelay,
			Status:     DeviceStatusOn,
			Timestamp:  ts,
		},
		{
			DeviceID:    "sensor-zero",
			DeviceType:  DeviceTypeTemperatureSensor,
			Status:      DeviceStatusIdle,
			Measurement: &Measurement{},
		},
	}

	for _, codec := range codecs() {
		for _, report := range reports {
			t.Run(codec.Name()+"/"+report.DeviceID, func(t *testing.T) {
				require := require.New(t)

				data, err := codec.Marshal(NewMessage(report))
				require.NoError(err)

				msg, err := codec.Unmarshal(data)
				require.NoError(err)
				require.Equal(MessageTypeDeviceUpdate, msg.Type)

				decoded, ok := msg.Payload.(*StatusReport)
				require.True(ok, "payload is a status report")
				require.Equal(report, decoded)
			})
		}
	}
}

func TestDescriptorRoundTrip(t *testing.T) {

	desc := &DeviceDescriptor{
		DeviceID:      "sensor-1",
		DeviceType:    DeviceTypeTemperatureSensor,
		IPAddress:     "10.0.0.7",
		ControlPort:   6001,
		InitialStatus: DeviceStatusActive,
		IsSensor:      true,
		Capabilities: map[string]string{
			"communication": "mqtt",
			"command_topic": "smart_city/commands/sensors/sensor-1",
		},
	}

	for _, codec := range codecs() {
		data, err := codec.Marshal(NewMessage(desc))
		require.NoError(t, err)
		msg, err := codec.Unmarshal(data)
		require.NoError(t, err, codec.Name())
		assert.Equal(t, desc, msg.Payload, codec.Name())
	}
}

func TestClientRequestRoundTrip(t *testing.T) {

	req := &ClientRequest{
		Type:           RequestTypeSendDeviceCommand,
		TargetDeviceID: "relay-1",
		Command:        &Command{Type: "TURN_ON", RequestID: "abc"},
	}

	for _, codec := range codecs() {
		data, err := codec.Marshal(NewMessage(req))
		require.NoError(t, err)
		msg, err := codec.Unmarshal(data)
		require.NoError(t, err, codec.Name())
		assert.Equal(t, MessageTypeClientRequest, msg.Type)
		assert.Equal(t, req, msg.Payload, codec.Name())
	}
}

func TestDecodeDiscoveryEnvelopeAndBare(t *testing.T) {

	assert := assert.New(t)

	req := &DiscoveryRequest{
		GatewayIP:      "10.0.0.5",
		GatewayTCPPort: 6000,
		GatewayUDPPort: 6001,
		BrokerIP:       "10.0.0.9",
		BrokerPort:     1883,
	}

	enveloped, err := BinaryCodec{}.Marshal(NewMessage(req))
	assert.NoError(err)
	decoded, err := DecodeDiscovery(enveloped)
	assert.NoError(err)
	assert.Equal(req, decoded)

	bare := encodeDiscoveryRequest(req)
	decoded, err = DecodeDiscovery(bare)
	assert.NoError(err)
	assert.Equal(req, decoded)

	endpoint := decoded.Endpoint()
	assert.True(endpoint.Known())
	assert.Equal("10.0.0.5:6000", endpoint.ControlAddress())
	assert.Equal("10.0.0.5:6001", endpoint.TelemetryAddress())
}

func TestDecodeDiscoveryRejectsOtherPayloads(t *testing.T) {

	data, err := BinaryCodec{}.Marshal(NewMessage(&Command{Type: "TURN_ON"}))
	require.NoError(t, err)

	_, err = DecodeDiscovery(data)
	assert.True(t, IsDecodeError(err))
}

func TestBinaryRejectsMalformed(t *testing.T) {

	assert := assert.New(t)

	full, err := BinaryCodec{}.Marshal(NewMessage(&StatusReport{
		DeviceID:    "sensor-1",
		DeviceType:  DeviceTypeTemperatureSensor,
		Status:      DeviceStatusActive,
		Measurement: &Measurement{Temperature: 20, Humidity: 50},
	}))
	assert.NoError(err)

	for cut := 1; cut < len(full); cut++ {
		_, err := BinaryCodec{}.Unmarshal(full[:cut])
		assert.Error(err, "truncated at %d", cut)
	}

	_, err = BinaryCodec{}.Unmarshal(nil)
	assert.True(IsDecodeError(err))

	_, err = BinaryCodec{}.Unmarshal([]byte{0xff, 0xff, 0xff})
	assert.True(IsDecodeError(err))
}

func TestJSONRejectsMalformed(t *testing.T) {

	assert := assert.New(t)

	for _, raw := range []string{"", "{", "[]", `{"foo":"bar"}`, `{"device_id":"x","status":"MELTING"}`} {
		_, err := JSONCodec{}.Unmarshal([]byte(raw))
		assert.True(IsDecodeError(err), "input %q", raw)
	}
}

func TestJSONInfersCommand(t *testing.T) {

	require := require.New(t)

	msg, err := JSONCodec{}.Unmarshal([]byte(`{"command_type":"SET_FREQ","command_value":3000,"request_id":"r-1"}`))
	require.NoError(err)
	require.Equal(MessageTypeDeviceCommand, msg.Type)
	require.Equal(&Command{Type: "SET_FREQ", Value: "3000", RequestID: "r-1"}, msg.Payload)
}

func TestDelimitedStream(t *testing.T) {

	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(WriteDelimited(&buf, NewMessage(&Command{Type: "TURN_ON"})))
	require.NoError(WriteDelimited(&buf, NewMessage(&Command{Type: "TURN_OFF"})))

	first, err := ReadDelimited(&buf)
	require.NoError(err)
	require.Equal("TURN_ON", first.Payload.(*Command).Type)

	second, err := ReadDelimited(&buf)
	require.NoError(err)
	require.Equal("TURN_OFF", second.Payload.(*Command).Type)

	_, err = ReadDelimited(&buf)
	require.ErrorIs(err, io.EOF)
}

func TestDelimitedTruncated(t *testing.T) {

	var buf bytes.Buffer
	require.NoError(t, WriteDelimited(&buf, NewMessage(&Command{Type: "TURN_ON", Value: "x"})))
	data := buf.Bytes()

	_, err := ReadDelimited(bytes.NewReader(data[:len(data)-1]))
	assert.True(t, IsDecodeError(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadDelimited(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x01}))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}
