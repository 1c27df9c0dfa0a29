package smartcity

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const binaryCodecName = "binary"

// envelope fields
const (
	fieldEnvelopeType             protowire.Number = 1
	fieldEnvelopeDiscoveryRequest protowire.Number = 2
	fieldEnvelopeDeviceInfo       protowire.Number = 3
	fieldEnvelopeDeviceUpdate     protowire.Number = 4
	fieldEnvelopeClientRequest    protowire.Number = 5
	fieldEnvelopeDeviceCommand    protowire.Number = 6
	fieldEnvelopeCommandResponse  protowire.Number = 7
)

// BinaryCodec speaks the protobuf wire format used by the gateway. It is
// hand-mapped with protowire so the device carries no generated code.
type BinaryCodec struct{}

var _ Codec = BinaryCodec{}

func (BinaryCodec) Name() string {
	return binaryCodecName
}

func (BinaryCodec) Marshal(msg *Message) ([]byte, error) {
	if msg == nil || msg.Payload == nil {
		return nil, ErrNoPayload
	}
	msgType := msg.Type
	if msgType == MessageTypeUnknown {
		msgType = msg.Payload.MessageType()
	}
	var w fieldWriter
	w.varint(fieldEnvelopeType, uint64(msgType))
	switch p := msg.Payload.(type) {
	case *DiscoveryRequest:
		w.message(fieldEnvelopeDiscoveryRequest, encodeDiscoveryRequest(p))
	case *DeviceDescriptor:
		w.message(fieldEnvelopeDeviceInfo, encodeDeviceDescriptor(p))
	case *StatusReport:
		w.message(fieldEnvelopeDeviceUpdate, encodeStatusReport(p))
	case *ClientRequest:
		w.message(fieldEnvelopeClientRequest, encodeClientRequest(p))
	case *Command:
		w.message(fieldEnvelopeDeviceCommand, encodeCommand(p))
	case *CommandResponse:
		w.message(fieldEnvelopeCommandResponse, encodeCommandResponse(p))
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPayload, msg.Payload)
	}
	return w.b, nil
}

func (BinaryCodec) Unmarshal(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, decodeError(binaryCodecName, "envelope", ErrEmptyMessage)
	}
	msg := &Message{}
	err := walkFields(data, func(f wireField) error {
		var payload Payload
		var err error
		switch f.num {
		case fieldEnvelopeType:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			msg.Type = MessageType(int32(f.u))
			return nil
		case fieldEnvelopeDiscoveryRequest:
			payload, err = decodeNested(f, decodeDiscoveryRequest)
		case fieldEnvelopeDeviceInfo:
			payload, err = decodeNested(f, decodeDeviceDescriptor)
		case fieldEnvelopeDeviceUpdate:
			payload, err = decodeNested(f, decodeStatusReport)
		case fieldEnvelopeClientRequest:
			payload, err = decodeNested(f, decodeClientRequest)
		case fieldEnvelopeDeviceCommand:
			payload, err = decodeNested(f, decodeCommand)
		case fieldEnvelopeCommandResponse:
			payload, err = decodeNested(f, decodeCommandResponse)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		msg.Payload = payload
		return nil
	})
	if err != nil {
		return nil, err
	}
	if msg.Payload == nil {
		return nil, decodeError(binaryCodecName, "envelope", ErrNoPayload)
	}
	if msg.Type == MessageTypeUnknown {
		msg.Type = msg.Payload.MessageType()
	}
	return msg, nil
}

// DecodeDiscovery accepts both the enveloped broadcast and the bare
// DiscoveryRequest older gateways send.
func DecodeDiscovery(data []byte) (*DiscoveryRequest, error) {
	msg, envErr := BinaryCodec{}.Unmarshal(data)
	if envErr == nil {
		if req, ok := msg.Payload.(*DiscoveryRequest); ok {
			return req, nil
		}
		return nil, decodeError(binaryCodecName, "discovery", fmt.Errorf("unexpected %s payload", msg.Type))
	}
	if len(data) == 0 {
		return nil, envErr
	}
	req, err := decodeDiscoveryRequest(data)
	if err != nil {
		return nil, errors.Join(envErr, err)
	}
	return req, nil
}

// field writer

type fieldWriter struct {
	b []byte
}

func (w *fieldWriter) varint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.VarintType)
	w.b = protowire.AppendVarint(w.b, v)
}

func (w *fieldWriter) boolean(num protowire.Number, v bool) {
	w.varint(num, protowire.EncodeBool(v))
}

func (w *fieldWriter) str(num protowire.Number, v string) {
	if v == "" {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendString(w.b, v)
}

func (w *fieldWriter) double(num protowire.Number, v float64) {
	if v == 0 {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.Fixed64Type)
	w.b = protowire.AppendFixed64(w.b, math.Float64bits(v))
}

// message always writes the field, so an empty sub-message keeps its presence
func (w *fieldWriter) message(num protowire.Number, body []byte) {
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendBytes(w.b, body)
}

func (w *fieldWriter) timestamp(num protowire.Number, t time.Time) {
	if t.IsZero() {
		return
	}
	w.varint(num, uint64(t.UnixMilli()))
}

// field reader

type wireField struct {
	num   protowire.Number
	typ   protowire.Type
	u     uint64
	bytes []byte
}

func (f wireField) expect(typ protowire.Type) error {
	if f.typ != typ {
		return decodeError(binaryCodecName, fmt.Sprintf("field %d", f.num),
			fmt.Errorf("wire type %d, want %d", f.typ, typ))
	}
	return nil
}

func (f wireField) str() (string, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return "", err
	}
	return string(f.bytes), nil
}

func (f wireField) uint32() (uint32, error) {
	if err := f.expect(protowire.VarintType); err != nil {
		return 0, err
	}
	return uint32(f.u), nil
}

func (f wireField) int32() (int32, error) {
	if err := f.expect(protowire.VarintType); err != nil {
		return 0, err
	}
	return int32(f.u), nil
}

func (f wireField) boolean() (bool, error) {
	if err := f.expect(protowire.VarintType); err != nil {
		return false, err
	}
	return protowire.DecodeBool(f.u), nil
}

func (f wireField) double() (float64, error) {
	if err := f.expect(protowire.Fixed64Type); err != nil {
		return 0, err
	}
	return math.Float64frombits(f.u), nil
}

func (f wireField) timestamp() (time.Time, error) {
	if err := f.expect(protowire.VarintType); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(f.u)).UTC(), nil
}

func walkFields(b []byte, visit func(wireField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return decodeError(binaryCodecName, "tag", protowire.ParseError(n))
		}
		b = b[n:]
		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return decodeError(binaryCodecName, fmt.Sprintf("field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return decodeError(binaryCodecName, fmt.Sprintf("field %d", num), protowire.ParseError(n))
		}
		b = b[n:]
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func decodeNested[T Payload](f wireField, decode func([]byte) (T, error)) (Payload, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return nil, err
	}
	return decode(f.bytes)
}

// DiscoveryRequest

func encodeDiscoveryRequest(p *DiscoveryRequest) []byte {
	var w fieldWriter
	w.str(1, p.GatewayIP)
	w.varint(2, uint64(p.GatewayTCPPort))
	w.varint(3, uint64(p.GatewayUDPPort))
	w.str(4, p.BrokerIP)
	w.varint(5, uint64(p.BrokerPort))
	return w.b
}

func decodeDiscoveryRequest(b []byte) (*DiscoveryRequest, error) {
	p := &DiscoveryRequest{}
	err := walkFields(b, func(f wireField) (err error) {
		switch f.num {
		case 1:
			p.GatewayIP, err = f.str()
		case 2:
			p.GatewayTCPPort, err = f.uint32()
		case 3:
			p.GatewayUDPPort, err = f.uint32()
		case 4:
			p.BrokerIP, err = f.str()
		case 5:
			p.BrokerPort, err = f.uint32()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DeviceDescriptor

func encodeDeviceDescriptor(p *DeviceDescriptor) []byte {
	var w fieldWriter
	w.str(1, p.DeviceID)
	w.varint(2, uint64(p.DeviceType))
	w.str(3, p.IPAddress)
	w.varint(4, uint64(p.ControlPort))
	w.varint(5, uint64(p.InitialStatus))
	w.boolean(6, p.IsActuator)
	w.boolean(7, p.IsSensor)
	keys := make([]string, 0, len(p.Capabilities))
	for k := range p.Capabilities {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		var entry fieldWriter
		entry.str(1, k)
		entry.str(2, p.Capabilities[k])
		w.message(8, entry.b)
	}
	return w.b
}

func decodeDeviceDescriptor(b []byte) (*DeviceDescriptor, error) {
	p := &DeviceDescriptor{}
	err := walkFields(b, func(f wireField) (err error) {
		switch f.num {
		case 1:
			p.DeviceID, err = f.str()
		case 2:
			var v int32
			v, err = f.int32()
			p.DeviceType = DeviceType(v)
		case 3:
			p.IPAddress, err = f.str()
		case 4:
			p.ControlPort, err = f.uint32()
		case 5:
			var v int32
			v, err = f.int32()
			p.InitialStatus = DeviceStatus(v)
		case 6:
			p.IsActuator, err = f.boolean()
		case 7:
			p.IsSensor, err = f.boolean()
		case 8:
			if err = f.expect(protowire.BytesType); err != nil {
				return err
			}
			var key, value string
			err = walkFields(f.bytes, func(e wireField) (err error) {
				switch e.num {
				case 1:
					key, err = e.str()
				case 2:
					value, err = e.str()
				}
				return err
			})
			if err == nil {
				if p.Capabilities == nil {
					p.Capabilities = map[string]string{}
				}
				p.Capabilities[key] = value
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// StatusReport

func encodeMeasurement(m *Measurement) []byte {
	var w fieldWriter
	w.double(1, m.Temperature)
	w.double(2, m.Humidity)
	return w.b
}

func decodeMeasurement(f wireField) (*Measurement, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return nil, err
	}
	m := &Measurement{}
	err := walkFields(f.bytes, func(f wireField) (err error) {
		switch f.num {
		case 1:
			m.Temperature, err = f.double()
		case 2:
			m.Humidity, err = f.double()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func encodeStatusReport(p *StatusReport) []byte {
	var w fieldWriter
	w.str(1, p.DeviceID)
	w.varint(2, uint64(p.DeviceType))
	w.varint(3, uint64(p.Status))
	if p.Measurement != nil {
		w.message(4, encodeMeasurement(p.Measurement))
	}
	w.timestamp(5, p.Timestamp)
	w.varint(6, uint64(p.ReportPeriodMs))
	return w.b
}

func decodeStatusReport(b []byte) (*StatusReport, error) {
	p := &StatusReport{}
	err := walkFields(b, func(f wireField) (err error) {
		switch f.num {
		case 1:
			p.DeviceID, err = f.str()
		case 2:
			var v int32
			v, err = f.int32()
			p.DeviceType = DeviceType(v)
		case 3:
			var v int32
			v, err = f.int32()
			p.Status = DeviceStatus(v)
		case 4:
			p.Measurement, err = decodeMeasurement(f)
		case 5:
			p.Timestamp, err = f.timestamp()
		case 6:
			p.ReportPeriodMs, err = f.uint32()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Command

func encodeCommand(p *Command) []byte {
	var w fieldWriter
	w.str(1, p.Type)
	w.str(2, p.Value)
	w.str(3, p.RequestID)
	return w.b
}

func decodeCommand(b []byte) (*Command, error) {
	p := &Command{}
	err := walkFields(b, func(f wireField) (err error) {
		switch f.num {
		case 1:
			p.Type, err = f.str()
		case 2:
			p.Value, err = f.str()
		case 3:
			p.RequestID, err = f.str()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ClientRequest

func encodeClientRequest(p *ClientRequest) []byte {
	var w fieldWriter
	w.varint(1, uint64(p.Type))
	w.str(2, p.TargetDeviceID)
	if p.Command != nil {
		w.message(3, encodeCommand(p.Command))
	}
	return w.b
}

func decodeClientRequest(b []byte) (*ClientRequest, error) {
	p := &ClientRequest{}
	err := walkFields(b, func(f wireField) (err error) {
		switch f.num {
		case 1:
			var v int32
			v, err = f.int32()
			p.Type = RequestType(v)
		case 2:
			p.TargetDeviceID, err = f.str()
		case 3:
			if err = f.expect(protowire.BytesType); err != nil {
				return err
			}
			p.Command, err = decodeCommand(f.bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CommandResponse

func encodeCommandResponse(p *CommandResponse) []byte {
	var w fieldWriter
	w.str(1, p.DeviceID)
	w.str(2, p.RequestID)
	w.boolean(3, p.Success)
	w.str(4, p.Message)
	w.varint(5, uint64(p.Status))
	w.varint(6, uint64(p.ReportPeriodMs))
	if p.Measurement != nil {
		w.message(7, encodeMeasurement(p.Measurement))
	}
	w.timestamp(8, p.Timestamp)
	return w.b
}

func decodeCommandResponse(b []byte) (*CommandResponse, error) {
	p := &CommandResponse{}
	err := walkFields(b, func(f wireField) (err error) {
		switch f.num {
		case 1:
			p.DeviceID, err = f.str()
		case 2:
			p.RequestID, err = f.str()
		case 3:
			p.Success, err = f.boolean()
		case 4:
			p.Message, err = f.str()
		case 5:
			var v int32
			v, err = f.int32()
			p.Status = DeviceStatus(v)
		case 6:
			p.ReportPeriodMs, err = f.uint32()
		case 7:
			p.Measurement, err = decodeMeasurement(f)
		case 8:
			p.Timestamp, err = f.timestamp()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
