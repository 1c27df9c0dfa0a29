package smartcity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const jsonCodecName = "json"

// JSONCodec maps every payload onto one flat object, the shape used on the
// publish/subscribe transport. When message_type is missing the payload kind
// is inferred from the keys present.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

type jsonMessage struct {
	MessageType string `json:"message_type,omitempty"`

	GatewayIP      string `json:"gateway_ip,omitempty"`
	GatewayTCPPort uint32 `json:"gateway_tcp_port,omitempty"`
	GatewayUDPPort uint32 `json:"gateway_udp_port,omitempty"`
	BrokerIP       string `json:"mqtt_broker_ip,omitempty"`
	BrokerPort     uint32 `json:"mqtt_broker_port,omitempty"`

	DeviceID     string            `json:"device_id,omitempty"`
	DeviceType   string            `json:"device_type,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	Port         uint32            `json:"port,omitempty"`
	InitialState string            `json:"initial_state,omitempty"`
	IsActuator   *bool             `json:"is_actuator,omitempty"`
	IsSensor     *bool             `json:"is_sensor,omitempty"`
	Capabilities map[string]string `json:"capabilities,omitempty"`

	Status      string   `json:"status,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	FrequencyMs uint32   `json:"frequency_ms,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`

	CommandType  string         `json:"command_type,omitempty"`
	CommandValue flexibleString `json:"command_value,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`

	RequestType    string `json:"request_type,omitempty"`
	TargetDeviceID string `json:"target_device_id,omitempty"`

	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// flexibleString accepts both "3000" and 3000 as command values.
type flexibleString string

func (s *flexibleString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = flexibleString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = flexibleString(num.String())
	return nil
}

func (JSONCodec) Name() string {
	return jsonCodecName
}

func (JSONCodec) Marshal(msg *Message) ([]byte, error) {
	if msg == nil || msg.Payload == nil {
		return nil, ErrNoPayload
	}
	msgType := msg.Type
	if msgType == MessageTypeUnknown {
		msgType = msg.Payload.MessageType()
	}
	out := jsonMessage{MessageType: msgType.String()}
	switch p := msg.Payload.(type) {
	case *DiscoveryRequest:
		out.GatewayIP = p.GatewayIP
		out.GatewayTCPPort = p.GatewayTCPPort
		out.GatewayUDPPort = p.GatewayUDPPort
		out.BrokerIP = p.BrokerIP
		out.BrokerPort = p.BrokerPort
	case *DeviceDescriptor:
		out.DeviceID = p.DeviceID
		out.DeviceType = p.DeviceType.String()
		out.IPAddress = p.IPAddress
		out.Port = p.ControlPort
		out.InitialState = p.InitialStatus.String()
		out.IsActuator = &p.IsActuator
		out.IsSensor = &p.IsSensor
		out.Capabilities = p.Capabilities
	case *StatusReport:
		out.DeviceID = p.DeviceID
		out.DeviceType = p.DeviceType.String()
		out.Status = p.Status.String()
		out.FrequencyMs = p.ReportPeriodMs
		out.Timestamp = unixMillis(p.Timestamp)
		setMeasurement(&out, p.Measurement)
	case *Command:
		out.CommandType = p.Type
		out.CommandValue = flexibleString(p.Value)
		out.RequestID = p.RequestID
	case *ClientRequest:
		out.RequestType = p.Type.String()
		out.TargetDeviceID = p.TargetDeviceID
		if p.Command != nil {
			out.CommandType = p.Command.Type
			out.CommandValue = flexibleString(p.Command.Value)
			out.RequestID = p.Command.RequestID
		}
	case *CommandResponse:
		out.DeviceID = p.DeviceID
		out.RequestID = p.RequestID
		out.Success = &p.Success
		out.Message = p.Message
		out.Status = p.Status.String()
		out.FrequencyMs = p.ReportPeriodMs
		out.Timestamp = unixMillis(p.Timestamp)
		setMeasurement(&out, p.Measurement)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPayload, msg.Payload)
	}
	return json.Marshal(out)
}

func (JSONCodec) Unmarshal(data []byte) (*Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, decodeError(jsonCodecName, "object", ErrEmptyMessage)
	}
	var in jsonMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, decodeError(jsonCodecName, "object", err)
	}

	msgType, err := in.messageType()
	if err != nil {
		return nil, err
	}

	msg := &Message{Type: msgType}
	switch msgType {
	case MessageTypeDiscoveryRequest:
		msg.Payload = &DiscoveryRequest{
			GatewayIP:      in.GatewayIP,
			GatewayTCPPort: in.GatewayTCPPort,
			GatewayUDPPort: in.GatewayUDPPort,
			BrokerIP:       in.BrokerIP,
			BrokerPort:     in.BrokerPort,
		}
	case MessageTypeDeviceInfo:
		p := &DeviceDescriptor{
			DeviceID:     in.DeviceID,
			IPAddress:    in.IPAddress,
			ControlPort:  in.Port,
			IsActuator:   in.IsActuator != nil && *in.IsActuator,
			IsSensor:     in.IsSensor != nil && *in.IsSensor,
			Capabilities: in.Capabilities,
		}
		if p.DeviceType, err = parseJSONEnum(ParseDeviceType, "device_type", in.DeviceType); err != nil {
			return nil, err
		}
		if p.InitialStatus, err = parseJSONEnum(ParseDeviceStatus, "initial_state", in.InitialState); err != nil {
			return nil, err
		}
		msg.Payload = p
	case MessageTypeDeviceUpdate:
		p := &StatusReport{
			DeviceID:       in.DeviceID,
			ReportPeriodMs: in.FrequencyMs,
			Timestamp:      fromUnixMillis(in.Timestamp),
			Measurement:    in.measurement(),
		}
		if p.DeviceType, err = parseJSONEnum(ParseDeviceType, "device_type", in.DeviceType); err != nil {
			return nil, err
		}
		if p.Status, err = parseJSONEnum(ParseDeviceStatus, "status", in.Status); err != nil {
			return nil, err
		}
		msg.Payload = p
	case MessageTypeDeviceCommand:
		msg.Payload = in.command()
	case MessageTypeClientRequest:
		p := &ClientRequest{TargetDeviceID: in.TargetDeviceID}
		if p.Type, err = parseJSONEnum(ParseRequestType, "request_type", in.RequestType); err != nil {
			return nil, err
		}
		if in.CommandType != "" {
			p.Command = in.command()
		}
		msg.Payload = p
	case MessageTypeCommandResponse:
		p := &CommandResponse{
			DeviceID:       in.DeviceID,
			RequestID:      in.RequestID,
			Success:        in.Success != nil && *in.Success,
			Message:        in.Message,
			ReportPeriodMs: in.FrequencyMs,
			Measurement:    in.measurement(),
			Timestamp:      fromUnixMillis(in.Timestamp),
		}
		if p.Status, err = parseJSONEnum(ParseDeviceStatus, "status", in.Status); err != nil {
			return nil, err
		}
		msg.Payload = p
	default:
		return nil, decodeError(jsonCodecName, "message_type", fmt.Errorf("%w: %s", ErrUnknownPayload, msgType))
	}
	return msg, nil
}

func (in jsonMessage) messageType() (MessageType, error) {
	if in.MessageType != "" {
		if t, ok := ParseMessageType(in.MessageType); ok {
			return t, nil
		}
		if n, err := strconv.Atoi(in.MessageType); err == nil {
			return MessageType(n), nil
		}
		return MessageTypeUnknown, decodeError(jsonCodecName, "message_type",
			fmt.Errorf("unknown value %q", in.MessageType))
	}
	switch {
	case in.RequestType != "":
		return MessageTypeClientRequest, nil
	case in.Success != nil:
		return MessageTypeCommandResponse, nil
	case in.CommandType != "":
		return MessageTypeDeviceCommand, nil
	case in.GatewayIP != "":
		return MessageTypeDiscoveryRequest, nil
	case in.IPAddress != "" || in.IsActuator != nil || in.IsSensor != nil:
		return MessageTypeDeviceInfo, nil
	case in.DeviceID != "" && in.Status != "":
		return MessageTypeDeviceUpdate, nil
	}
	return MessageTypeUnknown, decodeError(jsonCodecName, "message_type", errors.New("cannot infer payload kind"))
}

func (in jsonMessage) command() *Command {
	return &Command{
		Type:      in.CommandType,
		Value:     string(in.CommandValue),
		RequestID: in.RequestID,
	}
}

func (in jsonMessage) measurement() *Measurement {
	if in.Temperature == nil && in.Humidity == nil {
		return nil
	}
	m := &Measurement{}
	if in.Temperature != nil {
		m.Temperature = *in.Temperature
	}
	if in.Humidity != nil {
		m.Humidity = *in.Humidity
	}
	return m
}

func setMeasurement(out *jsonMessage, m *Measurement) {
	if m == nil {
		return
	}
	temperature, humidity := m.Temperature, m.Humidity
	out.Temperature = &temperature
	out.Humidity = &humidity
}

func parseJSONEnum[T ~int32](parse func(string) (T, bool), field, value string) (T, error) {
	var zero T
	if value == "" {
		return zero, nil
	}
	if v, ok := parse(value); ok {
		return v, nil
	}
	return zero, decodeError(jsonCodecName, field, fmt.Errorf("unknown value %q", value))
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
