package smartcity

import (
	"fmt"
	"time"
)

type MessageType int32

const (
	MessageTypeUnknown          MessageType = 0
	MessageTypeDiscoveryRequest MessageType = 1
	MessageTypeDeviceInfo       MessageType = 2
	MessageTypeDeviceUpdate     MessageType = 3
	MessageTypeClientRequest    MessageType = 4
	MessageTypeGatewayResponse  MessageType = 5
	MessageTypeDeviceCommand    MessageType = 6
	MessageTypeCommandResponse  MessageType = 7
)

var messageTypeNames = map[MessageType]string{
	MessageTypeUnknown:          "UNKNOWN_MESSAGE",
	MessageTypeDiscoveryRequest: "DISCOVERY_REQUEST",
	MessageTypeDeviceInfo:       "DEVICE_INFO",
	MessageTypeDeviceUpdate:     "DEVICE_UPDATE",
	MessageTypeClientRequest:    "CLIENT_REQUEST",
	MessageTypeGatewayResponse:  "GATEWAY_RESPONSE",
	MessageTypeDeviceCommand:    "DEVICE_COMMAND",
	MessageTypeCommandResponse:  "COMMAND_RESPONSE",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MESSAGE_TYPE(%d)", int32(t))
}

type DeviceType int32

const (
	DeviceTypeUnknown           DeviceType = 0
	DeviceTypeTemperatureSensor DeviceType = 1
	DeviceTypeRelay             DeviceType = 2
	DeviceTypeAlarm             DeviceType = 3
)

var deviceTypeNames = map[DeviceType]string{
	DeviceTypeUnknown:           "UNKNOWN_DEVICE",
	DeviceTypeTemperatureSensor: "TEMPERATURE_SENSOR",
	DeviceTypeRelay:             "RELAY",
	DeviceTypeAlarm:             "ALARM",
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DEVICE_TYPE(%d)", int32(t))
}

// IsActuator reports whether devices of this type accept on/off control.
func (t DeviceType) IsActuator() bool {
	return t == DeviceTypeRelay || t == DeviceTypeAlarm
}

func (t DeviceType) IsSensor() bool {
	return t == DeviceTypeTemperatureSensor
}

type DeviceStatus int32

const (
	DeviceStatusUnknown DeviceStatus = 0
	DeviceStatusOn      DeviceStatus = 1
	DeviceStatusOff     DeviceStatus = 2
	DeviceStatusActive  DeviceStatus = 3
	DeviceStatusIdle    DeviceStatus = 4
	DeviceStatusError   DeviceStatus = 5
)

var deviceStatusNames = map[DeviceStatus]string{
	DeviceStatusUnknown: "UNKNOWN_STATUS",
	DeviceStatusOn:      "ON",
	DeviceStatusOff:     "OFF",
	DeviceStatusActive:  "ACTIVE",
	DeviceStatusIdle:    "IDLE",
	DeviceStatusError:   "ERROR",
}

func (s DeviceStatus) String() string {
	if name, ok := deviceStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("DEVICE_STATUS(%d)", int32(s))
}

// Reporting is false for the parked states, where periodic telemetry stays silent.
func (s DeviceStatus) Reporting() bool {
	return s != DeviceStatusOff && s != DeviceStatusIdle
}

type RequestType int32

const (
	RequestTypeUnknown           RequestType = 0
	RequestTypeListDevices       RequestType = 1
	RequestTypeSendDeviceCommand RequestType = 2
	RequestTypeGetDeviceStatus   RequestType = 3
)

var requestTypeNames = map[RequestType]string{
	RequestTypeUnknown:           "UNKNOWN_REQUEST",
	RequestTypeListDevices:       "LIST_DEVICES",
	RequestTypeSendDeviceCommand: "SEND_DEVICE_COMMAND",
	RequestTypeGetDeviceStatus:   "GET_DEVICE_STATUS",
}

func (t RequestType) String() string {
	if name, ok := requestTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("REQUEST_TYPE(%d)", int32(t))
}

func parseEnum[T ~int32](names map[T]string, value string) (T, bool) {
	for k, v := range names {
		if v == value {
			return k, true
		}
	}
	var zero T
	return zero, false
}

func ParseMessageType(value string) (MessageType, bool) {
	return parseEnum(messageTypeNames, value)
}

func ParseDeviceType(value string) (DeviceType, bool) {
	return parseEnum(deviceTypeNames, value)
}

func ParseDeviceStatus(value string) (DeviceStatus, bool) {
	return parseEnum(deviceStatusNames, value)
}

func ParseRequestType(value string) (RequestType, bool) {
	return parseEnum(requestTypeNames, value)
}

// Payloads

type Payload interface {
	MessageType() MessageType
}

// DiscoveryRequest is the gateway broadcast announcing where devices must register.
type DiscoveryRequest struct {
	GatewayIP      string
	GatewayTCPPort uint32
	GatewayUDPPort uint32
	BrokerIP       string
	BrokerPort     uint32
}

func (DiscoveryRequest) MessageType() MessageType { return MessageTypeDiscoveryRequest }

// Endpoint extracts the addressing the device keeps after a broadcast.
func (r DiscoveryRequest) Endpoint() GatewayEndpoint {
	return GatewayEndpoint{
		IP:            r.GatewayIP,
		ControlPort:   r.GatewayTCPPort,
		TelemetryPort: r.GatewayUDPPort,
		BrokerIP:      r.BrokerIP,
		BrokerPort:    r.BrokerPort,
	}
}

type DeviceDescriptor struct {
	DeviceID      string
	DeviceType    DeviceType
	IPAddress     string
	ControlPort   uint32
	InitialStatus DeviceStatus
	IsActuator    bool
	IsSensor      bool
	Capabilities  map[string]string
}

func (DeviceDescriptor) MessageType() MessageType { return MessageTypeDeviceInfo }

type Measurement struct {
	Temperature float64
	Humidity    float64
}

type StatusReport struct {
	DeviceID       string
	DeviceType     DeviceType
	Status         DeviceStatus
	Measurement    *Measurement
	Timestamp      time.Time
	ReportPeriodMs uint32
}

func (StatusReport) MessageType() MessageType { return MessageTypeDeviceUpdate }

type Command struct {
	Type      string
	Value     string
	RequestID string
}

func (Command) MessageType() MessageType { return MessageTypeDeviceCommand }

type ClientRequest struct {
	Type           RequestType
	TargetDeviceID string
	Command        *Command
}

func (ClientRequest) MessageType() MessageType { return MessageTypeClientRequest }

type CommandResponse struct {
	DeviceID       string
	RequestID      string
	Success        bool
	Message        string
	Status         DeviceStatus
	ReportPeriodMs uint32
	Measurement    *Measurement
	Timestamp      time.Time
}

func (CommandResponse) MessageType() MessageType { return MessageTypeCommandResponse }

// Message is the envelope shared by every transport. Payload holds one of the
// pointer payload types declared in this package.
type Message struct {
	Type    MessageType
	Payload Payload
}

func NewMessage(payload Payload) *Message {
	return &Message{
		Type:    payload.MessageType(),
		Payload: payload,
	}
}

// GatewayEndpoint is what a device knows about its gateway.
type GatewayEndpoint struct {
	IP            string
	ControlPort   uint32
	TelemetryPort uint32
	BrokerIP      string
	BrokerPort    uint32
}

func (e GatewayEndpoint) Known() bool {
	return e.IP != "" && e.ControlPort > 0
}

func (e GatewayEndpoint) ControlAddress() string {
	return fmt.Sprintf("%s:%d", e.IP, e.ControlPort)
}

func (e GatewayEndpoint) TelemetryAddress() string {
	return fmt.Sprintf("%s:%d", e.IP, e.TelemetryPort)
}

func (e GatewayEndpoint) HasBroker() bool {
	return e.BrokerIP != ""
}
