package domain

import (
	"time"

	"github.com/berfenger/citydevice/pkg/smartcity"
)

const (
	ACTOR_ID_DEVICE       = "device"
	ACTOR_ID_DISCOVERY    = "discovery"
	ACTOR_ID_REGISTRATION = "registration"
	ACTOR_ID_CONTROL      = "control"
	ACTOR_ID_REPORTER     = "reporter"
	ACTOR_ID_MQTT         = "mqtt"
)

// DeviceSnapshot is a consistent copy of everything the device actor owns.
type DeviceSnapshot struct {
	Descriptor      smartcity.DeviceDescriptor
	Status          smartcity.DeviceStatus
	Endpoint        smartcity.GatewayEndpoint
	ReportPeriod    time.Duration
	LastMeasurement *smartcity.Measurement
}

func (s DeviceSnapshot) Report(measurement *smartcity.Measurement, now time.Time) smartcity.StatusReport {
	return smartcity.StatusReport{
		DeviceID:       s.Descriptor.DeviceID,
		DeviceType:     s.Descriptor.DeviceType,
		Status:         s.Status,
		Measurement:    measurement,
		Timestamp:      now,
		ReportPeriodMs: uint32(s.ReportPeriod.Milliseconds()),
	}
}

// Device

type ApplyCommandRequest struct {
	ActorRequestMixIn
	Command smartcity.Command
	Source  string
}

type ApplyCommandResponse struct {
	ActorResponseMixIn
	Command Command
	Changed bool
	Ignored bool
	Report  smartcity.StatusReport
}

type GetSnapshotRequest struct {
	ActorRequestMixIn
}

type GetSnapshotResponse struct {
	ActorResponseMixIn
	Snapshot DeviceSnapshot
}

type GatewayDiscoveredRequest struct {
	ActorRequestMixIn
	Endpoint smartcity.GatewayEndpoint
}

type MeasurementRecorded struct {
	Measurement smartcity.Measurement
}

// Registration

type RegisterRequest struct {
	ActorRequestMixIn
	Endpoint   smartcity.GatewayEndpoint
	Descriptor smartcity.DeviceDescriptor
}

type RegisterResponse struct {
	ActorResponseMixIn
	Descriptor smartcity.DeviceDescriptor
}

// Reporter

// ScheduleReportsRequest replaces the reporter timer. Active=false parks it.
type ScheduleReportsRequest struct {
	Period time.Duration
	Active bool
}

type SendReportNowRequest struct {
	Snapshot DeviceSnapshot
}

// MQTT

type DeviceIdentityChanged struct {
	DeviceID string
}

// TelemetryPublisherReady routes reports to a publish/subscribe publisher
// instead of the UDP sink. A nil Publisher routes them back to the sink.
type TelemetryPublisherReady struct {
	Publisher *ActorRef
}

type PublishReportRequest struct {
	ActorRequestMixIn
	Report smartcity.StatusReport
}

type PublishReportResponse struct {
	ActorResponseMixIn
}

// Health

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
	Details []ActorHealthResponse
}
