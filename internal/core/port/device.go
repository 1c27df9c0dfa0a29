package port

import (
	"time"

	"github.com/berfenger/citydevice/internal/core/domain"
	"github.com/berfenger/citydevice/pkg/smartcity"
)

// DeviceStateMachine owns the device status. Apply reports whether the status
// changed; every (status, command) pair has a defined result.
type DeviceStateMachine interface {
	Status() smartcity.DeviceStatus
	Apply(cmd domain.Command) bool
	ReportPeriod() time.Duration
}

// TelemetrySink delivers an encoded report to the gateway telemetry port.
type TelemetrySink interface {
	Send(endpoint smartcity.GatewayEndpoint, report smartcity.StatusReport) error
	Close() error
}

// MeasurementSource produces the optional measurement attached to reports.
type MeasurementSource interface {
	Measure() (*smartcity.Measurement, error)
}

type PacketSourceFactory func() (PacketSource, error)

// PacketSource yields discovery datagrams.
type PacketSource interface {
	ReadPacket(buf []byte) (n int, from string, err error)
	Close() error
}
