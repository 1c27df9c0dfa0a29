package service

import (
	"time"

	"github.com/berfenger/citydevice/internal/core/domain"
	"github.com/berfenger/citydevice/internal/core/port"
	"github.com/berfenger/citydevice/pkg/smartcity"
)

type transitionKey struct {
	from smartcity.DeviceStatus
	kind domain.CommandKind
}

// transitionTable maps every (status, command kind) pair of a device class to
// the next status. Pairs not overridden map to themselves.
type transitionTable map[transitionKey]smartcity.DeviceStatus

func newTransitionTable(states []smartcity.DeviceStatus, overrides map[transitionKey]smartcity.DeviceStatus) transitionTable {
	table := transitionTable{}
	for _, s := range states {
		for _, k := range domain.AllCommandKinds {
			table[transitionKey{from: s, kind: k}] = s
		}
	}
	for key, to := range overrides {
		table[key] = to
	}
	return table
}

func (t transitionTable) next(from smartcity.DeviceStatus, kind domain.CommandKind) smartcity.DeviceStatus {
	if to, ok := t[transitionKey{from: from, kind: kind}]; ok {
		return to
	}
	return from
}

var binaryActuatorTransitions = newTransitionTable(
	[]smartcity.DeviceStatus{smartcity.DeviceStatusOff, smartcity.DeviceStatusOn},
	map[transitionKey]smartcity.DeviceStatus{
		{smartcity.DeviceStatusOff, domain.COMMAND_TURN_ON}: smartcity.DeviceStatusOn,
		{smartcity.DeviceStatusOn, domain.COMMAND_TURN_OFF}: smartcity.DeviceStatusOff,
	},
)

var sensorTransitions = newTransitionTable(
	[]smartcity.DeviceStatus{smartcity.DeviceStatusActive, smartcity.DeviceStatusIdle},
	map[transitionKey]smartcity.DeviceStatus{
		{smartcity.DeviceStatusIdle, domain.COMMAND_TURN_ON}:    smartcity.DeviceStatusActive,
		{smartcity.DeviceStatusActive, domain.COMMAND_TURN_OFF}: smartcity.DeviceStatusIdle,
	},
)

// BinaryActuator is a relay or alarm: {OFF, ON} with a fixed heartbeat.
type BinaryActuator struct {
	status    smartcity.DeviceStatus
	heartbeat time.Duration
}

func NewBinaryActuator(initial smartcity.DeviceStatus, heartbeat time.Duration) *BinaryActuator {
	if initial != smartcity.DeviceStatusOn {
		initial = smartcity.DeviceStatusOff
	}
	return &BinaryActuator{status: initial, heartbeat: heartbeat}
}

func (a *BinaryActuator) Status() smartcity.DeviceStatus {
	return a.status
}

func (a *BinaryActuator) ReportPeriod() time.Duration {
	return a.heartbeat
}

func (a *BinaryActuator) Apply(cmd domain.Command) bool {
	next := binaryActuatorTransitions.next(a.status, cmd.Kind)
	changed := next != a.status
	a.status = next
	return changed
}

// Sensor is {ACTIVE, IDLE} with a report period SET_FREQ can change.
type Sensor struct {
	status smartcity.DeviceStatus
	period time.Duration
}

func NewSensor(initial smartcity.DeviceStatus, period time.Duration) *Sensor {
	if initial != smartcity.DeviceStatusIdle {
		initial = smartcity.DeviceStatusActive
	}
	return &Sensor{status: initial, period: period}
}

func (s *Sensor) Status() smartcity.DeviceStatus {
	return s.status
}

func (s *Sensor) ReportPeriod() time.Duration {
	return s.period
}

func (s *Sensor) Apply(cmd domain.Command) bool {
	if cmd.Kind == domain.COMMAND_SET_FREQUENCY && cmd.Period > 0 {
		s.period = cmd.Period
	}
	next := sensorTransitions.next(s.status, cmd.Kind)
	changed := next != s.status
	s.status = next
	return changed
}

// ensure interface compliance
var _ port.DeviceStateMachine = (*BinaryActuator)(nil)
var _ port.DeviceStateMachine = (*Sensor)(nil)
