package service

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/berfenger/citydevice/internal/core/domain"
	"github.com/berfenger/citydevice/pkg/smartcity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cmd(kind domain.CommandKind) domain.Command {
	return domain.Command{Kind: kind}
}

func TestTransitionTablesAreTotal(t *testing.T) {

	require := require.New(t)

	for _, tc := range []struct {
		table  transitionTable
		states []smartcity.DeviceStatus
	}{
		{binaryActuatorTransitions, []smartcity.DeviceStatus{smartcity.DeviceStatusOff, smartcity.DeviceStatusOn}},
		{sensorTransitions, []smartcity.DeviceStatus{smartcity.DeviceStatusActive, smartcity.DeviceStatusIdle}},
	} {
		require.Len(tc.table, len(tc.states)*len(domain.AllCommandKinds))
		for _, s := range tc.states {
			for _, k := range domain.AllCommandKinds {
				to, ok := tc.table[transitionKey{from: s, kind: k}]
				require.True(ok, "%s/%s defined", s, k)
				require.Contains(tc.states, to)
			}
		}
	}
}

func TestBinaryActuatorTransitions(t *testing.T) {

	assert := assert.New(t)

	a := NewBinaryActuator(smartcity.DeviceStatusOff, 5*time.Second)
	assert.Equal(smartcity.DeviceStatusOff, a.Status())

	assert.False(a.Apply(cmd(domain.COMMAND_TURN_OFF)), "already off")
	assert.True(a.Apply(cmd(domain.COMMAND_TURN_ON)))
	assert.Equal(smartcity.DeviceStatusOn, a.Status())
	assert.False(a.Apply(cmd(domain.COMMAND_TURN_ON)), "already on")

	for _, k := range []domain.CommandKind{domain.COMMAND_SET_FREQUENCY, domain.COMMAND_GET_STATUS,
		domain.COMMAND_SET_DEVICE_ID, domain.COMMAND_UNKNOWN} {
		assert.False(a.Apply(domain.Command{Kind: k, Period: time.Millisecond}))
	}
	assert.Equal(smartcity.DeviceStatusOn, a.Status())
	assert.Equal(5*time.Second, a.ReportPeriod(), "heartbeat is fixed")

	assert.True(a.Apply(cmd(domain.COMMAND_TURN_OFF)))
	assert.Equal(smartcity.DeviceStatusOff, a.Status())
}

func TestSensorTransitions(t *testing.T) {

	assert := assert.New(t)

	s := NewSensor(smartcity.DeviceStatusActive, 15*time.Second)
	assert.False(s.Apply(cmd(domain.COMMAND_TURN_ON)))
	assert.True(s.Apply(cmd(domain.COMMAND_TURN_OFF)))
	assert.Equal(smartcity.DeviceStatusIdle, s.Status())
	assert.False(s.Apply(cmd(domain.COMMAND_TURN_OFF)))

	assert.False(s.Apply(domain.Command{Kind: domain.COMMAND_SET_FREQUENCY, Period: time.Second}))
	assert.Equal(time.Second, s.ReportPeriod())
	assert.Equal(smartcity.DeviceStatusIdle, s.Status())

	assert.True(s.Apply(cmd(domain.COMMAND_TURN_ON)))
	assert.Equal(smartcity.DeviceStatusActive, s.Status())
}

func TestRandomSequencesMatchModel(t *testing.T) {

	require := require.New(t)

	rnd := rand.New(rand.NewPCG(7, 11))
	for run := 0; run < 100; run++ {
		a := NewBinaryActuator(smartcity.DeviceStatusOff, time.Second)
		on := false
		for i := 0; i < 50; i++ {
			turnOn := rnd.IntN(2) == 0
			kind := domain.COMMAND_TURN_OFF
			if turnOn {
				kind = domain.COMMAND_TURN_ON
			}
			changed := a.Apply(cmd(kind))
			require.Equal(turnOn != on, changed, "report only on real change")
			on = turnOn
		}
		expected := smartcity.DeviceStatusOff
		if on {
			expected = smartcity.DeviceStatusOn
		}
		require.Equal(expected, a.Status())
	}
}
