package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/berfenger/citydevice/internal/config"
	"github.com/berfenger/citydevice/pkg/smartcity"
)

type CommandKind int

const (
	COMMAND_UNKNOWN CommandKind = iota
	COMMAND_TURN_ON
	COMMAND_TURN_OFF
	COMMAND_SET_FREQUENCY
	COMMAND_SET_DEVICE_ID
	COMMAND_GET_STATUS
)

// AllCommandKinds lists every kind, COMMAND_UNKNOWN included.
var AllCommandKinds = []CommandKind{
	COMMAND_UNKNOWN,
	COMMAND_TURN_ON,
	COMMAND_TURN_OFF,
	COMMAND_SET_FREQUENCY,
	COMMAND_SET_DEVICE_ID,
	COMMAND_GET_STATUS,
}

var commandTokens = map[string]CommandKind{
	"TURN_ON":           COMMAND_TURN_ON,
	"TURN_ACTIVE":       COMMAND_TURN_ON,
	"TURN_OFF":          COMMAND_TURN_OFF,
	"TURN_IDLE":         COMMAND_TURN_OFF,
	"SET_FREQ":          COMMAND_SET_FREQUENCY,
	"SET_SAMPLING_RATE": COMMAND_SET_FREQUENCY,
	"SET_DEVICE_ID":     COMMAND_SET_DEVICE_ID,
	"GET_STATUS":        COMMAND_GET_STATUS,
	"GET_DEVICE_STATUS": COMMAND_GET_STATUS,
}

func (k CommandKind) String() string {
	switch k {
	case COMMAND_TURN_ON:
		return "TURN_ON"
	case COMMAND_TURN_OFF:
		return "TURN_OFF"
	case COMMAND_SET_FREQUENCY:
		return "SET_FREQ"
	case COMMAND_SET_DEVICE_ID:
		return "SET_DEVICE_ID"
	case COMMAND_GET_STATUS:
		return "GET_STATUS"
	default:
		return "UNKNOWN"
	}
}

func ParseCommandKind(token string) CommandKind {
	if kind, ok := commandTokens[strings.ToUpper(strings.TrimSpace(token))]; ok {
		return kind
	}
	return COMMAND_UNKNOWN
}

// Command is a wire command resolved to its kind, with the value already
// validated for the kinds that carry one.
type Command struct {
	Kind      CommandKind
	Token     string
	Value     string
	RequestID string
	Period    time.Duration
}

// ParseCommand never fails on the kind itself: unknown tokens come back as
// COMMAND_UNKNOWN together with ErrUnsupportedCommand. A bad value for
// SET_FREQ or SET_DEVICE_ID yields a *ConfigError.
func ParseCommand(wire smartcity.Command) (Command, error) {
	cmd := Command{
		Kind:      ParseCommandKind(wire.Type),
		Token:     wire.Type,
		Value:     strings.TrimSpace(wire.Value),
		RequestID: wire.RequestID,
	}
	switch cmd.Kind {
	case COMMAND_UNKNOWN:
		return cmd, ErrUnsupportedCommand
	case COMMAND_SET_FREQUENCY:
		period, err := ParseReportPeriod(cmd.Value)
		if err != nil {
			return cmd, err
		}
		cmd.Period = period
	case COMMAND_SET_DEVICE_ID:
		if err := config.CheckDeviceId(cmd.Value); err != nil {
			return cmd, &ConfigError{Param: "device_id", Value: wire.Value, Err: err}
		}
	}
	return cmd, nil
}

// ParseReportPeriod reads a period expressed in integer milliseconds. Periods
// must fit the uint32 report_period_ms field of a status report.
func ParseReportPeriod(value string) (time.Duration, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, &ConfigError{Param: "report period", Value: value, Err: err}
	}
	if ms <= 0 {
		return 0, &ConfigError{Param: "report period", Value: value, Err: errors.New("must be > 0")}
	}
	if ms > math.MaxUint32 {
		return 0, &ConfigError{Param: "report period", Value: value, Err: fmt.Errorf("must be <= %d", uint32(math.MaxUint32))}
	}
	return time.Duration(ms) * time.Millisecond, nil
}
