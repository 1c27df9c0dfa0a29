package domain

import (
	"errors"
	"fmt"
)

var ErrUnsupportedCommand = errors.New("device: unsupported command")

// ConfigError reports a command or setting whose value could not be applied.
// The previous configuration stays in place.
type ConfigError struct {
	Param string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("device: invalid %s %q: %v", e.Param, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// TransportError wraps socket failures on the control or telemetry channels.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("device: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
