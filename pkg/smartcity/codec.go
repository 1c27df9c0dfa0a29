package smartcity

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage    = errors.New("smartcity: empty message")
	ErrMessageTooLarge = errors.New("smartcity: message exceeds maximum size")
	ErrNoPayload       = errors.New("smartcity: message has no payload")
	ErrUnknownPayload  = errors.New("smartcity: unsupported payload type")
)

// Codec converts envelopes to and from one wire representation.
type Codec interface {
	Name() string
	Marshal(msg *Message) ([]byte, error)
	Unmarshal(data []byte) (*Message, error)
}

// DecodeError is returned for truncated or malformed input.
type DecodeError struct {
	Codec  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("smartcity: %s decode: %s: %v", e.Codec, e.Reason, e.Err)
	}
	return fmt.Sprintf("smartcity: %s decode: %s", e.Codec, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func decodeError(codec, reason string, err error) *DecodeError {
	return &DecodeError{Codec: codec, Reason: reason, Err: err}
}
