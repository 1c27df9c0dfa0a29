package smartcity

import (
	"errors"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxMessageSize bounds a single delimited envelope on the control channel.
const MaxMessageSize = 64 * 1024

// WriteDelimited writes msg with a varint length prefix, the framing used on
// stream transports.
func WriteDelimited(w io.Writer, msg *Message) error {
	body, err := BinaryCodec{}.Marshal(msg)
	if err != nil {
		return err
	}
	if len(body) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	frame := protowire.AppendVarint(make([]byte, 0, protowire.SizeVarint(uint64(len(body)))+len(body)), uint64(len(body)))
	frame = append(frame, body...)
	_, err = w.Write(frame)
	return err
}

// ReadDelimited reads one length-prefixed envelope. A stream that ends before
// the first byte returns io.EOF; any later truncation is a DecodeError.
func ReadDelimited(r io.Reader) (*Message, error) {
	size, err := readFrameSize(r)
	if err != nil {
		return nil, err
	}
	if size > MaxMessageSize {
		return nil, decodeError(binaryCodecName, "frame", ErrMessageTooLarge)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, decodeError(binaryCodecName, "frame body", err)
	}
	return BinaryCodec{}.Unmarshal(body)
}

func readFrameSize(r io.Reader) (uint64, error) {
	var prefix []byte
	var one [1]byte
	for {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			if len(prefix) == 0 && errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return 0, decodeError(binaryCodecName, "frame size", err)
		}
		prefix = append(prefix, one[0])
		if one[0] < 0x80 {
			break
		}
		if len(prefix) >= protowire.SizeVarint(MaxMessageSize)+1 {
			return 0, decodeError(binaryCodecName, "frame size", ErrMessageTooLarge)
		}
	}
	size, n := protowire.ConsumeVarint(prefix)
	if n < 0 {
		return 0, decodeError(binaryCodecName, "frame size", protowire.ParseError(n))
	}
	return size, nil
}
