package fabric

import (
	"bytes"
	"fmt"

	"github.com/hnakamur/mapscale/msg"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame is a received message whose body has not been decoded yet.
type Frame struct {
	Type msg.MessageType
	body []byte
}

// Encode builds a frame from a message type and its body.
func Encode(t msg.MessageType, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(t); err != nil {
		return nil, err
	}
	if v != nil {
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("encode %s: %w", t, err)
		}
	}
	return buf.Bytes(), nil
}

// ParseFrame reads the message type of a raw frame.
func ParseFrame(b []byte) (Frame, error) {
	r := bytes.NewReader(b)
	var t msg.MessageType
	if err := msgpack.NewDecoder(r).Decode(&t); err != nil {
		return Frame{}, fmt.Errorf("decode message type: %w", err)
	}
	return Frame{Type: t, body: b[len(b)-r.Len():]}, nil
}

// Decode decodes the frame body into v.
func (f Frame) Decode(v interface{}) error {
	if err := msgpack.Unmarshal(f.body, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}
	return nil
}

// DecodeAs decodes the body after checking the message type.
func (f Frame) DecodeAs(t msg.MessageType, v interface{}) error {
	if f.Type != t {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, f.Type, t)
	}
	return f.Decode(v)
}

func decodeFrame(b []byte, t msg.MessageType, v interface{}) error {
	f, err := ParseFrame(b)
	if err != nil {
		return err
	}
	return f.DecodeAs(t, v)
}
