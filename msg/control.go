package msg

import "github.com/vmihailenco/msgpack/v5"

// Signal is a value broadcast on the control channel.
type Signal uint8

const (
	SignalNone Signal = 0
	SignalQuit Signal = 1
)

func (s Signal) String() string {
	switch s {
	case SignalQuit:
		return "QUIT"
	default:
		return "NONE"
	}
}

type Control struct {
	Signal Signal
}

var (
	_ msgpack.CustomEncoder = &Control{}
	_ msgpack.CustomDecoder = &Control{}
)

func (c *Control) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(c.Signal)
}

func (c *Control) DecodeMsgpack(dec *msgpack.Decoder) error {
	return dec.Decode(&c.Signal)
}
