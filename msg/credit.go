package msg

import "github.com/vmihailenco/msgpack/v5"

// Credit is sent by an idle worker to ask the work queue for N more jobs.
type Credit struct {
	N uint32
}

var (
	_ msgpack.CustomEncoder = &Credit{}
	_ msgpack.CustomDecoder = &Credit{}
)

func (c *Credit) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(c.N)
}

func (c *Credit) DecodeMsgpack(dec *msgpack.Decoder) error {
	return dec.Decode(&c.N)
}
