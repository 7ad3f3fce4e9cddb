package msg

import "github.com/vmihailenco/msgpack/v5"

// Replies sent by the collector on the wake channel. REJECTED answers a
// wake the collector cannot serve, such as a count it cannot hold.
const (
	StatusReady    = "READY"
	StatusAck      = "ACK"
	StatusRejected = "REJECTED"
)

// Wake announces the size of the next batch to the collector. When
// Terminate is set Count is ignored and the collector shuts down.
type Wake struct {
	Count     uint64
	Terminate bool
}

var (
	_ msgpack.CustomEncoder = &Wake{}
	_ msgpack.CustomDecoder = &Wake{}
)

func (w *Wake) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeUint64(w.Count); err != nil {
		return err
	}
	return enc.EncodeBool(w.Terminate)
}

func (w *Wake) DecodeMsgpack(dec *msgpack.Decoder) error {
	var err error
	if w.Count, err = dec.DecodeUint64(); err != nil {
		return err
	}
	w.Terminate, err = dec.DecodeBool()
	return err
}

type WakeReply struct {
	Status string
}

var (
	_ msgpack.CustomEncoder = &WakeReply{}
	_ msgpack.CustomDecoder = &WakeReply{}
)

func (r *WakeReply) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(r.Status)
}

func (r *WakeReply) DecodeMsgpack(dec *msgpack.Decoder) error {
	return dec.Decode(&r.Status)
}
