package msg

import "github.com/vmihailenco/msgpack/v5"

// Job is one unit of work. ID is the zero-based index of the job in its
// batch and always goes on the wire as a fixed-width uint64.
type Job struct {
	ID      uint64
	Payload []byte
}

var (
	_ msgpack.CustomEncoder = &Job{}
	_ msgpack.CustomDecoder = &Job{}
)

func (j *Job) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeUint64(j.ID); err != nil {
		return err
	}
	return enc.EncodeBytes(j.Payload)
}

func (j *Job) DecodeMsgpack(dec *msgpack.Decoder) error {
	var err error
	if j.ID, err = dec.DecodeUint64(); err != nil {
		return err
	}
	j.Payload, err = dec.DecodeBytes()
	return err
}
