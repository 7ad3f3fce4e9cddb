package msg

import "github.com/vmihailenco/msgpack/v5"

// Result carries the encoded value computed for the job with the same ID.
// A non-empty Err marks a job whose work function failed; Value is empty
// in that case.
type Result struct {
	JobID uint64
	Value []byte
	Err   string
}

var (
	_ msgpack.CustomEncoder = &Result{}
	_ msgpack.CustomDecoder = &Result{}
)

func (r *Result) Failed() bool {
	return r.Err != ""
}

// MaxEncodedLen bounds the number of bytes EncodeMsgpack writes for r.
func (r *Result) MaxEncodedLen() int {
	// fixed-width id, then bin and str headers of at most five bytes each
	return 9 + 5 + len(r.Value) + 5 + len(r.Err)
}

func (r *Result) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeUint64(r.JobID); err != nil {
		return err
	}
	if err := enc.EncodeBytes(r.Value); err != nil {
		return err
	}
	return enc.EncodeString(r.Err)
}

func (r *Result) DecodeMsgpack(dec *msgpack.Decoder) error {
	var err error
	if r.JobID, err = dec.DecodeUint64(); err != nil {
		return err
	}
	if r.Value, err = dec.DecodeBytes(); err != nil {
		return err
	}
	r.Err, err = dec.DecodeString()
	return err
}
