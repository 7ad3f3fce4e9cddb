package msg

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Bundle carries the results collected for one batch, in no particular
// order. A batch too large for one frame is split over several bundles;
// More is set on every one but the last.
type Bundle struct {
	Results []Result
	More    bool
}

// BundleOverhead bounds the bytes a bundle frame adds around the encoded
// results it carries.
const BundleOverhead = 16

// Results decoded from a bundle are allocated as they arrive past this
// count, so a corrupt length cannot force a huge allocation.
const maxPrealloc = 1024

var (
	_ msgpack.CustomEncoder = &Bundle{}
	_ msgpack.CustomDecoder = &Bundle{}
)

func (b *Bundle) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(len(b.Results)); err != nil {
		return err
	}
	for i := range b.Results {
		if err := b.Results[i].EncodeMsgpack(enc); err != nil {
			return err
		}
	}
	return enc.EncodeBool(b.More)
}

func (b *Bundle) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	b.Results = nil
	if n > 0 {
		b.Results = make([]Result, 0, min(n, maxPrealloc))
	}
	for i := 0; i < n; i++ {
		var r Result
		if err := r.DecodeMsgpack(dec); err != nil {
			return fmt.Errorf("result %d of %d: %w", i+1, n, err)
		}
		b.Results = append(b.Results, r)
	}
	b.More, err = dec.DecodeBool()
	return err
}

// BundleAck acknowledges a bundle and echoes how many results were taken.
type BundleAck struct {
	Received uint64
}

var (
	_ msgpack.CustomEncoder = &BundleAck{}
	_ msgpack.CustomDecoder = &BundleAck{}
)

func (a *BundleAck) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeUint64(a.Received)
}

func (a *BundleAck) DecodeMsgpack(dec *msgpack.Decoder) error {
	var err error
	a.Received, err = dec.DecodeUint64()
	return err
}
