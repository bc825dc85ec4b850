package transport

import (
	"io"

	"github.com/kstaniek/go-isotp-server/internal/can"
	"github.com/kstaniek/go-isotp-server/internal/wire"
)

// RecordDecoder decodes a single gateway record from a stream.
type RecordDecoder interface {
	Decode(r io.Reader) (wire.Record, error)
}

// MultiRecordDecoder optionally drains multiple records from a stream.
type MultiRecordDecoder interface {
	DecodeN(r io.Reader, max int, onRecord func(wire.Record)) (int, error)
}

// RecordBatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type RecordBatchEncoder interface {
	Encode([]wire.Record) []byte
	EncodeTo(w io.Writer, recs []wire.Record) (int, error)
}

// FrameSink is a generic CAN frame transmission target.
type FrameSink interface {
	SendFrame(can.Frame) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(can.Frame) error

func (f FrameSinkFunc) SendFrame(fr can.Frame) error { return f(fr) }

// Compile-time assertions that *wire.Codec satisfies the optional capabilities.
var (
	_ RecordDecoder      = (*wire.Codec)(nil)
	_ MultiRecordDecoder = (*wire.Codec)(nil)
	_ RecordBatchEncoder = (*wire.Codec)(nil)
)
