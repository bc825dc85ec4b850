package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-isotp-server/internal/can"
	"github.com/kstaniek/go-isotp-server/internal/metrics"
	"github.com/kstaniek/go-isotp-server/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter encodes frames for the adapter and writes them from one
// goroutine. A nil SendFrame error means queued, not on the bus.
type TXWriter struct{ *transport.AsyncTx }

func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int) *TXWriter {
	send := func(fr can.Frame) error {
		_, err := sp.Write(codec.Encode(fr))
		return err
	}
	hooks := transport.DeviceHooks("serial", metrics.ErrSerialWrite, metrics.ErrSerialOverflow, metrics.IncSerialTx, ErrTxOverflow)
	return &TXWriter{transport.NewAsyncTx(parent, buf, send, hooks)}
}
