//go:build linux

package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-isotp-server/internal/can"
	"github.com/kstaniek/go-isotp-server/internal/metrics"
	"github.com/kstaniek/go-isotp-server/internal/transport"
)

var ErrTxOverflow = errors.New("socketcan tx overflow")

// Dev is what the backend needs from a CAN socket.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// Filterer is implemented by devices that support kernel-side id filters.
type Filterer interface {
	SetFilter(ids []uint16) error
}

// TXWriter writes frames to the raw socket from one goroutine.
type TXWriter struct{ *transport.AsyncTx }

func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	hooks := transport.DeviceHooks("socketcan", metrics.ErrSocketCANWrite, metrics.ErrSocketCANOver, metrics.IncSocketCANTx, ErrTxOverflow)
	return &TXWriter{transport.NewAsyncTx(parent, buf, dev.WriteFrame, hooks)}
}
