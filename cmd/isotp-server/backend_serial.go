package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kstaniek/go-isotp-server/internal/can"
	"github.com/kstaniek/go-isotp-server/internal/metrics"
	"github.com/kstaniek/go-isotp-server/internal/serial"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// initSerialBackend opens the serial adapter and its TX writer.
func initSerialBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (*backend, error) {
	var sp serial.Port
	err := openWithRetry(ctx, cfg, l, "serial", func() error {
		var err error
		sp, err = openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.serialDev, err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud, "std_ids", cfg.serialStdIDs)
	codec := serial.Codec{Standard: cfg.serialStdIDs}
	w := serial.NewTXWriter(ctx, sp, codec, txQueueSize)
	rxLoop := func(ctx context.Context, rx RxFunc) {
		defer l.Info("serial_rx_end")
		buf := make([]byte, serialReadBufSize)
		acc := bytes.NewBuffer(nil)
		backoff := rxBackoffMin
		stopped := false
		for !stopped {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				_ = codec.DecodeStream(acc, func(fr can.Frame) {
					if !stopped && !rx(fr) {
						stopped = true
					}
				})
				if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
					acc = bytes.NewBuffer(nil)
				}
				backoff = rxBackoffMin
			}
			if err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					l.Error("serial_device_lost", "error", err)
					return
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue // read timeout on an idle line
				}
				metrics.IncError(metrics.ErrSerialRead)
				l.Warn("serial_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff = nextBackoff(backoff)
			}
		}
	}
	return &backend{
		name:    "serial",
		sink:    w,
		rxLoop:  rxLoop,
		cleanup: func() { _ = sp.Close(); w.Close() },
	}, nil
}
