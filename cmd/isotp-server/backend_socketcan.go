//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-isotp-server/internal/can"
	"github.com/kstaniek/go-isotp-server/internal/metrics"
	"github.com/kstaniek/go-isotp-server/internal/socketcan"
)

// openSocketCANDevice is a hook for tests (overridden in unit tests).
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

// initSocketCANBackend opens the interface, installs the id filter and starts the TX writer.
func initSocketCANBackend(ctx context.Context, cfg *appConfig, filter []uint16, l *slog.Logger) (*backend, error) {
	var dev socketcan.Dev
	err := openWithRetry(ctx, cfg, l, "socketcan", func() error {
		var err error
		dev, err = openSocketCANDevice(cfg.canIf)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	if len(filter) > 0 {
		f, ok := dev.(socketcan.Filterer)
		if !ok {
			_ = dev.Close()
			return nil, fmt.Errorf("socketcan %s: device does not support filters", cfg.canIf)
		}
		if err := f.SetFilter(filter); err != nil {
			_ = dev.Close()
			return nil, fmt.Errorf("socketcan %s: %w", cfg.canIf, err)
		}
		l.Info("socketcan_filter", "ids", len(filter))
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	tw := socketcan.NewTXWriter(ctx, dev, txQueueSize)
	rxLoop := func(ctx context.Context, rx RxFunc) {
		defer l.Info("socketcan_rx_end")
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var fr can.Frame
			if err := dev.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				metrics.IncError(metrics.ErrSocketCANRead)
				l.Warn("socketcan_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff = nextBackoff(backoff)
				continue
			}
			metrics.IncSocketCANRx()
			if !rx(fr) {
				return
			}
			backoff = rxBackoffMin
		}
	}
	return &backend{
		name:    "socketcan",
		sink:    tw,
		rxLoop:  rxLoop,
		cleanup: func() { _ = dev.Close(); tw.Close() },
	}, nil
}
