package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-isotp-server/internal/can"
	"github.com/kstaniek/go-isotp-server/internal/transport"
)

// RxFunc consumes one received frame; returning false stops the RX loop.
type RxFunc func(can.Frame) bool

// backend is an opened CAN device. The TX side is live after init; RX starts
// once the consumer exists.
type backend struct {
	name    string
	sink    transport.FrameSink
	rxLoop  func(ctx context.Context, rx RxFunc)
	cleanup func()
}

// start launches the RX loop tracked by wg.
func (b *backend) start(ctx context.Context, wg *sync.WaitGroup, rx RxFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.rxLoop(ctx, rx)
	}()
}

// initBackend opens the selected backend. It returns an error instead of
// exiting the process to allow graceful handling by the caller.
func initBackend(ctx context.Context, cfg *appConfig, filter []uint16, l *slog.Logger) (*backend, error) {
	switch cfg.backend {
	case "serial":
		return initSerialBackend(ctx, cfg, l)
	case "socketcan":
		return initSocketCANBackend(ctx, cfg, filter, l)
	default:
		return nil, fmt.Errorf("unknown backend %q (use serial|socketcan)", cfg.backend)
	}
}

// openWithRetry runs open until it succeeds, attempts run out or ctx ends.
func openWithRetry(ctx context.Context, cfg *appConfig, l *slog.Logger, name string, open func() error) error {
	attempts := cfg.openAttempts
	if attempts == 0 {
		attempts = 1 // retry-go treats 0 as unlimited
	}
	return retry.Do(open,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(openRetryDelay),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("backend_open_retry", "backend", name, "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > rxBackoffMax {
		d = rxBackoffMax
	}
	return d
}
