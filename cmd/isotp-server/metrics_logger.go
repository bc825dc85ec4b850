package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-isotp-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"serial_rx", snap.SerialRx,
		"socketcan_rx", snap.SocketCANRx,
		"serial_tx", snap.SerialTx,
		"socketcan_tx", snap.SocketCANTx,
		"tcp_rx", snap.TCPRx,
		"tcp_tx", snap.TCPTx,
		"isotp_frames_tx", snap.FramesTx,
		"isotp_sent", snap.MessagesSent,
		"isotp_received", snap.MessagesReceived,
		"isotp_failures", snap.SessionFailures,
		"isotp_unrouted", snap.Unrouted,
		"malformed", snap.Malformed,
		"hub_clients", snap.HubClients,
		"hub_drops", snap.HubDrops,
		"errors", snap.Errors,
	)
}
