//go:build !linux

package main

import (
	"context"
	"log/slog"

	"github.com/kstaniek/go-isotp-server/internal/socketcan"
)

// Placeholder so non-linux builds compile; socketcan not supported.
func initSocketCANBackend(ctx context.Context, cfg *appConfig, filter []uint16, l *slog.Logger) (*backend, error) {
	return nil, socketcan.ErrUnsupported
}
