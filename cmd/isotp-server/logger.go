package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-isotp-server/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "isotp-server")
	logging.Set(l)
	return l
}
