package transport

import (
	"github.com/kstaniek/go-isotp-server/internal/logging"
	"github.com/kstaniek/go-isotp-server/internal/metrics"
)

// DeviceHooks accounts the writes of one CAN backend. Failed writes are
// counted under writeErr and logged; a full queue is counted under
// overflowErr and returns overflow to the caller, which the ISO-TP engine
// reports as a transmission failure.
func DeviceHooks(backend, writeErr, overflowErr string, sent func(), overflow error) Hooks {
	return Hooks{
		OnError: func(err error) {
			metrics.IncError(writeErr)
			logging.L().Warn("can_write_error", "backend", backend, "error", err)
		},
		OnAfter: sent,
		OnDrop: func() error {
			metrics.IncError(overflowErr)
			return overflow
		},
	}
}
