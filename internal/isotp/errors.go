package isotp

import (
	"errors"

	"github.com/kstaniek/go-isotp-server/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrMalformedFrame      = errors.New("isotp: malformed frame")
	ErrBufferOverflow      = errors.New("isotp: buffer overflow")
	ErrSequence            = errors.New("isotp: wrong sequence number")
	ErrFlowControlRejected = errors.New("isotp: peer rejected transfer")
	ErrTimeout             = errors.New("isotp: timeout")
	ErrTransmission        = errors.New("isotp: transmission failed")
	ErrAlreadyInProgress   = errors.New("isotp: send already in progress")
	ErrPayloadTooLarge     = errors.New("isotp: payload too large")
	ErrTimer               = errors.New("isotp: timer not armed")
	ErrWaitLimit           = errors.New("isotp: flow control wait limit reached")
	ErrInterrupted         = errors.New("isotp: reception interrupted by new message")
	ErrReleased            = errors.New("isotp: handle released")
	ErrDuplicateListener   = errors.New("isotp: listener already registered")
)

// Reason maps a session error to a stable metrics label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return metrics.ReasonTimeout
	case errors.Is(err, ErrSequence):
		return metrics.ReasonSequence
	case errors.Is(err, ErrBufferOverflow):
		return metrics.ReasonBufferOverflow
	case errors.Is(err, ErrFlowControlRejected):
		return metrics.ReasonFlowControlReject
	case errors.Is(err, ErrTransmission):
		return metrics.ReasonTransmission
	case errors.Is(err, ErrTimer):
		return metrics.ReasonTimer
	case errors.Is(err, ErrWaitLimit):
		return metrics.ReasonWaitLimit
	case errors.Is(err, ErrAlreadyInProgress):
		return metrics.ReasonAlreadyInProgress
	case errors.Is(err, ErrPayloadTooLarge):
		return metrics.ReasonPayloadTooLarge
	case errors.Is(err, ErrInterrupted):
		return metrics.ReasonInterrupted
	default:
		return metrics.ReasonOther
	}
}
