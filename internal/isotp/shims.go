package isotp

import "time"

// Shims is everything the protocol core needs from its host.
//
// SendCANMessage reports whether the lower layer accepted the frame for
// transmission; it must not block. SetTimer arranges for fn to run once after
// d and reports whether the timer could be armed. fn must be invoked on the
// same goroutine (or under the same lock) that drives the Stack.
type Shims interface {
	Log(msg string, args ...any)
	SendCANMessage(id uint16, data []byte) bool
	SetTimer(d time.Duration, fn func()) bool
}

type (
	LogFunc            func(msg string, args ...any)
	SendCANMessageFunc func(id uint16, data []byte) bool
	SetTimerFunc       func(d time.Duration, fn func()) bool
)

type funcShims struct {
	log      LogFunc
	send     SendCANMessageFunc
	setTimer SetTimerFunc
}

// InitShims bundles three functions into a Shims. A nil log discards
// messages; a nil send or setTimer always reports failure.
func InitShims(log LogFunc, send SendCANMessageFunc, setTimer SetTimerFunc) Shims {
	return funcShims{log: log, send: send, setTimer: setTimer}
}

func (s funcShims) Log(msg string, args ...any) {
	if s.log != nil {
		s.log(msg, args...)
	}
}

func (s funcShims) SendCANMessage(id uint16, data []byte) bool {
	if s.send == nil {
		return false
	}
	return s.send(id, data)
}

func (s funcShims) SetTimer(d time.Duration, fn func()) bool {
	if s.setTimer == nil {
		return false
	}
	return s.setTimer(d, fn)
}
