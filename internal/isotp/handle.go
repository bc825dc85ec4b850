package isotp

import (
	"fmt"
	"time"
)

type HandleKind uint8

const (
	KindSend HandleKind = iota + 1
	KindReceive
)

func (k HandleKind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// Handle is implemented by *SendHandle and *ReceiveHandle.
type Handle interface {
	Kind() HandleKind
	// Completed reports whether the session reached an outcome.
	Completed() bool
	// Success is meaningful once Completed is true.
	Success() bool
	Err() error
}

// session holds what both handle kinds share: the host shims, the outcome
// flags and the timer generation.
type session struct {
	shims     Shims
	gen       uint32
	completed bool
	success   bool
	err       error
	released  bool
}

func (s *session) Completed() bool { return s.completed }
func (s *session) Success() bool   { return s.success }
func (s *session) Err() error      { return s.err }

// arm schedules fire after d and invalidates any earlier pending timer.
func (s *session) arm(d time.Duration, fire func()) bool {
	s.gen++
	g := s.gen
	return s.shims.SetTimer(d, func() {
		if s.released || s.gen != g {
			return
		}
		fire()
	})
}

func (s *session) disarm() { s.gen++ }

func (s *session) outcome(err error) {
	s.completed = true
	s.success = err == nil
	s.err = err
}

// ReceiveCANFrame feeds one CAN frame to a single handle and returns the
// handle's current message. Frames not addressed to h are ignored. Use a
// Stack when many handles share one bus.
func ReceiveCANFrame(shims Shims, h Handle, id uint16, data []byte) Message {
	switch h := h.(type) {
	case *SendHandle:
		if id == h.receivingID && !h.released {
			if f, ok := decodeLogged(shims, id, data); ok {
				h.deliver(f)
			}
		}
		return h.message()
	case *ReceiveHandle:
		if id == h.arbitrationID && !h.released {
			if f, ok := decodeLogged(shims, id, data); ok {
				h.deliver(f)
			}
		}
		return h.message()
	default:
		return Message{ArbitrationID: id}
	}
}

func decodeLogged(shims Shims, id uint16, data []byte) (Frame, bool) {
	f, err := Decode(data)
	if err != nil {
		shims.Log("isotp_frame_dropped", "arb_id", hexID(id), "error", err)
		return f, false
	}
	return f, true
}

func hexID(id uint16) string { return fmt.Sprintf("0x%03X", id) }
