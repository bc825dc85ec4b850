package isotp

import (
	"fmt"

	"github.com/kstaniek/go-isotp-server/internal/metrics"
)

// Stack routes frames from one CAN bus to registered senders and listeners.
// It is not safe for concurrent use: OnFrame, Send, Receive, Release and
// timer callbacks must all run on one goroutine.
type Stack struct {
	shims     Shims
	defaults  []Option
	listeners map[uint16]*ReceiveHandle
	sends     map[uint16]*SendHandle // by receiving id
}

// NewStack returns a Stack whose handles start from defaults.
func NewStack(shims Shims, defaults ...Option) *Stack {
	return &Stack{
		shims:     shims,
		defaults:  defaults,
		listeners: make(map[uint16]*ReceiveHandle),
		sends:     make(map[uint16]*SendHandle),
	}
}

func (s *Stack) options(opts []Option) options {
	all := make([]Option, 0, len(s.defaults)+len(opts))
	all = append(all, s.defaults...)
	all = append(all, opts...)
	return buildOptions(all)
}

// Send starts a registered send. If another send already uses the same
// sending id or expects flow control on the same receiving id, the returned
// handle carries ErrAlreadyInProgress and onSent is not called.
func (s *Stack) Send(sendingID uint16, payload []byte, onSent SentFunc, opts ...Option) *SendHandle {
	h := newSendHandle(s.shims, sendingID, onSent, s.options(opts))
	if cur := s.activeSend(h.sendingID, h.receivingID); cur != nil {
		h.reject(fmt.Errorf("%w: %s->%s busy", ErrAlreadyInProgress, hexID(cur.sendingID), hexID(cur.receivingID)))
		return h
	}
	s.sends[h.receivingID] = h
	h.onFinish = s.dropSend
	h.start(payload)
	return h
}

func (s *Stack) activeSend(sendingID, receivingID uint16) *SendHandle {
	if cur, ok := s.sends[receivingID]; ok {
		return cur
	}
	for _, cur := range s.sends {
		if cur.sendingID == sendingID {
			return cur
		}
	}
	return nil
}

func (s *Stack) dropSend(h *SendHandle) {
	if s.sends[h.receivingID] == h {
		delete(s.sends, h.receivingID)
	}
}

// Receive registers a listener for id.
func (s *Stack) Receive(id uint16, buf []byte, onReceived ReceivedFunc, opts ...Option) (*ReceiveHandle, error) {
	if _, ok := s.listeners[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateListener, hexID(id))
	}
	h := newReceiveHandle(s.shims, id, buf, onReceived, s.options(opts))
	s.listeners[id] = h
	return h, nil
}

// Release unregisters h and invalidates its pending timers.
func (s *Stack) Release(h Handle) {
	switch h := h.(type) {
	case *SendHandle:
		h.Release()
	case *ReceiveHandle:
		if s.listeners[h.arbitrationID] == h {
			delete(s.listeners, h.arbitrationID)
		}
		h.Release()
	}
}

// Listener returns the receiver registered for id, if any.
func (s *Stack) Listener(id uint16) (*ReceiveHandle, bool) {
	h, ok := s.listeners[id]
	return h, ok
}

// ActiveSends reports how many sends are in flight.
func (s *Stack) ActiveSends() int { return len(s.sends) }

// OnFrame processes one received CAN frame. Malformed and unroutable frames
// are logged and dropped.
func (s *Stack) OnFrame(id uint16, data []byte) {
	f, ok := decodeLogged(s.shims, id, data)
	if !ok {
		return
	}
	if f.Type == PCIFlowControl {
		if h, ok := s.sends[id]; ok {
			h.deliver(f)
			return
		}
	} else if h, ok := s.listeners[id]; ok {
		h.deliver(f)
		return
	}
	metrics.IncUnrouted()
	s.shims.Log("isotp_frame_unrouted", "arb_id", hexID(id), "pci", f.Type)
}
