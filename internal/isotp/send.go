package isotp

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-isotp-server/internal/metrics"
)

type SendState uint8

const (
	SendIdle SendState = iota
	SendPreparing
	SendAwaitingFlowControl
	SendStreaming
	SendDone
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendIdle:
		return "idle"
	case SendPreparing:
		return "preparing"
	case SendAwaitingFlowControl:
		return "awaiting_fc"
	case SendStreaming:
		return "streaming"
	case SendDone:
		return "done"
	case SendFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SentFunc receives the outcome of a send exactly once.
type SentFunc func(msg *Message, success bool)

// FrameSentFunc observes each frame of a send as it is handed to the CAN layer.
type FrameSentFunc func(msg *Message)

// SendHandle segments one payload into SF or FF+CF frames.
type SendHandle struct {
	session
	sendingID   uint16
	receivingID uint16
	onSent      SentFunc
	onFrameSent FrameSentFunc
	timeout     time.Duration
	padding     bool
	maxWait     int

	state      SendState
	buf        [MaxMessageSize]byte
	size       uint16
	offset     uint16
	seq        uint8
	blockSize  uint8
	blockCount uint8
	stMin      time.Duration
	waits      int

	// onFinish lets a Stack drop the handle from its registry.
	onFinish func(*SendHandle)
}

// Send starts transmitting payload on sendingID without any registry. Flow
// control is expected on sendingID+8 unless WithReceivingID says otherwise;
// feed it with ReceiveCANFrame.
func Send(shims Shims, sendingID uint16, payload []byte, onSent SentFunc, opts ...Option) *SendHandle {
	h := newSendHandle(shims, sendingID, onSent, buildOptions(opts))
	h.start(payload)
	return h
}

func newSendHandle(shims Shims, sendingID uint16, onSent SentFunc, o options) *SendHandle {
	h := &SendHandle{
		session:     session{shims: shims},
		sendingID:   sendingID,
		receivingID: sendingID + peerOffset,
		onSent:      onSent,
		onFrameSent: o.onFrameSent,
		timeout:     o.timeout,
		padding:     o.padding,
		maxWait:     o.maxWaitFrames,
	}
	if o.hasReceivingID {
		h.receivingID = o.receivingID
	}
	return h
}

func (h *SendHandle) Kind() HandleKind    { return KindSend }
func (h *SendHandle) State() SendState    { return h.state }
func (h *SendHandle) SendingID() uint16   { return h.sendingID }
func (h *SendHandle) ReceivingID() uint16 { return h.receivingID }

// Message returns the current view of the outbound transfer.
func (h *SendHandle) Message() Message { return h.message() }

// Release abandons the send. Pending timers become no-ops and no callback runs.
func (h *SendHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.disarm()
	if !h.completed {
		h.state = SendFailed
		h.outcome(ErrReleased)
	}
	if h.onFinish != nil {
		h.onFinish(h)
	}
}

func (h *SendHandle) message() Message {
	return Message{
		ArbitrationID: h.sendingID,
		Payload:       h.buf[:h.size],
		Size:          h.size,
		Completed:     h.state == SendDone,
		Success:       h.state == SendDone,
		Err:           h.err,
	}
}

func (h *SendHandle) start(payload []byte) {
	if len(payload) > MaxMessageSize {
		h.reject(fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxMessageSize))
		return
	}
	h.size = uint16(copy(h.buf[:], payload))
	h.state = SendPreparing
	if h.size <= singleFrameMax {
		if h.transmit(SingleFrame(h.buf[:h.size])) {
			h.finish(nil)
		}
		return
	}
	h.offset = firstFrameData
	h.seq = 1
	h.state = SendAwaitingFlowControl
	if !h.armTimeout() {
		return
	}
	h.transmit(FirstFrame(uint32(h.size), h.buf[:firstFrameData]))
}

// reject fails the handle before any frame went out. No callback runs.
func (h *SendHandle) reject(err error) {
	h.state = SendFailed
	h.outcome(err)
	metrics.IncSessionFailure(Reason(err))
	h.shims.Log("isotp_send_rejected", "tx_id", hexID(h.sendingID), "rx_id", hexID(h.receivingID), "error", err)
	if h.onFinish != nil {
		h.onFinish(h)
	}
}

func (h *SendHandle) transmit(f Frame) bool {
	raw, n := Encode(f, h.padding)
	if !h.shims.SendCANMessage(h.sendingID, raw[:n]) {
		h.finish(fmt.Errorf("%w: %s on %s", ErrTransmission, f.Type, hexID(h.sendingID)))
		return false
	}
	metrics.IncFrameTx()
	if h.onFrameSent != nil {
		msg := h.message()
		h.onFrameSent(&msg)
	}
	return true
}

func (h *SendHandle) armTimeout() bool {
	if h.arm(h.timeout, h.expire) {
		return true
	}
	h.finish(fmt.Errorf("%w: flow control timeout for %s", ErrTimer, hexID(h.receivingID)))
	return false
}

func (h *SendHandle) expire() {
	if h.state != SendAwaitingFlowControl {
		return
	}
	h.finish(fmt.Errorf("%w: no flow control on %s within %v", ErrTimeout, hexID(h.receivingID), h.timeout))
}

// deliver handles a frame arriving on receivingID. Only FC means anything
// to a sender.
func (h *SendHandle) deliver(f Frame) {
	if f.Type != PCIFlowControl {
		h.shims.Log("isotp_send_ignored_frame", "rx_id", hexID(h.receivingID), "pci", f.Type)
		return
	}
	if h.state != SendAwaitingFlowControl {
		h.shims.Log("isotp_unexpected_flow_control", "rx_id", hexID(h.receivingID), "state", h.state)
		return
	}
	switch f.Status {
	case FlowContinue:
		h.waits = 0
		h.blockSize = f.BlockSize
		h.blockCount = 0
		h.stMin, _ = STmin(f.STmin)
		h.disarm()
		h.state = SendStreaming
		h.stream()
	case FlowWait:
		h.waits++
		if h.maxWait > 0 && h.waits > h.maxWait {
			h.finish(fmt.Errorf("%w: %d waits from %s", ErrWaitLimit, h.waits, hexID(h.receivingID)))
			return
		}
		h.armTimeout()
	case FlowOverflow:
		h.finish(fmt.Errorf("%w: %s cannot take %d bytes", ErrFlowControlRejected, hexID(h.receivingID), h.size))
	}
}

// stream emits CFs until the payload is done, the block is full, or STmin
// requires a pause.
func (h *SendHandle) stream() {
	for h.state == SendStreaming {
		end := h.offset + consecutiveData
		if end > h.size {
			end = h.size
		}
		f := ConsecutiveFrame(h.seq, h.buf[h.offset:end])
		h.offset = end
		h.seq = (h.seq + 1) & 0x0F
		h.blockCount++

		last := end >= h.size
		blockEnd := !last && h.blockSize > 0 && h.blockCount >= h.blockSize
		if blockEnd {
			// Switch before transmitting so an FC answered synchronously is accepted.
			h.state = SendAwaitingFlowControl
			if !h.armTimeout() {
				return
			}
		}
		if !h.transmit(f) {
			return
		}
		switch {
		case last:
			if h.state == SendStreaming {
				h.finish(nil)
			}
			return
		case blockEnd:
			return
		case h.stMin > 0:
			if !h.arm(h.stMin, h.stream) {
				h.finish(fmt.Errorf("%w: STmin pacing on %s", ErrTimer, hexID(h.sendingID)))
			}
			return
		}
	}
}

func (h *SendHandle) finish(err error) {
	if h.completed {
		return
	}
	h.disarm()
	if err != nil {
		h.state = SendFailed
		metrics.IncSessionFailure(Reason(err))
		h.shims.Log("isotp_send_failed", "tx_id", hexID(h.sendingID), "rx_id", hexID(h.receivingID), "size", h.size, "error", err)
	} else {
		h.state = SendDone
		metrics.IncMessageSent()
	}
	h.outcome(err)
	if h.onFinish != nil {
		h.onFinish(h)
	}
	if h.onSent != nil {
		msg := h.message()
		h.onSent(&msg, h.success)
	}
}
