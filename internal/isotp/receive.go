package isotp

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-isotp-server/internal/metrics"
)

type ReceiveState uint8

const (
	ReceiveIdle ReceiveState = iota
	ReceiveAccumulating
	ReceiveDone
	ReceiveFailed
)

func (s ReceiveState) String() string {
	switch s {
	case ReceiveIdle:
		return "idle"
	case ReceiveAccumulating:
		return "accumulating"
	case ReceiveDone:
		return "done"
	case ReceiveFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReceivedFunc is called once per message outcome, successful or not.
type ReceivedFunc func(msg *Message)

// ReceiveHandle reassembles messages arriving on one arbitration id into a
// caller-owned buffer. It stays usable for successive messages.
type ReceiveHandle struct {
	session
	arbitrationID uint16
	flowControlID uint16
	onReceived    ReceivedFunc
	timeout       time.Duration
	padding       bool
	blockSize     uint8
	stMin         byte

	state      ReceiveState
	buf        []byte
	received   uint16
	declared   uint32
	seq        uint8
	blockCount uint8
}

// Receive creates a standalone receiver for id. Flow control goes out on
// id+8 unless WithFlowControlID says otherwise. buf bounds the largest
// accepted message; nil allocates MaxMessageSize bytes once.
func Receive(shims Shims, id uint16, buf []byte, onReceived ReceivedFunc, opts ...Option) *ReceiveHandle {
	return newReceiveHandle(shims, id, buf, onReceived, buildOptions(opts))
}

func newReceiveHandle(shims Shims, id uint16, buf []byte, onReceived ReceivedFunc, o options) *ReceiveHandle {
	if buf == nil {
		buf = make([]byte, MaxMessageSize)
	}
	if len(buf) > MaxMessageSize {
		buf = buf[:MaxMessageSize]
	}
	h := &ReceiveHandle{
		session:       session{shims: shims},
		arbitrationID: id,
		flowControlID: id + peerOffset,
		onReceived:    onReceived,
		timeout:       o.timeout,
		padding:       o.padding,
		blockSize:     o.blockSize,
		stMin:         o.stMin,
		buf:           buf,
	}
	if o.hasFlowControl {
		h.flowControlID = o.flowControlID
	}
	return h
}

func (h *ReceiveHandle) Kind() HandleKind      { return KindReceive }
func (h *ReceiveHandle) State() ReceiveState   { return h.state }
func (h *ReceiveHandle) ArbitrationID() uint16 { return h.arbitrationID }
func (h *ReceiveHandle) FlowControlID() uint16 { return h.flowControlID }

// Message returns the current, possibly partial, reassembly.
func (h *ReceiveHandle) Message() Message { return h.message() }

// Release stops the receiver. Pending timers become no-ops.
func (h *ReceiveHandle) Release() {
	h.released = true
	h.disarm()
	if h.state == ReceiveAccumulating {
		h.state = ReceiveFailed
		h.outcome(ErrReleased)
	}
}

func (h *ReceiveHandle) message() Message {
	return Message{
		ArbitrationID: h.arbitrationID,
		Payload:       h.buf[:h.received],
		Size:          h.received,
		Completed:     h.state == ReceiveDone,
		Success:       h.state == ReceiveDone,
		Err:           h.err,
	}
}

func (h *ReceiveHandle) deliver(f Frame) {
	switch f.Type {
	case PCISingle:
		h.onSingle(f)
	case PCIFirst:
		h.onFirst(f)
	case PCIConsecutive:
		h.onConsecutive(f)
	default:
		h.shims.Log("isotp_receive_ignored_frame", "arb_id", hexID(h.arbitrationID), "pci", f.Type)
	}
}

// reset prepares for a new message, failing one still in flight.
func (h *ReceiveHandle) reset(next PCI) {
	if h.state == ReceiveAccumulating {
		h.shims.Log("isotp_receive_interrupted", "arb_id", hexID(h.arbitrationID),
			"received", h.received, "declared", h.declared, "by", next)
		h.complete(fmt.Errorf("%w: %s after %d of %d bytes", ErrInterrupted, next, h.received, h.declared))
	}
	h.state = ReceiveIdle
	h.completed, h.success, h.err = false, false, nil
	h.received, h.declared = 0, 0
}

func (h *ReceiveHandle) onSingle(f Frame) {
	h.reset(PCISingle)
	data := f.Data()
	if len(data) > len(h.buf) {
		h.complete(fmt.Errorf("%w: %d bytes, capacity %d", ErrBufferOverflow, len(data), len(h.buf)))
		return
	}
	h.received = uint16(copy(h.buf, data))
	h.declared = uint32(h.received)
	h.complete(nil)
}

func (h *ReceiveHandle) onFirst(f Frame) {
	h.reset(PCIFirst)
	h.declared = f.Size
	if f.Size > uint32(len(h.buf)) {
		h.sendFlowControl(FlowOverflow)
		h.complete(fmt.Errorf("%w: declared %d bytes, capacity %d", ErrBufferOverflow, f.Size, len(h.buf)))
		return
	}
	h.received = uint16(copy(h.buf, f.Data()))
	h.seq = 1
	h.blockCount = 0
	h.state = ReceiveAccumulating
	if !h.armTimeout() {
		return
	}
	h.sendFlowControl(FlowContinue)
}

func (h *ReceiveHandle) onConsecutive(f Frame) {
	if h.state != ReceiveAccumulating {
		h.shims.Log("isotp_receive_stray_cf", "arb_id", hexID(h.arbitrationID), "seq", f.Seq)
		return
	}
	if f.Seq != h.seq {
		h.complete(fmt.Errorf("%w: expected %d, got %d", ErrSequence, h.seq, f.Seq))
		return
	}
	h.received += uint16(copy(h.buf[h.received:h.declared], f.Data()))
	h.seq = (h.seq + 1) & 0x0F
	if uint32(h.received) >= h.declared {
		h.complete(nil)
		return
	}
	if !h.armTimeout() {
		return
	}
	if h.blockSize > 0 {
		h.blockCount++
		if h.blockCount >= h.blockSize {
			h.blockCount = 0
			h.sendFlowControl(FlowContinue)
		}
	}
}

func (h *ReceiveHandle) armTimeout() bool {
	if h.arm(h.timeout, h.expire) {
		return true
	}
	h.complete(fmt.Errorf("%w: consecutive frame timeout for %s", ErrTimer, hexID(h.arbitrationID)))
	return false
}

func (h *ReceiveHandle) expire() {
	if h.state != ReceiveAccumulating {
		return
	}
	h.complete(fmt.Errorf("%w: %d of %d bytes on %s after %v", ErrTimeout, h.received, h.declared, hexID(h.arbitrationID), h.timeout))
}

func (h *ReceiveHandle) sendFlowControl(status FlowStatus) {
	raw, n := Encode(FlowControlFrame(status, h.blockSize, h.stMin), h.padding)
	if h.shims.SendCANMessage(h.flowControlID, raw[:n]) {
		metrics.IncFrameTx()
		return
	}
	err := fmt.Errorf("%w: FC(%s) on %s", ErrTransmission, status, hexID(h.flowControlID))
	if h.state == ReceiveAccumulating {
		h.complete(err)
		return
	}
	h.shims.Log("isotp_flow_control_failed", "arb_id", hexID(h.arbitrationID), "error", err)
}

func (h *ReceiveHandle) complete(err error) {
	h.disarm()
	if err != nil {
		h.state = ReceiveFailed
		metrics.IncSessionFailure(Reason(err))
		h.shims.Log("isotp_receive_failed", "arb_id", hexID(h.arbitrationID), "received", h.received, "declared", h.declared, "error", err)
	} else {
		h.state = ReceiveDone
		metrics.IncMessageReceived()
	}
	h.outcome(err)
	if h.onReceived != nil {
		msg := h.message()
		h.onReceived(&msg)
	}
}
