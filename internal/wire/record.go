package wire

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-isotp-server/internal/isotp"
)

// Kind identifies what a record carries.
type Kind uint8

const (
	// KindSend asks the gateway to transmit Payload from Src, expecting flow
	// control on Dst (0 selects Src+8).
	KindSend Kind = 0x01
	// KindMessage is a reassembled message received on Src; Dst is the id
	// flow control went out on.
	KindMessage Kind = 0x02
	// KindSendResult reports the outcome of a KindSend for Src->Dst.
	KindSendResult Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindMessage:
		return "message"
	case KindSendResult:
		return "send_result"
	default:
		return fmt.Sprintf("kind(0x%02X)", uint8(k))
	}
}

// Status is the outcome carried by KindMessage and KindSendResult.
type Status uint8

const (
	StatusOK           Status = 0x00
	StatusTimeout      Status = 0x01
	StatusSequence     Status = 0x02
	StatusOverflow     Status = 0x03
	StatusRejected     Status = 0x04
	StatusTransmission Status = 0x05
	StatusBusy         Status = 0x06
	StatusTooLarge     Status = 0x07
	StatusTimer        Status = 0x08
	StatusWaitLimit    Status = 0x09
	StatusInterrupted  Status = 0x0A
	StatusFailed       Status = 0xFF
)

var statusNames = map[Status]string{
	StatusOK:           "ok",
	StatusTimeout:      "timeout",
	StatusSequence:     "sequence",
	StatusOverflow:     "overflow",
	StatusRejected:     "rejected",
	StatusTransmission: "transmission",
	StatusBusy:         "busy",
	StatusTooLarge:     "too_large",
	StatusTimer:        "timer",
	StatusWaitLimit:    "wait_limit",
	StatusInterrupted:  "interrupted",
	StatusFailed:       "failed",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(0x%02X)", uint8(s))
}

// StatusOf maps a session outcome onto a wire status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, isotp.ErrTimeout):
		return StatusTimeout
	case errors.Is(err, isotp.ErrSequence):
		return StatusSequence
	case errors.Is(err, isotp.ErrBufferOverflow):
		return StatusOverflow
	case errors.Is(err, isotp.ErrFlowControlRejected):
		return StatusRejected
	case errors.Is(err, isotp.ErrTransmission):
		return StatusTransmission
	case errors.Is(err, isotp.ErrAlreadyInProgress):
		return StatusBusy
	case errors.Is(err, isotp.ErrPayloadTooLarge):
		return StatusTooLarge
	case errors.Is(err, isotp.ErrTimer):
		return StatusTimer
	case errors.Is(err, isotp.ErrWaitLimit):
		return StatusWaitLimit
	case errors.Is(err, isotp.ErrInterrupted):
		return StatusInterrupted
	default:
		return StatusFailed
	}
}

// Record is one unit of the gateway TCP protocol.
type Record struct {
	Kind    Kind
	Src     uint16
	Dst     uint16
	Status  Status
	Payload []byte
}

func (r Record) OK() bool { return r.Status == StatusOK }

// Message converts a KindMessage record into the isotp view used for display.
func (r Record) Message() isotp.Message {
	return isotp.Message{
		ArbitrationID: r.Src,
		Payload:       r.Payload,
		Size:          uint16(len(r.Payload)),
		Completed:     r.Status == StatusOK,
		Success:       r.Status == StatusOK,
	}
}
