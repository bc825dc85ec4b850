package isotp

import (
	"fmt"
	"time"
)

// PCI is the frame type carried in the high nibble of the first byte.
type PCI uint8

const (
	PCISingle      PCI = 0x0
	PCIFirst       PCI = 0x1
	PCIConsecutive PCI = 0x2
	PCIFlowControl PCI = 0x3
)

func (p PCI) String() string {
	switch p {
	case PCISingle:
		return "SF"
	case PCIFirst:
		return "FF"
	case PCIConsecutive:
		return "CF"
	case PCIFlowControl:
		return "FC"
	default:
		return fmt.Sprintf("PCI(%d)", uint8(p))
	}
}

// FlowStatus is the low nibble of a flow control frame.
type FlowStatus uint8

const (
	FlowContinue FlowStatus = 0x0
	FlowWait     FlowStatus = 0x1
	FlowOverflow FlowStatus = 0x2
)

func (s FlowStatus) String() string {
	switch s {
	case FlowContinue:
		return "continue"
	case FlowWait:
		return "wait"
	case FlowOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("FlowStatus(%d)", uint8(s))
	}
}

const (
	// MaxMessageSize is the largest payload addressable with a 12-bit FF length.
	MaxMessageSize = 4095
	// PaddingByte fills unused frame bytes when padding is on.
	PaddingByte = 0xCC

	singleFrameMax  = 7
	firstFrameData  = 6
	escapedFFData   = 2
	consecutiveData = 7
	frameLen        = 8
)

// Frame is one decoded ISO-TP frame. Only the fields relevant to Type are set.
type Frame struct {
	Type PCI
	// Size is the SF data length or the FF declared message length.
	Size uint32
	// Escaped marks a FF that used the 32-bit length form.
	Escaped   bool
	Seq       uint8
	Status    FlowStatus
	BlockSize uint8
	STmin     byte

	n    uint8
	data [consecutiveData]byte
}

// Data returns the payload bytes carried by the frame. The slice aliases f.
func (f *Frame) Data() []byte { return f.data[:f.n] }

// SingleFrame builds a SF. At most 7 bytes are taken from data.
func SingleFrame(data []byte) Frame {
	f := Frame{Type: PCISingle}
	f.n = uint8(copy(f.data[:singleFrameMax], data))
	f.Size = uint32(f.n)
	return f
}

// FirstFrame builds a FF declaring size total bytes and carrying the first
// chunk of data (6 bytes, or 2 when size needs the escaped form).
func FirstFrame(size uint32, data []byte) Frame {
	f := Frame{Type: PCIFirst, Size: size, Escaped: size > MaxMessageSize}
	room := firstFrameData
	if f.Escaped {
		room = escapedFFData
	}
	f.n = uint8(copy(f.data[:room], data))
	return f
}

// ConsecutiveFrame builds a CF with the low nibble of seq.
func ConsecutiveFrame(seq uint8, data []byte) Frame {
	f := Frame{Type: PCIConsecutive, Seq: seq & 0x0F}
	f.n = uint8(copy(f.data[:], data))
	return f
}

func FlowControlFrame(status FlowStatus, blockSize uint8, stMin byte) Frame {
	return Frame{Type: PCIFlowControl, Status: status, BlockSize: blockSize, STmin: stMin}
}

// STmin decodes a separation time byte: 0x00-0x7F are milliseconds,
// 0xF1-0xF9 are 100µs steps. Anything else is reserved.
func STmin(b byte) (time.Duration, bool) {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond, true
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond, true
	default:
		return 0, false
	}
}

// EncodeSTmin returns the smallest STmin byte whose duration is >= d,
// capped at 127ms.
func EncodeSTmin(d time.Duration) byte {
	switch {
	case d <= 0:
		return 0
	case d < time.Millisecond:
		steps := (d + 100*time.Microsecond - 1) / (100 * time.Microsecond)
		if steps >= 10 {
			return 1
		}
		return 0xF0 + byte(steps)
	case d >= 127*time.Millisecond:
		return 0x7F
	default:
		return byte((d + time.Millisecond - 1) / time.Millisecond)
	}
}
