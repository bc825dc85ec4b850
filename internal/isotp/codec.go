package isotp

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-isotp-server/internal/metrics"
)

// Decode parses one CAN payload into an ISO-TP frame.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if len(raw) == 0 || len(raw) > frameLen {
		return f, malformed("frame length %d", len(raw))
	}
	f.Type = PCI(raw[0] >> 4)
	switch f.Type {
	case PCISingle:
		l := int(raw[0] & 0x0F)
		if l > singleFrameMax || l > len(raw)-1 {
			return f, malformed("SF length %d in %d byte frame", l, len(raw))
		}
		f.Size = uint32(l)
		f.n = uint8(copy(f.data[:], raw[1:1+l]))
	case PCIFirst:
		if len(raw) < frameLen {
			return f, malformed("FF needs %d bytes, got %d", frameLen, len(raw))
		}
		size := uint32(raw[0]&0x0F)<<8 | uint32(raw[1])
		start := 2
		if size == 0 {
			size = binary.BigEndian.Uint32(raw[2:6])
			start = 6
			f.Escaped = true
		}
		if size <= singleFrameMax {
			return f, malformed("FF length %d fits a single frame", size)
		}
		f.Size = size
		f.n = uint8(copy(f.data[:], raw[start:]))
	case PCIConsecutive:
		f.Seq = raw[0] & 0x0F
		f.n = uint8(copy(f.data[:], raw[1:]))
	case PCIFlowControl:
		if len(raw) < 3 {
			return f, malformed("FC needs 3 bytes, got %d", len(raw))
		}
		f.Status = FlowStatus(raw[0] & 0x0F)
		if f.Status > FlowOverflow {
			return f, malformed("FC status %d", f.Status)
		}
		f.BlockSize = raw[1]
		f.STmin = raw[2]
		if _, ok := STmin(f.STmin); !ok {
			return f, malformed("FC STmin 0x%02X", f.STmin)
		}
	default:
		return f, malformed("PCI 0x%X", uint8(f.Type))
	}
	return f, nil
}

func malformed(format string, args ...any) error {
	metrics.IncMalformed()
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedFrame}, args...)...)
}

// Encode serializes f. With pad set the frame is filled to 8 bytes with
// PaddingByte; n is the number of valid bytes in out.
func Encode(f Frame, pad bool) (out [frameLen]byte, n int) {
	data := f.Data()
	switch f.Type {
	case PCISingle:
		out[0] = byte(PCISingle)<<4 | byte(len(data))
		n = 1 + copy(out[1:], data)
	case PCIFirst:
		if f.Escaped || f.Size > MaxMessageSize {
			out[0] = byte(PCIFirst) << 4
			binary.BigEndian.PutUint32(out[2:6], f.Size)
			n = 6 + copy(out[6:], data)
		} else {
			out[0] = byte(PCIFirst)<<4 | byte(f.Size>>8)&0x0F
			out[1] = byte(f.Size)
			n = 2 + copy(out[2:], data)
		}
	case PCIConsecutive:
		out[0] = byte(PCIConsecutive)<<4 | f.Seq&0x0F
		n = 1 + copy(out[1:], data)
	case PCIFlowControl:
		out[0] = byte(PCIFlowControl)<<4 | byte(f.Status)&0x0F
		out[1] = f.BlockSize
		out[2] = f.STmin
		n = 3
	}
	if pad {
		for i := n; i < frameLen; i++ {
			out[i] = PaddingByte
		}
		n = frameLen
	}
	return out, n
}
