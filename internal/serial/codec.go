package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-isotp-server/internal/can"
	"github.com/kstaniek/go-isotp-server/internal/metrics"
)

// Codec frames CAN traffic for the Ampio UART adapter. The adapter always
// carries a 4-byte id. With Standard set, ids up to 0x7FF are delivered as
// 11-bit frames so ISO-TP addressing works across the link.
type Codec struct {
	Standard bool
}

// CompactBuffer copies the unread tail of b into fresh storage once at
// least 1 KiB is pending and it fills under a quarter of the capacity.
// It reports whether it compacted.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

const (
	preamble0 = 0x2D
	preamble1 = 0xD4

	insSendExt = 2    // host -> adapter: send frame with 4-byte id
	flagDLC    = 0x80 // classic frame, low bits carry the DLC

	// Receive records carry ID(4) | PAYLOAD(0..8) | CHECKSUM(1) after the
	// length byte; the length counts all three.
	rxMinLen = 4 + 1
	rxMaxLen = 4 + can.MaxDataLen + 1
)

// canUARTSend wraps data in the adapter envelope:
//
//	2D D4 len(data)+1 data... checksum
//
// where checksum = 0x2D + len + sum(data) mod 256.
func canUARTSend(data []byte) []byte {
	n := len(data)
	out := make([]byte, n+4)
	out[0], out[1], out[2] = preamble0, preamble1, byte(n+1)
	sum := out[2] + preamble0
	for i, b := range data {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode builds a transmit record: INS | FLAGS | ID(4) | PAYLOAD.
func (Codec) Encode(f can.Frame) []byte {
	n := min(f.Len, can.MaxDataLen)
	rec := make([]byte, 6+n)
	rec[0] = insSendExt
	rec[1] = flagDLC | n
	binary.BigEndian.PutUint32(rec[2:6], f.ID())
	copy(rec[6:], f.Data[:n])
	return canUARTSend(rec)
}

// frame maps an adapter id onto a can.Frame. The adapter does not say
// whether the bus frame was 11- or 29-bit.
func (c Codec) frame(id uint32, payload []byte) can.Frame {
	var f can.Frame
	if c.Standard && id <= can.CAN_SFF_MASK {
		f.CANID = id
	} else {
		f.CANID = id&can.CAN_EFF_MASK | can.CAN_EFF_FLAG
	}
	f.Len = uint8(copy(f.Data[:], payload))
	return f
}

// DecodeStream consumes complete records from in and emits them via out.
// Partial records stay buffered for the next call; garbage and bad
// checksums are skipped one byte at a time and counted as malformed.
//
// Receive record (DLC=8):
//
//	2D D4 0D | 00 00 07 E8 | 10 14 62 F1 90 57 30 4C | CS
func (c Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	header := []byte{preamble0, preamble1}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return nil
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// the next chunk may complete a preamble split across reads
			if data[len(data)-1] == preamble0 {
				in.Next(len(data) - 1)
			} else {
				in.Reset()
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < rxMinLen || ln > rxMaxLen {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			return nil
		}
		sum := byte(preamble0) + data[2]
		for _, b := range data[3 : total-1] {
			sum += b
		}
		if sum != data[total-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		out(c.frame(binary.BigEndian.Uint32(data[3:7]), data[7:total-1]))
		metrics.IncSerialRx()
		in.Next(total)
	}
}
