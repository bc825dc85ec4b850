package isotp

import "strconv"

// Message is the caller-visible view of one transfer.
//
// Payload aliases the session buffer: it is only valid inside the callback
// that delivered it, or until the next frame for the same handle.
type Message struct {
	ArbitrationID uint16
	Payload       []byte
	Size          uint16
	// Completed is set once the whole payload has been transferred.
	Completed bool
	Success   bool
	Err       error
}

const hexDigits = "0123456789abcdef"

// AppendText appends "ID: 0x7e8, Payload: 0x62f190..." to dst.
func (m *Message) AppendText(dst []byte) []byte {
	dst = append(dst, "ID: 0x"...)
	dst = strconv.AppendUint(dst, uint64(m.ArbitrationID), 16)
	dst = append(dst, ", Payload: 0x"...)
	for _, b := range m.Payload {
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	if !m.Completed {
		dst = append(dst, " (incomplete)"...)
	}
	if m.Err != nil {
		dst = append(dst, ", Error: "...)
		dst = append(dst, m.Err.Error()...)
	}
	return dst
}

func (m *Message) String() string { return string(m.AppendText(nil)) }

// MessageToString writes the text form of m into dst, truncating if needed,
// and returns the number of bytes written.
func MessageToString(m *Message, dst []byte) int {
	var scratch [128]byte
	return copy(dst, m.AppendText(scratch[:0]))
}
