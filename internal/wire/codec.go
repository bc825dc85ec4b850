package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-isotp-server/internal/isotp"
	"github.com/kstaniek/go-isotp-server/internal/metrics"
)

// HeaderLen is kind(1) + src(2) + dst(2) + status(1) + len(2).
const HeaderLen = 8

// MaxPayload bounds a record body; it matches the largest ISO-TP message.
const MaxPayload = isotp.MaxMessageSize

var (
	// ErrUnknownKind is returned for a record kind outside the known set.
	ErrUnknownKind = errors.New("wire: unknown record kind")
	// ErrPayloadLength is returned when the declared body exceeds MaxPayload.
	ErrPayloadLength = errors.New("wire: invalid payload length")
	// ErrTruncatedRecord is returned when reading stops mid-record.
	ErrTruncatedRecord = errors.New("wire: truncated record")
)

// Codec encodes/decodes gateway records. Stateless and safe for concurrent use.
type Codec struct{}

// Encode packs records into one buffer.
func (c *Codec) Encode(recs []Record) []byte {
	if len(recs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	size := 0
	for _, r := range recs {
		size += HeaderLen + len(r.Payload)
	}
	buf.Grow(size)
	_, _ = c.EncodeTo(&buf, recs)
	return buf.Bytes()
}

// EncodeTo writes recs to w and returns bytes written. Payloads longer than
// MaxPayload are cut.
func (c *Codec) EncodeTo(w io.Writer, recs []Record) (int, error) {
	var total int
	for _, r := range recs {
		body := r.Payload
		if len(body) > MaxPayload {
			body = body[:MaxPayload]
		}
		var hdr [HeaderLen]byte
		hdr[0] = byte(r.Kind)
		binary.BigEndian.PutUint16(hdr[1:3], r.Src)
		binary.BigEndian.PutUint16(hdr[3:5], r.Dst)
		hdr[5] = byte(r.Status)
		binary.BigEndian.PutUint16(hdr[6:8], uint16(len(body)))
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("wire encode header: %w", err)
		}
		if len(body) > 0 {
			n, err = w.Write(body)
			total += n
			if err != nil {
				return total, fmt.Errorf("wire encode payload: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one record from r. An error before the first header
// byte (io.EOF, a read deadline) is returned as is and leaves the stream on
// a record boundary. Any error after that wraps ErrTruncatedRecord together
// with the cause: the stream is no longer aligned.
func (c *Codec) Decode(r io.Reader) (Record, error) {
	var rec Record
	var hdr [HeaderLen]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if n == 0 {
			return rec, err
		}
		metrics.IncMalformed()
		return rec, fmt.Errorf("wire decode header: %w: %w", ErrTruncatedRecord, err)
	}
	rec.Kind = Kind(hdr[0])
	rec.Src = binary.BigEndian.Uint16(hdr[1:3])
	rec.Dst = binary.BigEndian.Uint16(hdr[3:5])
	rec.Status = Status(hdr[5])
	ln := int(binary.BigEndian.Uint16(hdr[6:8]))
	if rec.Kind < KindSend || rec.Kind > KindSendResult {
		metrics.IncMalformed()
		return rec, fmt.Errorf("wire decode: %w (0x%02X)", ErrUnknownKind, hdr[0])
	}
	if ln > MaxPayload {
		metrics.IncMalformed()
		return rec, fmt.Errorf("wire decode: %w (%d)", ErrPayloadLength, ln)
	}
	if ln > 0 {
		rec.Payload = make([]byte, ln)
		if _, err := io.ReadFull(r, rec.Payload); err != nil {
			metrics.IncMalformed()
			return rec, fmt.Errorf("wire decode payload: %w: %w", ErrTruncatedRecord, err)
		}
	}
	return rec, nil
}

// DecodeN decodes up to max records (if max>0) or until EOF (if max<=0)
// invoking onRecord for each. It returns the count and the terminal error
// (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onRecord func(Record)) (int, error) {
	var n int
	for max <= 0 || n < max {
		rec, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onRecord(rec)
		n++
	}
	return n, nil
}
