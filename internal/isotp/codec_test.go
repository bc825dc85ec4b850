package isotp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValid(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want Frame
		data []byte
	}{
		{"sfEmpty", []byte{0x00}, Frame{Type: PCISingle}, []byte{}},
		{"sfPadded", []byte{0x03, 0x22, 0xF1, 0x90, 0xCC, 0xCC, 0xCC, 0xCC}, Frame{Type: PCISingle, Size: 3}, []byte{0x22, 0xF1, 0x90}},
		{"sfFull", []byte{0x07, 1, 2, 3, 4, 5, 6, 7}, Frame{Type: PCISingle, Size: 7}, []byte{1, 2, 3, 4, 5, 6, 7}},
		{"ff", []byte{0x10, 0x0A, 1, 2, 3, 4, 5, 6}, Frame{Type: PCIFirst, Size: 10}, []byte{1, 2, 3, 4, 5, 6}},
		{"ffMax", []byte{0x1F, 0xFF, 1, 2, 3, 4, 5, 6}, Frame{Type: PCIFirst, Size: 4095}, []byte{1, 2, 3, 4, 5, 6}},
		{"ffEscaped", []byte{0x10, 0x00, 0x00, 0x01, 0x00, 0x00, 0xAA, 0xBB}, Frame{Type: PCIFirst, Size: 65536, Escaped: true}, []byte{0xAA, 0xBB}},
		{"cf", []byte{0x21, 7, 8, 9, 10}, Frame{Type: PCIConsecutive, Seq: 1}, []byte{7, 8, 9, 10}},
		{"cfSeqZero", []byte{0x20, 1, 2, 3, 4, 5, 6, 7}, Frame{Type: PCIConsecutive, Seq: 0}, []byte{1, 2, 3, 4, 5, 6, 7}},
		{"fcContinue", []byte{0x30, 0x00, 0x00}, Frame{Type: PCIFlowControl}, []byte{}},
		{"fcWaitPadded", []byte{0x31, 0x08, 0x14, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}, Frame{Type: PCIFlowControl, Status: FlowWait, BlockSize: 8, STmin: 0x14}, []byte{}},
		{"fcOverflowMicro", []byte{0x32, 0x00, 0xF5}, Frame{Type: PCIFlowControl, Status: FlowOverflow, STmin: 0xF5}, []byte{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Decode(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want.Type, f.Type)
			assert.Equal(t, tc.want.Size, f.Size)
			assert.Equal(t, tc.want.Escaped, f.Escaped)
			assert.Equal(t, tc.want.Seq, f.Seq)
			assert.Equal(t, tc.want.Status, f.Status)
			assert.Equal(t, tc.want.BlockSize, f.BlockSize)
			assert.Equal(t, tc.want.STmin, f.STmin)
			assert.Equal(t, tc.data, f.Data())
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"tooLong", make([]byte, 9)},
		{"sfLengthBeyondFrame", []byte{0x05, 1, 2}},
		{"sfLengthEight", []byte{0x08, 1, 2, 3, 4, 5, 6, 7}},
		{"ffShort", []byte{0x10, 0x0A, 1, 2, 3}},
		{"ffFitsSingle", []byte{0x10, 0x07, 1, 2, 3, 4, 5, 6}},
		{"ffEscapedFitsSingle", []byte{0x10, 0x00, 0, 0, 0, 5, 1, 2}},
		{"fcShort", []byte{0x30, 0x00}},
		{"fcBadStatus", []byte{0x33, 0x00, 0x00}},
		{"fcReservedSTmin", []byte{0x30, 0x00, 0x80}},
		{"fcReservedSTminF0", []byte{0x30, 0x00, 0xF0}},
		{"fcReservedSTminFA", []byte{0x30, 0x00, 0xFA}},
		{"unknownPCI", []byte{0x40, 1, 2, 3}},
		{"unknownPCIHigh", []byte{0xF0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFrame), "err=%v", err)
		})
	}
}

func TestEncodeLayouts(t *testing.T) {
	tests := []struct {
		name string
		f    Frame
		pad  bool
		want []byte
	}{
		{"sfUnpadded", SingleFrame([]byte{0x3E, 0x00}), false, []byte{0x02, 0x3E, 0x00}},
		{"sfPadded", SingleFrame([]byte{0x3E}), true, []byte{0x01, 0x3E, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}},
		{"ff", FirstFrame(0x123, []byte{1, 2, 3, 4, 5, 6, 7}), false, []byte{0x11, 0x23, 1, 2, 3, 4, 5, 6}},
		{"ffEscaped", FirstFrame(0x10000, []byte{1, 2, 3}), false, []byte{0x10, 0x00, 0x00, 0x01, 0x00, 0x00, 1, 2}},
		{"cfSeqMasked", ConsecutiveFrame(0x12, []byte{9}), true, []byte{0x22, 9, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}},
		{"fc", FlowControlFrame(FlowWait, 4, 0xF3), false, []byte{0x31, 4, 0xF3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, n := Encode(tc.f, tc.pad)
			assert.Equal(t, tc.want, out[:n])
		})
	}
}

func TestEncodeThenDecodeSingle(t *testing.T) {
	for l := 0; l <= 7; l++ {
		out, n := Encode(SingleFrame(payload(l)), true)
		f, err := Decode(out[:n])
		require.NoError(t, err, "len %d", l)
		assert.Equal(t, payload(l), f.Data(), "len %d", l)
	}
}

func TestSTmin(t *testing.T) {
	tests := []struct {
		b    byte
		want time.Duration
		ok   bool
	}{
		{0x00, 0, true},
		{0x01, time.Millisecond, true},
		{0x7F, 127 * time.Millisecond, true},
		{0x80, 0, false},
		{0xF0, 0, false},
		{0xF1, 100 * time.Microsecond, true},
		{0xF9, 900 * time.Microsecond, true},
		{0xFA, 0, false},
		{0xFF, 0, false},
	}
	for _, tc := range tests {
		d, ok := STmin(tc.b)
		if d != tc.want || ok != tc.ok {
			t.Fatalf("STmin(0x%02X)=%v,%v want %v,%v", tc.b, d, ok, tc.want, tc.ok)
		}
	}
}

func TestEncodeSTmin(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want byte
	}{
		{0, 0x00},
		{-time.Millisecond, 0x00},
		{100 * time.Microsecond, 0xF1},
		{250 * time.Microsecond, 0xF3},
		{950 * time.Microsecond, 0x01},
		{time.Millisecond, 0x01},
		{1500 * time.Microsecond, 0x02},
		{20 * time.Millisecond, 0x14},
		{time.Second, 0x7F},
	}
	for _, tc := range tests {
		if got := EncodeSTmin(tc.d); got != tc.want {
			t.Fatalf("EncodeSTmin(%v)=0x%02X want 0x%02X", tc.d, got, tc.want)
		}
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x03, 1, 2, 3})
	f.Add([]byte{0x10, 0x0A, 1, 2, 3, 4, 5, 6})
	f.Add([]byte{0x21, 1, 2, 3, 4, 5, 6, 7})
	f.Add([]byte{0x30, 0x00, 0x00})
	f.Add([]byte{0x10, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0, 0})
	f.Fuzz(func(t *testing.T, b []byte) {
		fr, err := Decode(b)
		if err != nil {
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("unexpected error class: %v", err)
			}
			return
		}
		if len(fr.Data()) > 7 {
			t.Fatalf("data too long: %d", len(fr.Data()))
		}
		// Re-encoding an accepted frame must yield a decodable frame of the same type.
		out, n := Encode(fr, false)
		again, err := Decode(out[:n])
		if err != nil {
			t.Fatalf("re-decode: %v (% X)", err, out[:n])
		}
		if again.Type != fr.Type {
			t.Fatalf("type changed %v -> %v", fr.Type, again.Type)
		}
	})
}

func BenchmarkDecodeConsecutive(b *testing.B) {
	raw := []byte{0x25, 1, 2, 3, 4, 5, 6, 7}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(raw); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodePadded(b *testing.B) {
	f := ConsecutiveFrame(3, []byte{1, 2, 3})
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Encode(f, true)
	}
}
