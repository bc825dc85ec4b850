//go:build linux

package socketcan

import (
	"encoding/binary"
	"testing"

	"github.com/kstaniek/go-isotp-server/internal/can"
)

func TestRawFrameLayout(t *testing.T) {
	b := marshalFrame(can.NewFrame(0x7E8, []byte{0x10, 0x14, 0x62}))
	if id := binary.NativeEndian.Uint32(b[0:4]); id != 0x7E8 {
		t.Fatalf("can_id 0x%X", id)
	}
	if b[4] != 3 || b[8] != 0x10 || b[10] != 0x62 {
		t.Fatalf("unexpected layout % X", b[:])
	}
	fr := b.frame()
	if fr.ID() != 0x7E8 || fr.Len != 3 || fr.Extended() {
		t.Fatalf("decoded %+v", fr)
	}
}

func TestRawFrameClampsDLC(t *testing.T) {
	var b rawFrame
	binary.NativeEndian.PutUint32(b[0:4], 0x123|can.CAN_EFF_FLAG)
	b[4] = 15
	fr := b.frame()
	if fr.Len != can.MaxDataLen || !fr.Extended() || fr.ID() != 0x123 {
		t.Fatalf("decoded %+v", fr)
	}
}
