package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the payload capacity of a classic CAN frame.
const MaxDataLen = 8

// Frame is a classic CAN frame holder used across the gateway.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8); only the first Len bytes are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxDataLen]byte
}

// NewFrame builds a standard (11-bit) data frame. Data beyond 8 bytes is cut.
func NewFrame(id uint16, data []byte) Frame {
	var f Frame
	f.CANID = uint32(id) & CAN_SFF_MASK
	f.Len = uint8(copy(f.Data[:], data))
	return f
}

// ID returns the identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Extended reports whether the frame uses a 29-bit identifier.
func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// Remote reports whether the frame is an RTR or error frame, neither of which
// carries transport data.
func (f Frame) Remote() bool { return f.CANID&(CAN_RTR_FLAG|CAN_ERR_FLAG) != 0 }

// Payload returns the valid data bytes of f.
func (f Frame) Payload() []byte {
	return f.Data[:min(f.Len, MaxDataLen)]
}
