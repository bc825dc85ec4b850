package gateway

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-isotp-server/internal/can"
	"github.com/kstaniek/go-isotp-server/internal/isotp"
)

// Listener describes one receive address served by the engine.
type Listener struct {
	ID uint16
	// FlowControlID is where FC frames go; 0 selects ID+8.
	FlowControlID uint16
	BlockSize     uint8
	STmin         time.Duration
	Timeout       time.Duration
	// Padding overrides the engine default when set.
	Padding *bool
	// BufferSize caps accepted messages; 0 selects isotp.MaxMessageSize.
	BufferSize int
}

// Validate checks ids and sizes.
func (l Listener) Validate() error {
	if l.ID > can.CAN_SFF_MASK {
		return fmt.Errorf("listener id 0x%X exceeds 11 bits", l.ID)
	}
	if l.FlowControlID > can.CAN_SFF_MASK {
		return fmt.Errorf("listener 0x%X: flow control id 0x%X exceeds 11 bits", l.ID, l.FlowControlID)
	}
	if l.FlowControlID != 0 && l.FlowControlID == l.ID {
		return fmt.Errorf("listener 0x%X: flow control id equals listen id", l.ID)
	}
	if l.BufferSize < 0 || l.BufferSize > isotp.MaxMessageSize {
		return fmt.Errorf("listener 0x%X: buffer size %d out of range (0..%d)", l.ID, l.BufferSize, isotp.MaxMessageSize)
	}
	if l.STmin < 0 || l.STmin > 127*time.Millisecond {
		return fmt.Errorf("listener 0x%X: stmin %v out of range (0..127ms)", l.ID, l.STmin)
	}
	if l.Timeout < 0 {
		return fmt.Errorf("listener 0x%X: negative timeout", l.ID)
	}
	return nil
}

func (l Listener) options() []isotp.Option {
	opts := []isotp.Option{isotp.WithBlockSize(l.BlockSize), isotp.WithSTmin(l.STmin)}
	if l.FlowControlID != 0 {
		opts = append(opts, isotp.WithFlowControlID(l.FlowControlID))
	}
	if l.Timeout > 0 {
		opts = append(opts, isotp.WithTimeout(l.Timeout))
	}
	if l.Padding != nil {
		opts = append(opts, isotp.WithPadding(*l.Padding))
	}
	return opts
}

func (l Listener) buffer() []byte {
	n := l.BufferSize
	if n == 0 {
		n = isotp.MaxMessageSize
	}
	return make([]byte, n)
}
