package isotp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip sends n bytes from a on 0x7E0 to a listener on b and returns
// what b delivered.
func roundTrip(t *testing.T, n int, recvOpts ...Option) ([]byte, *sendResult) {
	t.Helper()
	clk := &fakeClock{}
	a, b := newPeer(clk), newPeer(clk)
	var got recvLog
	_, err := b.stack.Receive(0x7E0, nil, got.onReceived, recvOpts...)
	require.NoError(t, err)

	var res sendResult
	a.stack.Send(0x7E0, payload(n), res.onSent)
	pump(t, clk, a, b)

	require.Equal(t, 1, res.calls, "size %d", n)
	require.True(t, res.success, "size %d: %v", n, res.msg.Err)
	require.Len(t, got.msgs, 1, "size %d", n)
	require.True(t, got.msgs[0].Completed)
	return got.data[0], &res
}

func TestStackRoundTripAllSizes(t *testing.T) {
	sizes := []int{}
	for n := 0; n <= 64; n++ {
		sizes = append(sizes, n)
	}
	sizes = append(sizes, 104, 105, 111, 112, 113, 500, 1000, 2047, 4094, 4095)
	for _, n := range sizes {
		data, _ := roundTrip(t, n)
		assert.Equal(t, payload(n), data, "size %d", n)
	}
}

func TestStackRoundTripWithBlockSizeAndSTmin(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"bs1", []Option{WithBlockSize(1)}},
		{"bs8stmin", []Option{WithBlockSize(8), WithSTmin(2 * time.Millisecond)}},
		{"stminMicro", []Option{WithSTmin(300 * time.Microsecond)}},
		{"bs15noPad", []Option{WithBlockSize(15), WithPadding(false)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for _, n := range []int{8, 13, 14, 100, 4095} {
				data, _ := roundTrip(t, n, tc.opts...)
				assert.Equal(t, payload(n), data, "size %d", n)
			}
		})
	}
}

func TestStackSequenceWrap(t *testing.T) {
	clk := &fakeClock{}
	a, b := newPeer(clk), newPeer(clk)
	var got recvLog
	_, err := b.stack.Receive(0x7E0, nil, got.onReceived)
	require.NoError(t, err)

	n := 6 + 7*20
	a.stack.Send(0x7E0, payload(n), nil)
	var seqs []byte
	for {
		f, ok := a.shims.pop()
		if !ok {
			if g, ok := b.shims.pop(); ok {
				a.stack.OnFrame(g.id, g.data)
				continue
			}
			break
		}
		if f.data[0]>>4 == byte(PCIConsecutive) {
			seqs = append(seqs, f.data[0]&0x0F)
		}
		b.stack.OnFrame(f.id, f.data)
	}
	require.Len(t, seqs, 20)
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 0, 1, 2, 3, 4}
	assert.Equal(t, want, seqs)
	require.Len(t, got.msgs, 1)
	assert.Equal(t, payload(n), got.data[0])
}

func TestStackReceiverOverflowStopsSender(t *testing.T) {
	clk := &fakeClock{}
	a, b := newPeer(clk), newPeer(clk)
	var got recvLog
	_, err := b.stack.Receive(0x7E0, make([]byte, 32), got.onReceived)
	require.NoError(t, err)

	var res sendResult
	h := a.stack.Send(0x7E0, payload(100), res.onSent)
	pump(t, clk, a, b)

	assert.Equal(t, 1, res.calls)
	assert.ErrorIs(t, h.Err(), ErrFlowControlRejected)
	require.Len(t, got.msgs, 1)
	assert.ErrorIs(t, got.msgs[0].Err, ErrBufferOverflow)
	assert.Equal(t, 0, a.stack.ActiveSends())
}

func TestStackAlreadyInProgress(t *testing.T) {
	s := newFakeShims(nil)
	st := NewStack(s)
	var first, second sendResult
	h1 := st.Send(0x7E0, payload(20), first.onSent)
	h2 := st.Send(0x7E0, payload(20), second.onSent)
	assert.ErrorIs(t, h2.Err(), ErrAlreadyInProgress)
	assert.True(t, h2.Completed())
	assert.False(t, h2.Success())
	assert.Equal(t, 0, second.calls)
	assert.Len(t, s.sent, 1, "second send must not transmit")

	// Same receiving id from another sender is also refused.
	h3 := st.Send(0x7DF, payload(3), nil, WithReceivingID(0x7E8))
	assert.ErrorIs(t, h3.Err(), ErrAlreadyInProgress)

	st.OnFrame(0x7E8, []byte{0x30, 0x00, 0x00})
	assert.True(t, h1.Success())
	h4 := st.Send(0x7E0, payload(3), nil)
	assert.True(t, h4.Success())
}

func TestStackDuplicateListener(t *testing.T) {
	st := NewStack(newFakeShims(nil))
	_, err := st.Receive(0x7E8, nil, nil)
	require.NoError(t, err)
	_, err = st.Receive(0x7E8, nil, nil)
	assert.ErrorIs(t, err, ErrDuplicateListener)
}

func TestStackDropsUnroutedAndMalformed(t *testing.T) {
	s := newFakeShims(nil)
	st := NewStack(s)
	var got recvLog
	_, err := st.Receive(0x7E8, nil, got.onReceived)
	require.NoError(t, err)

	st.OnFrame(0x123, []byte{0x02, 1, 2})
	st.OnFrame(0x7E8, []byte{0x30, 0x00, 0x00}) // FC with no active send
	st.OnFrame(0x7E8, []byte{})
	st.OnFrame(0x7E8, []byte{0x0F})
	assert.Empty(t, got.msgs)
	assert.Empty(t, s.sent)
	assert.Len(t, s.logs, 4)
}

func TestStackReleaseListener(t *testing.T) {
	s := newFakeShims(nil)
	st := NewStack(s)
	var got recvLog
	h, err := st.Receive(0x7E8, nil, got.onReceived)
	require.NoError(t, err)
	st.OnFrame(0x7E8, []byte{0x10, 0x14, 1, 2, 3, 4, 5, 6})
	st.Release(h)

	s.clock.advance(time.Second)
	st.OnFrame(0x7E8, []byte{0x21, 1, 2, 3, 4, 5, 6, 7})
	assert.Empty(t, got.msgs)
	_, ok := st.Listener(0x7E8)
	assert.False(t, ok)
	_, err = st.Receive(0x7E8, nil, got.onReceived)
	assert.NoError(t, err)
}

func TestStackDefaultsApplyToHandles(t *testing.T) {
	s := newFakeShims(nil)
	st := NewStack(s, WithPadding(false), WithTimeout(10*time.Millisecond))
	var res sendResult
	st.Send(0x7E0, []byte{1}, res.onSent)
	require.Len(t, s.sent, 1)
	assert.Equal(t, []byte{0x01, 0x01}, s.sent[0].data)

	st.Send(0x7E0, payload(20), res.onSent)
	s.clock.advance(10 * time.Millisecond)
	assert.ErrorIs(t, res.msg.Err, ErrTimeout)
	assert.Equal(t, 0, st.ActiveSends())
}

func TestInitShimsNilFuncs(t *testing.T) {
	sh := InitShims(nil, nil, nil)
	sh.Log("ignored")
	assert.False(t, sh.SendCANMessage(0x1, []byte{1}))
	assert.False(t, sh.SetTimer(time.Millisecond, func() {}))

	var sent int
	sh = InitShims(nil, func(uint16, []byte) bool { sent++; return true }, nil)
	h := Send(sh, 0x7E0, []byte{1, 2}, nil)
	assert.True(t, h.Success())
	assert.Equal(t, 1, sent)
}
