package isotp

import "time"

const (
	DefaultResponseTimeout = 100 * time.Millisecond
	DefaultFramePadding    = true
	DefaultBlockSize       = 0
	DefaultSTmin           = 0

	// peerOffset is the conventional distance between a request id and its
	// response id (0x7E0 -> 0x7E8).
	peerOffset = 8
)

type options struct {
	receivingID    uint16
	hasReceivingID bool
	flowControlID  uint16
	hasFlowControl bool
	timeout        time.Duration
	padding        bool
	blockSize      uint8
	stMin          byte
	maxWaitFrames  int
	onFrameSent    FrameSentFunc
}

func defaultOptions() options {
	return options{
		timeout:   DefaultResponseTimeout,
		padding:   DefaultFramePadding,
		blockSize: DefaultBlockSize,
		stMin:     DefaultSTmin,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Option tunes a send or receive session. Options that do not apply to a
// session kind are ignored.
type Option func(*options)

// WithReceivingID sets the id a sender expects flow control on.
func WithReceivingID(id uint16) Option {
	return func(o *options) { o.receivingID, o.hasReceivingID = id, true }
}

// WithFlowControlID sets the id a receiver transmits flow control on.
func WithFlowControlID(id uint16) Option {
	return func(o *options) { o.flowControlID, o.hasFlowControl = id, true }
}

// WithTimeout sets N_Bs for senders and N_Cr for receivers. Non-positive
// values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithPadding(on bool) Option { return func(o *options) { o.padding = on } }

// WithBlockSize sets the BS a receiver advertises. 0 means no further flow control.
func WithBlockSize(n uint8) Option { return func(o *options) { o.blockSize = n } }

// WithSTmin sets the separation time a receiver advertises.
func WithSTmin(d time.Duration) Option {
	return func(o *options) { o.stMin = EncodeSTmin(d) }
}

// WithMaxWaitFrames bounds how many consecutive FC(Wait) a sender tolerates.
// 0 means unlimited.
func WithMaxWaitFrames(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxWaitFrames = n
		}
	}
}

// WithFrameSent registers a callback run after each SF/FF/CF the sender
// hands to the CAN layer.
func WithFrameSent(fn FrameSentFunc) Option {
	return func(o *options) { o.onFrameSent = fn }
}
