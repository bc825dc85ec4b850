package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/kstaniek/go-isotp-server/internal/can"
)

var (
	ErrAsyncTxClosed = errors.New("async tx closed")
	// ErrQueueFull is returned by SendFrame when the queue is full and no
	// OnDrop hook is set.
	ErrQueueFull = errors.New("async tx queue full")
)

// Hooks observe AsyncTx outcomes. Any of them may be nil.
type Hooks struct {
	OnError func(error) // send failed; the frame is gone
	OnAfter func()      // send succeeded
	// OnDrop runs when the queue is full and supplies SendFrame's error.
	OnDrop func() error
}

// AsyncTx funnels CAN frame writes through a single goroutine. SendFrame
// never blocks: nil means the frame was queued, which the ISO-TP engine
// reads as "accepted by the lower layer".
//
//	a := NewAsyncTx(ctx, 64, dev.WriteFrame, hooks)
//	defer a.Close()
//	err := a.SendFrame(fr)
type AsyncTx struct {
	send  func(can.Frame) error
	hooks Hooks
	ch    chan can.Frame

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex // guards closed and sends on ch
	closed bool
}

// NewAsyncTx starts the writer goroutine with a queue of buf frames. It
// stops when parent is cancelled or Close is called.
func NewAsyncTx(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		send:   send,
		hooks:  hooks,
		ch:     make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer close(a.done)
	for {
		var fr can.Frame
		select {
		case <-a.ctx.Done():
			return
		case f, ok := <-a.ch:
			if !ok {
				return
			}
			fr = f
		}
		if err := a.send(fr); err != nil {
			if a.hooks.OnError != nil {
				a.hooks.OnError(err)
			}
		} else if a.hooks.OnAfter != nil {
			a.hooks.OnAfter()
		}
	}
}

// SendFrame queues fr or reports why it could not.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
	}
	if a.hooks.OnDrop != nil {
		return a.hooks.OnDrop()
	}
	return ErrQueueFull
}

// Close stops the writer and waits for it to exit. Queued frames that have
// not started are discarded.
func (a *AsyncTx) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.cancel()
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}

// Pending reports how many frames are queued but not yet picked up.
func (a *AsyncTx) Pending() int { return len(a.ch) }
