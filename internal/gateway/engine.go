package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-isotp-server/internal/can"
	"github.com/kstaniek/go-isotp-server/internal/isotp"
	"github.com/kstaniek/go-isotp-server/internal/logging"
	"github.com/kstaniek/go-isotp-server/internal/metrics"
	"github.com/kstaniek/go-isotp-server/internal/transport"
	"github.com/kstaniek/go-isotp-server/internal/wire"
)

var (
	ErrEngineBusy    = errors.New("engine busy")
	ErrEngineStopped = errors.New("engine stopped")
	ErrEngineRunning = errors.New("engine already running")
	ErrBadRequest    = errors.New("bad request")
)

// afterFunc is a hook for tests.
var afterFunc = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }

const defaultQueueSize = 1024

// Publisher receives records produced by the engine. *hub.Hub implements it.
type Publisher interface {
	Broadcast(wire.Record)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(wire.Record)

func (f PublisherFunc) Broadcast(r wire.Record) { f(r) }

// Engine owns an isotp.Stack and serializes every event touching it (CAN
// frames, timer expiries, client requests) through one goroutine.
type Engine struct {
	sink      transport.FrameSink
	pub       Publisher
	logger    *slog.Logger
	listeners []Listener
	defaults  []isotp.Option
	queueSize int

	events  chan func()
	done    chan struct{}
	running atomic.Bool
	stack   *isotp.Stack

	framesIn      atomic.Uint64
	framesSkipped atomic.Uint64
}

type Option func(*Engine)

func WithListeners(ls ...Listener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, ls...) }
}

// WithDefaults sets options applied to every send and listener.
func WithDefaults(opts ...isotp.Option) Option {
	return func(e *Engine) { e.defaults = append(e.defaults, opts...) }
}

func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an engine writing CAN frames to sink and publishing outcomes to pub.
func New(sink transport.FrameSink, pub Publisher, opts ...Option) *Engine {
	e := &Engine{
		sink:      sink,
		pub:       pub,
		logger:    logging.L(),
		queueSize: defaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.events = make(chan func(), e.queueSize)
	e.stack = isotp.NewStack(isotp.InitShims(e.log, e.sendCAN, e.setTimer), e.defaults...)
	return e
}

// Run registers the configured listeners and processes events until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer close(e.done)
	for _, l := range e.listeners {
		if err := e.register(l); err != nil {
			return err
		}
	}
	e.logger.Info("engine_started", "listeners", len(e.listeners))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine_stopped", "frames_in", e.framesIn.Load(), "frames_skipped", e.framesSkipped.Load())
			return nil
		case fn := <-e.events:
			fn()
		}
	}
}

// Done is closed once Run returns.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) register(l Listener) error {
	if err := l.Validate(); err != nil {
		return err
	}
	h, err := e.stack.Receive(l.ID, l.buffer(), e.onReceived, l.options()...)
	if err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	e.logger.Info("isotp_listener", "id", hexID(l.ID), "fc_id", hexID(h.FlowControlID()), "block_size", l.BlockSize, "stmin", l.STmin)
	return nil
}

// HandleFrame feeds one frame read from the CAN backend. It blocks while the
// event queue is full and returns false once the engine stopped.
func (e *Engine) HandleFrame(fr can.Frame) bool {
	if fr.Extended() || fr.Remote() {
		e.framesSkipped.Add(1)
		return true
	}
	e.framesIn.Add(1)
	return e.post(func() { e.stack.OnFrame(uint16(fr.ID()), fr.Payload()) })
}

// Submit queues a client request without blocking.
func (e *Engine) Submit(rec wire.Record) error {
	if rec.Kind != wire.KindSend {
		return fmt.Errorf("%w: kind %s", ErrBadRequest, rec.Kind)
	}
	if rec.Src > can.CAN_SFF_MASK || rec.Dst > can.CAN_SFF_MASK {
		return fmt.Errorf("%w: id 0x%X/0x%X exceeds 11 bits", ErrBadRequest, rec.Src, rec.Dst)
	}
	select {
	case <-e.done:
		return ErrEngineStopped
	default:
	}
	select {
	case e.events <- func() { e.send(rec) }:
		return nil
	default:
		metrics.IncError(metrics.ErrEngineBusy)
		return ErrEngineBusy
	}
}

func (e *Engine) post(fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.events <- fn:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) send(rec wire.Record) {
	var opts []isotp.Option
	rx := rec.Src + 8
	if rec.Dst != 0 {
		rx = rec.Dst
		opts = append(opts, isotp.WithReceivingID(rec.Dst))
	}
	reported := false
	h := e.stack.Send(rec.Src, rec.Payload, func(m *isotp.Message, _ bool) {
		reported = true
		e.publishResult(rec.Src, rx, m.Err)
	}, opts...)
	if !reported && h.Completed() {
		e.publishResult(rec.Src, rx, h.Err())
	}
}

func (e *Engine) publishResult(tx, rx uint16, err error) {
	st := wire.StatusOf(err)
	e.logger.Debug("isotp_send_result", "tx_id", hexID(tx), "rx_id", hexID(rx), "status", st)
	e.pub.Broadcast(wire.Record{Kind: wire.KindSendResult, Src: tx, Dst: rx, Status: st})
}

func (e *Engine) onReceived(m *isotp.Message) {
	rec := wire.Record{Kind: wire.KindMessage, Src: m.ArbitrationID, Status: wire.StatusOf(m.Err)}
	if h, ok := e.stack.Listener(m.ArbitrationID); ok {
		rec.Dst = h.FlowControlID()
	}
	if m.Completed {
		// m.Payload aliases the listener buffer.
		rec.Payload = append([]byte(nil), m.Payload...)
	}
	e.logger.Debug("isotp_message", "id", hexID(m.ArbitrationID), "size", m.Size, "status", rec.Status)
	e.pub.Broadcast(rec)
}

func (e *Engine) log(msg string, args ...any) { e.logger.Debug(msg, args...) }

func (e *Engine) sendCAN(id uint16, data []byte) bool {
	if err := e.sink.SendFrame(can.NewFrame(id, data)); err != nil {
		e.logger.Debug("can_tx_rejected", "id", hexID(id), "error", err)
		return false
	}
	return true
}

func (e *Engine) setTimer(d time.Duration, fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	afterFunc(d, func() { e.post(fn) })
	return true
}

func hexID(id uint16) string { return fmt.Sprintf("0x%03X", id) }
