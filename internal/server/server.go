package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-isotp-server/internal/hub"
	"github.com/kstaniek/go-isotp-server/internal/logging"
	"github.com/kstaniek/go-isotp-server/internal/metrics"
	"github.com/kstaniek/go-isotp-server/internal/transport"
	"github.com/kstaniek/go-isotp-server/internal/wire"
)

// SubmitFunc hands a client request to the ISO-TP engine. It must not block.
type SubmitFunc func(wire.Record) error

// Server accepts gateway clients. Inbound KindSend records go to Submit;
// outbound records reach clients through Hub.
type Server struct {
	Hub    *hub.Hub
	Codec  transport.RecordDecoder // *wire.Codec implements
	Submit SubmitFunc

	mu       sync.RWMutex
	addr     string
	listener net.Listener

	recordFilter     func(*wire.Record) bool
	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int
	logger           *slog.Logger

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	clientsMu  sync.RWMutex
	clients    map[*hub.Client]net.Conn
	wg         sync.WaitGroup
	nextConnID uint64

	stats serverStats
}

// serverStats feeds the shutdown summary.
type serverStats struct {
	accepted, handshakeFail  atomic.Uint64
	connected, disconnected  atomic.Uint64
	submitted, submitRejects atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultClientBuffer     = 512
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		addr:             ":0",
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// positive keeps the default unless v > 0.
func positive[T int | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

func WithListenAddr(a string) ServerOption {
	return func(s *Server) {
		if a != "" {
			s.addr = a
		}
	}
}
func WithHub(hb *hub.Hub) ServerOption                 { return func(s *Server) { s.Hub = hb } }
func WithCodec(c transport.RecordDecoder) ServerOption { return func(s *Server) { s.Codec = c } }
func WithSubmit(fn SubmitFunc) ServerOption            { return func(s *Server) { s.Submit = fn } }

// WithRecordFilter drops client records for which fn returns false before they reach Submit.
func WithRecordFilter(fn func(*wire.Record) bool) ServerOption {
	return func(s *Server) { s.recordFilter = fn }
}

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) { positive(&s.flushInterval, d) }
}
func WithBatchSize(n int) ServerOption { return func(s *Server) { positive(&s.batchSize, n) } }
func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) { positive(&s.readDeadline, d) }
}
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) { positive(&s.handshakeTimeout, d) }
}
func WithMaxClients(n int) ServerOption { return func(s *Server) { positive(&s.maxClients, n) } }

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }

// SetListenAddr must be called before Serve.
func (s *Server) SetListenAddr(a string) { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve accepts TCP clients and spawns reader/writer goroutines. It returns
// nil once ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce returns nil for per-connection failures and a wrapped error
// only when the listener itself is broken.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.stats.accepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := s.Handshake(ctx, conn); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.stats.handshakeFail.Add(1)
		connLogger.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return nil
	}
	if s.maxClients > 0 && s.Hub != nil && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	client := s.newClient()
	s.clientsMu.Lock()
	s.clients[client] = conn
	s.clientsMu.Unlock()
	s.stats.connected.Add(1)
	connLogger.Info("client_connected")
	s.startWriter(ctx.Done(), conn, client, connLogger)
	s.startReader(ctx.Done(), conn, client, connLogger)
	return nil
}

func (s *Server) newClient() *hub.Client {
	size := defaultClientBuffer
	if s.Hub != nil {
		positive(&size, s.Hub.OutBufSize)
	}
	cl := hub.NewClient(size)
	if s.Hub != nil {
		s.Hub.Add(cl)
		metrics.SetHubClients(s.Hub.Count())
	}
	return cl
}

// Shutdown gracefully closes all resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		if s.Hub != nil {
			s.Hub.Remove(cl)
		}
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		st := &s.stats
		s.logger.Info("shutdown_summary",
			"accepted", st.accepted.Load(), "handshake_fail", st.handshakeFail.Load(),
			"connected", st.connected.Load(), "disconnected", st.disconnected.Load(),
			"submitted", st.submitted.Load(), "submit_rejected", st.submitRejects.Load())
		return nil
	}
}
