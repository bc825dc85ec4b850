package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-isotp-server/internal/gateway"
	"github.com/kstaniek/go-isotp-server/internal/hub"
	"github.com/kstaniek/go-isotp-server/internal/metrics"
	"github.com/kstaniek/go-isotp-server/internal/transport"
	"github.com/kstaniek/go-isotp-server/internal/wire"
)

func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		onRecord := func(rec wire.Record) { s.handleRecord(cl, rec, logger) }
		mrd, multi := s.Codec.(transport.MultiRecordDecoder)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			var count int
			var err error
			if multi {
				count, err = mrd.DecodeN(conn, 16, onRecord)
			} else {
				var rec wire.Record
				rec, err = s.Codec.Decode(conn)
				if err == nil {
					onRecord(rec)
					count = 1
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				// an idle deadline is fine; one inside a record desyncs the stream
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() && !errors.Is(err, wire.ErrTruncatedRecord) {
					continue
				}
				wrap := fmt.Errorf("%w: %w", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Warn("client_read_error", "error", wrap)
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

// handleRecord forwards one client request. Refused requests are answered
// to the requesting client only.
func (s *Server) handleRecord(cl *hub.Client, rec wire.Record, logger *slog.Logger) {
	if rec.Kind != wire.KindSend {
		logger.Debug("client_record_ignored", "kind", rec.Kind)
		return
	}
	if s.recordFilter != nil && !s.recordFilter(&rec) {
		return
	}
	metrics.IncTCPRx()
	if s.Submit == nil {
		s.reply(cl, rec, wire.StatusFailed)
		return
	}
	err := s.Submit(rec)
	if err == nil {
		s.stats.submitted.Add(1)
		return
	}
	s.stats.submitRejects.Add(1)
	st := wire.StatusFailed
	if errors.Is(err, gateway.ErrEngineBusy) {
		st = wire.StatusBusy
		logger.Debug("submit_busy", "tx_id", fmt.Sprintf("0x%03X", rec.Src))
	} else {
		wrap := fmt.Errorf("%w: %v", ErrSubmit, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		logger.Warn("submit_rejected", "error", wrap, "tx_id", fmt.Sprintf("0x%03X", rec.Src))
	}
	s.reply(cl, rec, st)
}

func (s *Server) reply(cl *hub.Client, req wire.Record, st wire.Status) {
	res := wire.Record{Kind: wire.KindSendResult, Src: req.Src, Dst: req.Dst, Status: st}
	if res.Dst == 0 {
		res.Dst = req.Src + 8
	}
	if s.Hub != nil {
		s.Hub.Deliver(cl, res)
		return
	}
	select {
	case cl.Out <- res:
	default:
	}
}
