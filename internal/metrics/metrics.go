// Package metrics exposes the gateway's Prometheus series. Every series has
// an in-process mirror so the periodic logger can read totals without
// scraping.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-isotp-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// counter pairs a Prometheus counter with its local mirror.
type counter struct {
	prom  prometheus.Counter
	local atomic.Uint64
}

func newCounter(name, help string) *counter {
	return &counter{prom: promauto.NewCounter(prometheus.CounterOpts{Name: name, Help: help})}
}

func (c *counter) add(n uint64) {
	c.prom.Add(float64(n))
	c.local.Add(n)
}

// labeled is a counter vector whose mirror sums every label.
type labeled struct {
	prom  *prometheus.CounterVec
	local atomic.Uint64
}

func newLabeled(name, help, label string) *labeled {
	return &labeled{prom: promauto.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{label})}
}

func (l *labeled) inc(v string) {
	l.prom.WithLabelValues(v).Inc()
	l.local.Add(1)
}

// gauge pairs a Prometheus gauge with its last value.
type gauge struct {
	prom  prometheus.Gauge
	local atomic.Uint64
}

func newGauge(name, help string) *gauge {
	return &gauge{prom: promauto.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})}
}

func (g *gauge) set(n int) {
	g.prom.Set(float64(n))
	g.local.Store(uint64(n))
}

var (
	serialRx    = newCounter("serial_rx_frames_total", "Total CAN frames decoded from the serial link.")
	serialTx    = newCounter("serial_tx_frames_total", "Total CAN frames written to the serial link.")
	socketCANRx = newCounter("socketcan_rx_frames_total", "Total CAN frames read from the SocketCAN interface.")
	socketCANTx = newCounter("socketcan_tx_frames_total", "Total CAN frames written to the SocketCAN interface.")
	tcpRx       = newCounter("tcp_rx_records_total", "Total gateway records received from TCP clients.")
	tcpTx       = newCounter("tcp_tx_records_total", "Total gateway records sent to TCP clients.")

	framesTx    = newCounter("isotp_frames_tx_total", "Total ISO-TP frames (SF/FF/CF/FC) accepted by the CAN backend.")
	msgSent     = newCounter("isotp_messages_sent_total", "Total ISO-TP messages fully transmitted.")
	msgReceived = newCounter("isotp_messages_received_total", "Total ISO-TP messages fully reassembled.")
	unrouted    = newCounter("isotp_unrouted_frames_total", "Well-formed ISO-TP frames with no matching session or listener.")
	failures    = newLabeled("isotp_session_failures_total", "ISO-TP send/receive sessions that ended unsuccessfully, by reason.", "reason")
	malformed   = newCounter("malformed_frames_total", "Rejected malformed frames (bad PCI, inconsistent length, bad checksum, truncated records).")

	hubDrop       = newCounter("hub_dropped_records_total", "Total records dropped by hub due to slow clients.")
	hubKick       = newCounter("hub_kicked_clients_total", "Total clients disconnected due to backpressure kick policy.")
	hubReject     = newCounter("hub_rejected_clients_total", "Total client connection attempts rejected (e.g., max-clients).")
	hubClients    = newGauge("hub_active_clients", "Current number of active connected clients.")
	hubQueueDepth = newGauge("hub_queue_depth_max", "Deepest client queue seen by the last broadcast.")

	errorsTotal = newLabeled("errors_total", "Error counters by subsystem.", "where")

	buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label values. Keep the set small; it is a label.
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrSocketCANRead  = "socketcan_read"
	ErrEngineBusy     = "engine_busy"
	ErrSubmit         = "submit"
)

// Session failure reasons. Kept in sync with isotp.Reason.
const (
	ReasonTimeout           = "timeout"
	ReasonSequence          = "sequence"
	ReasonBufferOverflow    = "buffer_overflow"
	ReasonFlowControlReject = "flow_control_rejected"
	ReasonTransmission      = "transmission"
	ReasonTimer             = "timer"
	ReasonWaitLimit         = "wait_limit"
	ReasonAlreadyInProgress = "already_in_progress"
	ReasonPayloadTooLarge   = "payload_too_large"
	ReasonInterrupted       = "interrupted"
	ReasonOther             = "other"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !IsReady() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Snapshot is a point-in-time copy of the local mirrors.
type Snapshot struct {
	SerialRx         uint64
	SocketCANRx      uint64
	SerialTx         uint64
	SocketCANTx      uint64
	TCPRx            uint64
	TCPTx            uint64
	FramesTx         uint64
	MessagesSent     uint64
	MessagesReceived uint64
	SessionFailures  uint64 // sum across reasons
	Unrouted         uint64
	HubDrops         uint64
	HubKicks         uint64
	HubRejects       uint64
	Errors           uint64 // sum across error labels
	HubClients       uint64
	Malformed        uint64
	QueueDepthMax    uint64
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:         serialRx.local.Load(),
		SocketCANRx:      socketCANRx.local.Load(),
		SerialTx:         serialTx.local.Load(),
		SocketCANTx:      socketCANTx.local.Load(),
		TCPRx:            tcpRx.local.Load(),
		TCPTx:            tcpTx.local.Load(),
		FramesTx:         framesTx.local.Load(),
		MessagesSent:     msgSent.local.Load(),
		MessagesReceived: msgReceived.local.Load(),
		SessionFailures:  failures.local.Load(),
		Unrouted:         unrouted.local.Load(),
		HubDrops:         hubDrop.local.Load(),
		HubKicks:         hubKick.local.Load(),
		HubRejects:       hubReject.local.Load(),
		Errors:           errorsTotal.local.Load(),
		HubClients:       hubClients.local.Load(),
		Malformed:        malformed.local.Load(),
		QueueDepthMax:    hubQueueDepth.local.Load(),
	}
}

func IncSerialRx()    { serialRx.add(1) }
func IncSerialTx()    { serialTx.add(1) }
func IncSocketCANRx() { socketCANRx.add(1) }
func IncSocketCANTx() { socketCANTx.add(1) }
func IncTCPRx()       { tcpRx.add(1) }
func AddTCPTx(n int)  { tcpTx.add(uint64(n)) }

// IncFrameTx counts one ISO-TP frame handed to the backend.
func IncFrameTx()         { framesTx.add(1) }
func IncMessageSent()     { msgSent.add(1) }
func IncMessageReceived() { msgReceived.add(1) }
func IncUnrouted()        { unrouted.add(1) }
func IncMalformed()       { malformed.add(1) }

// IncSessionFailure records a failed session under one of the Reason* labels.
func IncSessionFailure(reason string) { failures.inc(reason) }

func IncError(label string) { errorsTotal.inc(label) }

func IncHubDrop()         { hubDrop.add(1) }
func IncHubKick()         { hubKick.add(1) }
func IncHubReject()       { hubReject.add(1) }
func SetHubClients(n int) { hubClients.set(n) }

// SetQueueDepth records the deepest client queue seen during a broadcast.
func SetQueueDepth(max int) { hubQueueDepth.set(max) }

// InitBuildInfo sets the build info gauge and pre-creates the labeled
// series so dashboards show zeros before the first event.
func InitBuildInfo(version, commit, date string) {
	buildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead,
		ErrEngineBusy, ErrSubmit,
	} {
		errorsTotal.prom.WithLabelValues(lbl).Add(0)
	}
	for _, r := range []string{
		ReasonTimeout, ReasonSequence, ReasonBufferOverflow, ReasonFlowControlReject,
		ReasonTransmission, ReasonTimer, ReasonWaitLimit, ReasonAlreadyInProgress,
		ReasonPayloadTooLarge, ReasonInterrupted,
	} {
		failures.prom.WithLabelValues(r).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady reports true until a readiness function is registered.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	return fn == nil || fn()
}
