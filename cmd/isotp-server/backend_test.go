package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-isotp-server/internal/can"
	"github.com/kstaniek/go-isotp-server/internal/logging"
	"github.com/kstaniek/go-isotp-server/internal/metrics"
	"github.com/kstaniek/go-isotp-server/internal/serial"
)

// fakeSerialPort implements serial.Port for tests.
type fakeSerialPort struct {
	reads  [][]byte
	idx    int
	mu     sync.Mutex
	writes [][]byte
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.reads) {
		// after delivering all data, block briefly then return EOF repeatedly
		time.Sleep(10 * time.Millisecond)
		return 0, io.EOF
	}
	chunk := f.reads[f.idx]
	f.idx++
	return copy(p, chunk), nil
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeSerialPort) Close() error { return nil }

func (f *fakeSerialPort) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func testConfig(backend string) *appConfig {
	cfg := defaultConfig()
	cfg.backend = backend
	cfg.serialDev = "fake"
	cfg.canIf = "vcan0"
	cfg.openAttempts = 1
	return cfg
}

// serTestWireEnvelope builds an adapter RX frame: 2D D4 len ID(4) payload checksum.
func serTestWireEnvelope(id uint32, payload []byte) []byte {
	data := append([]byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}, payload...)
	n := len(data)
	frame := make([]byte, n+4)
	frame[0] = 0x2D
	frame[1] = 0xD4
	frame[2] = byte(n + 1)
	sum := frame[2] + 0x2D
	for i, b := range data {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// TestInitSerialBackendBasic feeds an ISO-TP single frame through the serial
// RX loop and checks it arrives as an 11-bit frame.
func TestInitSerialBackendBasic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := &fakeSerialPort{reads: [][]byte{serTestWireEnvelope(0x7E8, []byte{0x03, 0x62, 0xF1, 0x90})}}
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return port, nil }
	defer func() { openSerialPort = serial.Open }()

	before := metrics.Snap().SerialRx
	be, err := initBackend(ctx, testConfig("serial"), nil, logging.Discard())
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer be.cleanup()

	got := make(chan can.Frame, 1)
	var wg sync.WaitGroup
	be.start(ctx, &wg, func(fr can.Frame) bool { got <- fr; return false })
	select {
	case fr := <-got:
		if fr.Extended() || fr.ID() != 0x7E8 || fr.Len != 4 || fr.Data[1] != 0x62 {
			t.Fatalf("unexpected frame: %+v", fr)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for frame")
	}
	wg.Wait() // rx returned false, loop must exit on its own

	if err := be.sink.SendFrame(can.NewFrame(0x7E0, []byte{0x02, 0x10, 0x01})); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for port.writeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if port.writeCount() != 1 {
		t.Fatalf("expected one serial write, got %d", port.writeCount())
	}
	if metrics.Snap().SerialRx <= before {
		t.Fatalf("expected SerialRx to increase")
	}
}

func TestInitBackendUnknown(t *testing.T) {
	if _, err := initBackend(context.Background(), testConfig("bogus"), nil, logging.Discard()); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestSerialOpenRetry(t *testing.T) {
	prevDelay := openRetryDelay
	openRetryDelay = time.Millisecond
	defer func() { openRetryDelay = prevDelay }()

	boom := errors.New("device busy")
	calls, failUntil := 0, 3
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) {
		calls++
		if calls < failUntil {
			return nil, boom
		}
		return &fakeSerialPort{}, nil
	}
	defer func() { openSerialPort = serial.Open }()

	cfg := testConfig("serial")
	cfg.openAttempts = 3
	be, err := initBackend(context.Background(), cfg, nil, logging.Discard())
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	be.cleanup()
	if calls != 3 {
		t.Fatalf("expected 3 open calls, got %d", calls)
	}

	calls, failUntil = 0, 100
	cfg.openAttempts = 2
	if _, err := initBackend(context.Background(), cfg, nil, logging.Discard()); !errors.Is(err, boom) {
		t.Fatalf("expected last open error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls)
	}
}

func TestNextBackoff(t *testing.T) {
	d := rxBackoffMin
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
	}
	if d != rxBackoffMax {
		t.Fatalf("backoff not capped: %v", d)
	}
}
