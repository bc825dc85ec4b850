package isotp

import (
	"fmt"
	"sort"
	"testing"
	"time"
)

type sentFrame struct {
	id   uint16
	data []byte
}

type fakeTimer struct {
	at  time.Duration
	seq int
	fn  func()
}

// fakeClock is a manual clock shared by every fakeShims of a test.
type fakeClock struct {
	now     time.Duration
	seq     int
	pending []*fakeTimer
}

func (c *fakeClock) add(d time.Duration, fn func()) {
	c.seq++
	c.pending = append(c.pending, &fakeTimer{at: c.now + d, seq: c.seq, fn: fn})
}

// fireNext runs the earliest pending timer and reports whether there was one.
func (c *fakeClock) fireNext() bool {
	if len(c.pending) == 0 {
		return false
	}
	sort.SliceStable(c.pending, func(i, j int) bool {
		if c.pending[i].at == c.pending[j].at {
			return c.pending[i].seq < c.pending[j].seq
		}
		return c.pending[i].at < c.pending[j].at
	})
	next := c.pending[0]
	c.pending = c.pending[1:]
	if next.at > c.now {
		c.now = next.at
	}
	next.fn()
	return true
}

// advance fires every timer due within d.
func (c *fakeClock) advance(d time.Duration) {
	target := c.now + d
	for {
		due := -1
		for i, tm := range c.pending {
			if tm.at <= target && (due < 0 || tm.at < c.pending[due].at || (tm.at == c.pending[due].at && tm.seq < c.pending[due].seq)) {
				due = i
			}
		}
		if due < 0 {
			break
		}
		tm := c.pending[due]
		c.pending = append(c.pending[:due], c.pending[due+1:]...)
		if tm.at > c.now {
			c.now = tm.at
		}
		tm.fn()
	}
	c.now = target
}

type fakeShims struct {
	clock     *fakeClock
	sent      []sentFrame
	failSend  bool
	failTimer bool
	logs      []string
}

func newFakeShims(c *fakeClock) *fakeShims {
	if c == nil {
		c = &fakeClock{}
	}
	return &fakeShims{clock: c}
}

func (s *fakeShims) Log(msg string, args ...any) {
	s.logs = append(s.logs, fmt.Sprint(append([]any{msg}, args...)...))
}

func (s *fakeShims) SendCANMessage(id uint16, data []byte) bool {
	if s.failSend {
		return false
	}
	s.sent = append(s.sent, sentFrame{id: id, data: append([]byte(nil), data...)})
	return true
}

func (s *fakeShims) SetTimer(d time.Duration, fn func()) bool {
	if s.failTimer {
		return false
	}
	s.clock.add(d, fn)
	return true
}

func (s *fakeShims) pop() (sentFrame, bool) {
	if len(s.sent) == 0 {
		return sentFrame{}, false
	}
	f := s.sent[0]
	s.sent = s.sent[1:]
	return f, true
}

func (s *fakeShims) take() []sentFrame {
	out := s.sent
	s.sent = nil
	return out
}

type peer struct {
	shims *fakeShims
	stack *Stack
}

func newPeer(c *fakeClock, opts ...Option) *peer {
	s := newFakeShims(c)
	return &peer{shims: s, stack: NewStack(s, opts...)}
}

// pump moves frames between two peers, firing timers whenever the bus is
// idle, until nothing is left to do.
func pump(t *testing.T, c *fakeClock, a, b *peer) {
	t.Helper()
	for i := 0; i < 1_000_000; i++ {
		if f, ok := a.shims.pop(); ok {
			b.stack.OnFrame(f.id, f.data)
			continue
		}
		if f, ok := b.shims.pop(); ok {
			a.stack.OnFrame(f.id, f.data)
			continue
		}
		if !c.fireNext() {
			return
		}
	}
	t.Fatal("bus did not settle")
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}
