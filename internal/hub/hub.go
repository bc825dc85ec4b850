package hub

import (
	"sync"

	"github.com/kstaniek/go-isotp-server/internal/logging"
	"github.com/kstaniek/go-isotp-server/internal/metrics"
	"github.com/kstaniek/go-isotp-server/internal/wire"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// ParsePolicy maps "drop"/"kick" to a policy; ok is false for anything else.
func ParsePolicy(s string) (BackpressurePolicy, bool) {
	switch s {
	case "drop":
		return PolicyDrop, true
	case "kick":
		return PolicyKick, true
	default:
		return PolicyDrop, false
	}
}

type Client struct {
	Out       chan wire.Record
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with an outbound queue of size buf.
func NewClient(buf int) *Client {
	return &Client{Out: make(chan wire.Record, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast sends a record to all connected clients honoring the backpressure policy.
func (h *Hub) Broadcast(rec wire.Record) {
	clients := h.Snapshot()
	if len(clients) > 0 {
		max := 0
		for _, c := range clients {
			if l := len(c.Out); l > max {
				max = l
			}
		}
		metrics.SetQueueDepth(max)
	}
	for _, c := range clients {
		h.Deliver(c, rec)
	}
}

// Deliver queues rec for one client and reports whether it was queued.
func (h *Hub) Deliver(c *Client, rec wire.Record) bool {
	select {
	case c.Out <- rec:
		return true
	default:
	}
	if h.Policy == PolicyKick {
		metrics.IncHubKick()
		c.Close() // signal writer to exit; server will Remove on disconnect
	} else {
		metrics.IncHubDrop()
	}
	return false
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
