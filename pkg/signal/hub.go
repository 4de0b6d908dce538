package signal

import (
	"sync"

	"github.com/relaycast/relaycast/pkg/logging"
	"github.com/relaycast/relaycast/pkg/metrics"
	"github.com/relaycast/relaycast/pkg/protocol"
)

// Hub owns the set of connected clients and is the single place that knows
// who is online. Event fan-out goes through it; nothing else iterates the
// client set.
type Hub struct {
	logger logging.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger:  logging.OrNop(logger),
		clients: make(map[string]*Client),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	metrics.ClientsConnected.Inc()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	current, ok := h.clients[c.ID]
	if ok && current == c {
		delete(h.clients, c.ID)
	}
	h.mu.Unlock()
	if ok && current == c {
		metrics.ClientsConnected.Dec()
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Broadcast sends an event to every connected client.
func (h *Hub) Broadcast(msg *protocol.ServerMessage) {
	metrics.EventsTotal.WithLabelValues(msg.Type).Inc()
	for _, c := range h.snapshot() {
		c.Send(msg)
	}
}

// BroadcastExcept sends an event to every connected client but one.
func (h *Hub) BroadcastExcept(clientID string, msg *protocol.ServerMessage) {
	metrics.EventsTotal.WithLabelValues(msg.Type).Inc()
	for _, c := range h.snapshot() {
		if c.ID == clientID {
			continue
		}
		c.Send(msg)
	}
}

// SendTo sends an event to one client. Returns false when the client is not
// connected.
func (h *Hub) SendTo(clientID string, msg *protocol.ServerMessage) bool {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	metrics.EventsTotal.WithLabelValues(msg.Type).Inc()
	c.Send(msg)
	return true
}
