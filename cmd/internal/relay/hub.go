package relay

import (
	"log/slog"
	"sync"

	v1 "chatrelay/contracts/chat/v1"
)

// Hub tracks every open connection and is the fan-out primitive.
//
// Concurrency guarantees:
// - Add/Remove are safe under concurrent EmitAll.
// - EmitAll never blocks (drops under backpressure).
// - Fan-out is panic-safe because Client.Send is never closed by the server.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Add registers an open connection for fan-out.
func (h *Hub) Add(client *Client) {
	if h == nil || client == nil || client.ConnectionID == "" {
		return
	}

	h.mu.Lock()
	h.clients[client.ConnectionID] = client
	h.mu.Unlock()

	h.log.Info("hub.client.add", "connection_id", client.ConnectionID)
}

// Remove drops a connection from fan-out and signals its shutdown.
func (h *Hub) Remove(connectionID string) {
	if h == nil || connectionID == "" {
		return
	}

	var cl *Client

	h.mu.Lock()
	cl = h.clients[connectionID]
	delete(h.clients, connectionID)
	h.mu.Unlock()

	// Signal client shutdown after removal. This ordering avoids race windows
	// where a broadcaster still holds a pointer while the client goroutines
	// are being torn down.
	if cl != nil {
		cl.Close()
	}

	h.log.Info("hub.client.remove", "connection_id", connectionID)
}

// EmitAll fans an envelope out to every open connection.
// Non-blocking: if a client queue is full or the client is shutting down, the
// envelope is dropped for that client.
func (h *Hub) EmitAll(env v1.Envelope) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if c == nil {
			continue
		}

		select {
		case <-c.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case c.Send <- env:
		default:
			// Drop rather than block the whole fan-out.
		}
	}
}

// EmitTo delivers an envelope to a single connection.
// Reports false if the connection is unknown, shutting down, or backed up.
func (h *Hub) EmitTo(connectionID string, env v1.Envelope) bool {
	if h == nil {
		return false
	}

	h.mu.RLock()
	c := h.clients[connectionID]
	h.mu.RUnlock()

	if c == nil {
		return false
	}

	select {
	case <-c.Done():
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// Len reports the number of open connections.
func (h *Hub) Len() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
