// Package hub fans display events out to connected clients. Each
// websocket connection is one client bound to a map session; events
// are routed per session or broadcast to everyone.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Event is the envelope every display message travels in.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Client is one connected display. Send is drained by the
// connection's write loop; a full buffer drops the event rather than
// blocking the pipeline.
type Client struct {
	ID        string
	SessionID string
	Send      chan []byte
}

func NewClient(id, sessionID string, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Client{
		ID:        id,
		SessionID: sessionID,
		Send:      make(chan []byte, bufferSize),
	}
}

type Hub struct {
	logger *slog.Logger

	mu             sync.RWMutex
	clients        map[*Client]struct{}
	sessionClients map[string]map[*Client]struct{}
	closed         bool
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger:         logger,
		clients:        make(map[*Client]struct{}),
		sessionClients: make(map[string]map[*Client]struct{}),
	}
}

// Run blocks until the context ends, then closes every client's send
// channel so their write loops exit.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]struct{})
	h.sessionClients = make(map[string]map[*Client]struct{})
}

// Register attaches a client. Registration is synchronous so events
// sent right after cannot miss the client.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(client.Send)
		return
	}
	h.clients[client] = struct{}{}
	if h.sessionClients[client.SessionID] == nil {
		h.sessionClients[client.SessionID] = make(map[*Client]struct{})
	}
	h.sessionClients[client.SessionID][client] = struct{}{}
	h.logger.Debug("client registered", "client_id", client.ID, "session_id", client.SessionID, "total", len(h.clients))
}

// Unregister detaches the client and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	if set := h.sessionClients[client.SessionID]; set != nil {
		delete(set, client)
		if len(set) == 0 {
			delete(h.sessionClients, client.SessionID)
		}
	}
	close(client.Send)
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

// SendToSession delivers the event to every client of one session.
func (h *Hub) SendToSession(sessionID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event failed", "type", ev.Type, "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.sessionClients[sessionID] {
		h.push(client, ev.Type, data)
	}
}

// Broadcast delivers the event to every connected client.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event failed", "type", ev.Type, "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		h.push(client, ev.Type, data)
	}
}

func (h *Hub) push(client *Client, eventType string, data []byte) {
	select {
	case client.Send <- data:
	default:
		h.logger.Debug("client send buffer full, dropping event", "client_id", client.ID, "type", eventType)
	}
}

// ClientCount reports the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
