package sse

import (
	"sync"

	"github.com/google/uuid"

	"github.com/pesalock/pesalock/internal/domain/event"
)

// Hub is the room-scoped fan-out registry. It is constructed explicitly and
// injected into the services that publish; there is no process-wide
// singleton. Delivery is at-most-once per connected client and never blocks
// the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*event.Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*event.Client),
	}
}

// Register adds a connection. The client arrives already subscribed to its
// personal channel.
func (h *Hub) Register(client *event.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[client.ClientID]; ok {
		old.Close()
	}
	h.clients[client.ClientID] = client
}

// Unregister drops a connection and implicitly leaves all rooms.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

// UnregisterClient drops the connection only if it is still the one
// registered under its id. A handler unwinding after a reconnect replaced
// its registration must not tear down the replacement.
func (h *Hub) UnregisterClient(client *event.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client.ClientID] == client {
		client.Close()
		delete(h.clients, client.ClientID)
	}
}

// Join subscribes a registered connection to a room. Access checks happen
// at the API edge; the hub only tracks membership.
func (h *Hub) Join(clientID, room string) error {
	h.mu.RLock()
	c := h.clients[clientID]
	h.mu.RUnlock()
	if c == nil {
		return event.ErrClientNotFound
	}
	c.Join(room)
	return nil
}

// Leave drops a room subscription.
func (h *Hub) Leave(clientID, room string) error {
	h.mu.RLock()
	c := h.clients[clientID]
	h.mu.RUnlock()
	if c == nil {
		return event.ErrClientNotFound
	}
	c.Leave(room)
	return nil
}

// Publish delivers msg to every connection subscribed to room. No
// subscribers means no-op; a full client channel drops that client's copy.
func (h *Hub) Publish(room string, msg *event.Message) {
	m := *msg
	m.Room = room
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.InRoom(room) {
			trySend(c, &m)
		}
	}
}

// PublishToUser delivers msg to every connection on the user's personal
// channel.
func (h *Hub) PublishToUser(userID uuid.UUID, msg *event.Message) {
	h.Publish(event.UserRoom(userID), msg)
}

// ClientCount reports live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client returns the registered connection or nil.
func (h *Hub) Client(clientID string) *event.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[clientID]
}

// Stop closes every connection.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *event.Client, msg *event.Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
