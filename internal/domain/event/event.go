package event

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_bus.go -package=mocks . Bus

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClientNotFound = errors.New("event client not found")
	ErrChannelFull    = errors.New("event client channel full")
)

// Event names published over the fan-out layer.
const (
	EventTransactionCreated = "transaction-created"
	EventStatusChanged      = "transaction-status-changed"
	EventTransactionUpdated = "transaction-updated"
	EventPaymentUpdated     = "payment-updated"
	EventDisputeRaised      = "dispute-raised"
	EventDisputeResolved    = "dispute-resolved"
	EventNotification       = "notification"
)

// UserRoom is the personal channel key for a user identity.
func UserRoom(userID uuid.UUID) string {
	return "user:" + userID.String()
}

// TransactionRoom is the broadcast room key for a transaction.
func TransactionRoom(transactionID string) string {
	return "transaction:" + transactionID
}

// Message is a single fan-out payload. Delivery is best-effort and
// at-most-once per connected client; there is no replay.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Room      string          `json:"room,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a fan-out message.
func NewMessage(event string, data json.RawMessage) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Client represents one live connection. A client belongs to its personal
// channel for its whole lifetime and to a dynamic set of transaction rooms
// it has explicitly joined. Membership does not survive reconnects.
type Client struct {
	ClientID    string
	UserID      uuid.UUID
	ConnectedAt time.Time
	MessageChan chan *Message

	mu    sync.RWMutex
	rooms map[string]struct{}
}

// NewClient creates a client already subscribed to its personal channel.
func NewClient(clientID string, userID uuid.UUID) *Client {
	c := &Client{
		ClientID:    clientID,
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *Message, 100),
		rooms:       make(map[string]struct{}),
	}
	c.rooms[UserRoom(userID)] = struct{}{}
	return c
}

// Join subscribes the client to a room.
func (c *Client) Join(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = struct{}{}
}

// Leave drops a room subscription. The personal channel cannot be left.
func (c *Client) Leave(room string) {
	if room == UserRoom(c.UserID) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

// InRoom reports whether the client is subscribed to room.
func (c *Client) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// Rooms returns a snapshot of the client's subscriptions.
func (c *Client) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// Close closes the client's message channel.
func (c *Client) Close() {
	close(c.MessageChan)
}

// Bus is the fan-out contract the state machine publishes through.
// Publishing never blocks and never fails the underlying transition; with
// no subscribers it is a no-op.
type Bus interface {
	Register(client *Client)
	Unregister(clientID string)
	Join(clientID, room string) error
	Leave(clientID, room string) error
	Publish(room string, msg *Message)
	PublishToUser(userID uuid.UUID, msg *Message)
}
