package event

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewMessage(t *testing.T) {
	data := json.RawMessage(`{"transactionId":"ET000007"}`)
	msg := NewMessage(EventStatusChanged, data)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, EventStatusChanged, msg.Event)
	assert.Equal(t, data, msg.Data)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Empty(t, msg.Room)
}

func TestRoomKeys(t *testing.T) {
	userID := uuid.New()
	assert.Equal(t, "user:"+userID.String(), UserRoom(userID))
	assert.Equal(t, "transaction:ET000007", TransactionRoom("ET000007"))
}

func TestClientStartsInPersonalChannel(t *testing.T) {
	userID := uuid.New()
	c := NewClient("client-1", userID)

	assert.True(t, c.InRoom(UserRoom(userID)))
	assert.Equal(t, []string{UserRoom(userID)}, c.Rooms())
}

func TestClientJoinLeave(t *testing.T) {
	c := NewClient("client-1", uuid.New())
	room := TransactionRoom("ET000007")

	c.Join(room)
	assert.True(t, c.InRoom(room))
	assert.Len(t, c.Rooms(), 2)

	c.Leave(room)
	assert.False(t, c.InRoom(room))

	// leaving a room the client never joined is a no-op
	c.Leave(TransactionRoom("ET000042"))
	assert.Len(t, c.Rooms(), 1)
}

func TestClientCannotLeavePersonalChannel(t *testing.T) {
	userID := uuid.New()
	c := NewClient("client-1", userID)

	c.Leave(UserRoom(userID))
	assert.True(t, c.InRoom(UserRoom(userID)))
}

func TestClientClose(t *testing.T) {
	c := NewClient("client-1", uuid.New())
	c.Close()

	_, open := <-c.MessageChan
	assert.False(t, open)
}
