package server

import (
	"context"
	"encoding/json"
	"testing"

	"tastebook/internal/models"
	"tastebook/internal/notifications"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connect registers a headless hub client for the user and drains the online
// broadcast it triggers.
func (f *serverFixture) connect(t *testing.T, userID uint) *notifications.Client {
	t.Helper()
	client := notifications.NewClient(f.srv.Hub(), nil, userID)
	f.srv.Hub().RegisterClient(client)
	for len(client.Send) > 0 {
		<-client.Send
	}
	return client
}

func nextEvent(t *testing.T, c *notifications.Client) notifications.ChatEvent {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev notifications.ChatEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	default:
		t.Fatal("expected an event in the send buffer")
		return notifications.ChatEvent{}
	}
}

func TestJoinRevalidatesParticipancy(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	conv := f.openChat(t, f.alice.ID, f.bob.ID)

	alice := f.connect(t, f.alice.ID)
	carol := f.connect(t, f.carol.ID)

	f.srv.handleClientEvent(ctx, alice, clientEvent{Type: "join", ChatID: conv.ID})
	ack := nextEvent(t, alice)
	assert.Equal(t, "joined", ack.Type)
	assert.Equal(t, []uint{f.alice.ID}, f.srv.Hub().RoomMembers(conv.ID))

	// An authenticated non-participant is refused the room.
	f.srv.handleClientEvent(ctx, carol, clientEvent{Type: "join", ChatID: conv.ID})
	refusal := nextEvent(t, carol)
	assert.Equal(t, "error", refusal.Type)
	assert.NotContains(t, f.srv.Hub().RoomMembers(conv.ID), f.carol.ID)

	f.srv.handleClientEvent(ctx, alice, clientEvent{Type: "leave", ChatID: conv.ID})
	assert.Empty(t, f.srv.Hub().RoomMembers(conv.ID))
}

func TestStreamingSendDeliversToRoom(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	conv := f.openChat(t, f.alice.ID, f.bob.ID)

	alice := f.connect(t, f.alice.ID)
	bob := f.connect(t, f.bob.ID)
	f.srv.handleClientEvent(ctx, alice, clientEvent{Type: "join", ChatID: conv.ID})
	f.srv.handleClientEvent(ctx, bob, clientEvent{Type: "join", ChatID: conv.ID})
	nextEvent(t, alice)
	nextEvent(t, bob)

	f.srv.handleClientEvent(ctx, alice, clientEvent{
		Type: "message", ChatID: conv.ID, Text: "hi bob", ClientKey: "local-ws-1",
	})

	// Both room members receive the echo, the sender included.
	for _, c := range []*notifications.Client{alice, bob} {
		ev := nextEvent(t, c)
		require.Equal(t, "message", ev.Type)

		payload, err := json.Marshal(ev.Payload)
		require.NoError(t, err)
		var msg models.Message
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, "hi bob", msg.Text)
		assert.Equal(t, "local-ws-1", msg.ClientKey)
		assert.Equal(t, f.alice.ID, msg.SenderID)
	}

	// And the message was persisted.
	var count int64
	require.NoError(t, f.db.Model(&models.Message{}).
		Where("conversation_id = ?", conv.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestStreamingSendRejectionEchoesClientKey(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	conv := f.openChat(t, f.alice.ID, f.bob.ID)

	carol := f.connect(t, f.carol.ID)
	f.srv.handleClientEvent(ctx, carol, clientEvent{
		Type: "message", ChatID: conv.ID, Text: "intruding", ClientKey: "local-ws-2",
	})

	ev := nextEvent(t, carol)
	require.Equal(t, "error", ev.Type)

	payload, err := json.Marshal(ev.Payload)
	require.NoError(t, err)
	var body struct {
		Error     string `json:"error"`
		ClientKey string `json:"client_key"`
	}
	require.NoError(t, json.Unmarshal(payload, &body))
	assert.Equal(t, "local-ws-2", body.ClientKey)
	assert.NotEmpty(t, body.Error)
}

func TestTypingRequiresParticipancy(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	conv := f.openChat(t, f.alice.ID, f.bob.ID)

	alice := f.connect(t, f.alice.ID)
	carol := f.connect(t, f.carol.ID)
	f.srv.handleClientEvent(ctx, alice, clientEvent{Type: "join", ChatID: conv.ID})
	nextEvent(t, alice)

	f.srv.handleClientEvent(ctx, alice, clientEvent{Type: "typing", ChatID: conv.ID, IsTyping: true})
	assert.Equal(t, []uint{f.alice.ID}, f.srv.Hub().TypingUsers(conv.ID))

	f.srv.handleClientEvent(ctx, carol, clientEvent{Type: "typing", ChatID: conv.ID, IsTyping: true})
	assert.Equal(t, []uint{f.alice.ID}, f.srv.Hub().TypingUsers(conv.ID))

	f.srv.handleClientEvent(ctx, alice, clientEvent{Type: "typing", ChatID: conv.ID, IsTyping: false})
	assert.Empty(t, f.srv.Hub().TypingUsers(conv.ID))
}
