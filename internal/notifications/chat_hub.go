package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"tastebook/internal/models"

	"github.com/gofiber/websocket/v2"
)

// ChatHub is the connection registry and room membership state for the
// real-time layer. It is an injected dependency, not a package-level
// singleton, so tests and multiple server instances each own their state.
//
// One active connection is assumed per user: a reconnect replaces registry
// knowledge of the previous connection (last-connect-wins) without forcibly
// closing the old transport.
type ChatHub struct {
	mu sync.RWMutex

	// userID -> active client (at most one entry per user)
	clients map[uint]*Client

	// conversationID -> set of subscribed userIDs
	rooms map[uint]map[uint]struct{}

	// userID -> set of conversationIDs the user has joined
	userRooms map[uint]map[uint]struct{}

	// conversationID -> set of userIDs currently typing
	typing map[uint]map[uint]struct{}
}

// ChatEvent is the wire envelope for every server -> client push.
type ChatEvent struct {
	Type           string      `json:"type"` // "online", "message", "typing", "joined", "error"
	ConversationID uint        `json:"conversation_id,omitempty"`
	Payload        interface{} `json:"payload"`
}

// NewChatHub creates a new ChatHub instance
func NewChatHub() *ChatHub {
	return &ChatHub{
		clients:   make(map[uint]*Client),
		rooms:     make(map[uint]map[uint]struct{}),
		userRooms: make(map[uint]map[uint]struct{}),
		typing:    make(map[uint]map[uint]struct{}),
	}
}

// Register admits an authenticated connection to the hub, displacing any
// previous connection registered for the same user. Every register triggers a
// full online-list broadcast to all connected parties. Full-set fan-out is a
// known scaling limit, acceptable at this deployment's size.
func (h *ChatHub) Register(userID uint, conn *websocket.Conn) *Client {
	client := NewClient(h, conn, userID)
	h.RegisterClient(client)
	return client
}

// RegisterClient inserts a prebuilt client. Split from Register so tests can
// drive the hub without a live websocket.
func (h *ChatHub) RegisterClient(client *Client) {
	h.mu.Lock()
	if prev, ok := h.clients[client.UserID]; ok && prev != client {
		log.Printf("ChatHub: user %d reconnected, displacing previous registration", client.UserID)
	}
	h.clients[client.UserID] = client
	h.mu.Unlock()

	log.Printf("ChatHub: registered user %d", client.UserID)
	h.BroadcastOnline()
}

// Unregister removes the connection from the registry and from every room and
// typing set it belonged to, broadcasting the updated sets. Idempotent: a
// client displaced by a newer connection for the same user is a no-op.
func (h *ChatHub) Unregister(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.UserID]
	if !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.UserID)

	// Leave every joined room.
	for convID := range h.userRooms[client.UserID] {
		if members, ok := h.rooms[convID]; ok {
			delete(members, client.UserID)
			if len(members) == 0 {
				delete(h.rooms, convID)
			}
		}
	}
	delete(h.userRooms, client.UserID)

	// Clear typing state everywhere; collect affected conversations so the
	// corresponding typing broadcasts go out after the lock is released.
	var staleTyping []uint
	for convID, typers := range h.typing {
		if _, was := typers[client.UserID]; was {
			delete(typers, client.UserID)
			staleTyping = append(staleTyping, convID)
			if len(typers) == 0 {
				delete(h.typing, convID)
			}
		}
	}
	h.mu.Unlock()

	log.Printf("ChatHub: unregistered user %d", client.UserID)

	for _, convID := range staleTyping {
		h.BroadcastTyping(convID)
	}
	h.BroadcastOnline()
}

// ListOnline returns the ids of all currently registered users, ascending.
func (h *ChatHub) ListOnline() []uint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]uint, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsOnline reports whether the user has an active registered connection.
func (h *ChatHub) IsOnline(userID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// Join subscribes a connected user to a conversation's broadcast group.
// Participant authorization happens in the websocket handler before this is
// called; the hub only tracks membership.
func (h *ChatHub) Join(userID, conversationID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[userID]; !ok {
		log.Printf("ChatHub: user %d not connected, cannot join conversation %d", userID, conversationID)
		return
	}

	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[uint]struct{})
	}
	h.rooms[conversationID][userID] = struct{}{}

	if h.userRooms[userID] == nil {
		h.userRooms[userID] = make(map[uint]struct{})
	}
	h.userRooms[userID][conversationID] = struct{}{}

	log.Printf("ChatHub: user %d joined conversation %d", userID, conversationID)
}

// Leave unsubscribes a user from a conversation. Idempotent if absent.
func (h *ChatHub) Leave(userID, conversationID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[conversationID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if convs, ok := h.userRooms[userID]; ok {
		delete(convs, conversationID)
	}

	log.Printf("ChatHub: user %d left conversation %d", userID, conversationID)
}

// SetTyping adds or removes the user from the conversation's typing set and
// broadcasts the resulting full set to the room. Set semantics make repeated
// signals no-ops; the update is fire-and-forget and never persisted.
func (h *ChatHub) SetTyping(conversationID, userID uint, isTyping bool) {
	h.mu.Lock()
	if isTyping {
		if h.typing[conversationID] == nil {
			h.typing[conversationID] = make(map[uint]struct{})
		}
		h.typing[conversationID][userID] = struct{}{}
	} else if typers, ok := h.typing[conversationID]; ok {
		delete(typers, userID)
		if len(typers) == 0 {
			delete(h.typing, conversationID)
		}
	}
	h.mu.Unlock()

	h.BroadcastTyping(conversationID)
}

// TypingUsers returns the ids currently typing in the conversation, ascending.
func (h *ChatHub) TypingUsers(conversationID uint) []uint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	typers := h.typing[conversationID]
	ids := make([]uint, 0, len(typers))
	for id := range typers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RoomMembers returns the ids of users subscribed to the conversation.
func (h *ChatHub) RoomMembers(conversationID uint) []uint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.rooms[conversationID]
	ids := make([]uint, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BroadcastOnline pushes the full online id list to every connected client.
func (h *ChatHub) BroadcastOnline() {
	event := ChatEvent{Type: "online", Payload: h.ListOnline()}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("ChatHub: failed to marshal online event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		client.TrySend(data)
	}
}

// BroadcastTyping pushes the conversation's full typing set to its room.
func (h *ChatHub) BroadcastTyping(conversationID uint) {
	h.BroadcastToRoom(conversationID, ChatEvent{
		Type:           "typing",
		ConversationID: conversationID,
		Payload:        h.TypingUsers(conversationID),
	})
}

// BroadcastMessage pushes a persisted message to every member of its room,
// including the sender; the sender's client reconciles its own echo rather
// than ignoring it.
func (h *ChatHub) BroadcastMessage(message *models.Message) {
	h.BroadcastToRoom(message.ConversationID, ChatEvent{
		Type:           "message",
		ConversationID: message.ConversationID,
		Payload:        message,
	})
}

// BroadcastToRoom sends an event to all connected members of a conversation.
func (h *ChatHub) BroadcastToRoom(conversationID uint, event ChatEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("ChatHub: failed to marshal %s event: %v", event.Type, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	members, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	for userID := range members {
		if client, ok := h.clients[userID]; ok {
			client.TrySend(data)
		}
	}
}

// StartWiring connects the hub to Redis pub/sub so messages and typing
// updates published by other server instances reach this instance's clients.
func (h *ChatHub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartChatSubscriber(ctx, func(channel, payload string) {
		var conversationID uint
		var msgType string

		if _, err := fmt.Sscanf(channel, "chat:conv:%d", &conversationID); err == nil {
			msgType = "message"
		} else if _, err := fmt.Sscanf(channel, "typing:conv:%d", &conversationID); err == nil {
			msgType = "typing"
		} else {
			log.Printf("ChatHub: invalid channel format: %s", channel)
			return
		}

		var event ChatEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Printf("ChatHub: failed to parse event from channel %s: %v", channel, err)
			return
		}
		if event.Type == "" {
			event.Type = msgType
		}
		event.ConversationID = conversationID

		h.BroadcastToRoom(conversationID, event)
	})
}

// Shutdown gracefully closes all websocket connections and clears hub state.
func (h *ChatHub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, client := range h.clients {
		if client.Conn == nil {
			continue
		}
		if err := client.Conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"server_shutdown","payload":{"message":"Server is shutting down"}}`)); err != nil {
			log.Printf("failed to write shutdown message for user %d: %v", userID, err)
		}
		if err := client.Conn.Close(); err != nil {
			log.Printf("failed to close websocket for user %d: %v", userID, err)
		}
	}

	h.clients = make(map[uint]*Client)
	h.rooms = make(map[uint]map[uint]struct{})
	h.userRooms = make(map[uint]map[uint]struct{})
	h.typing = make(map[uint]map[uint]struct{})

	return nil
}
