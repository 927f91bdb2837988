// Package messenger is the embeddable Go client for the Tastebook real-time
// messenger: it keeps the canonical view state (chat list, open conversation,
// messages, presence, typing, unread counts), applies optimistic local
// updates and reconciles them against server-confirmed data.
package messenger

import (
	"time"
)

// Sender is the canonical display shape of a message author. Every inbound
// representation (embedded user object, bare sender id) converges to it
// before entering state.
type Sender struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// Message is the canonical display shape of a message. Pending entries are
// optimistic local copies awaiting the server echo carrying the same
// ClientKey.
type Message struct {
	ID        uint      `json:"id"`
	ClientKey string    `json:"client_key,omitempty"`
	ChatID    uint      `json:"chat_id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
	Pending   bool      `json:"pending,omitempty"`
}

// Chat is a conversation summary for list rendering.
type Chat struct {
	ID           uint     `json:"id"`
	Participants []Sender `json:"participants"`
	LastMessage  *Message `json:"last_message,omitempty"`
}

// ConnState describes the connection lifecycle surfaced to the UI.
type ConnState int

const (
	// Disconnected means no live connection and no dial in progress.
	Disconnected ConnState = iota
	// Connecting means a dial or bounded reconnect is in progress.
	Connecting
	// Connected means the live connection is established.
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// State is the canonical client state. It is reconstructible from server data
// plus local optimistic additions and is copied out to observers on every
// change.
//
// Invariant: Messages only ever holds entries belonging to CurrentChat; it is
// cleared whenever CurrentChat changes.
type State struct {
	Chats           []Chat          `json:"chats"`
	CurrentChat     uint            `json:"current_chat"`
	Messages        []Message       `json:"messages"`
	OnlineUsers     []uint          `json:"online_users"`
	TypingUsers     []uint          `json:"typing_users"`
	Unread          map[uint]int64  `json:"unread"`
	LoadingChats    bool            `json:"loading_chats"`
	LoadingMessages bool            `json:"loading_messages"`
	Conn            ConnState       `json:"conn"`
}

// clone returns a deep enough copy for handing to observers: slices and the
// unread map are copied, message values are plain data.
func (s *State) clone() State {
	out := *s
	out.Chats = append([]Chat(nil), s.Chats...)
	out.Messages = append([]Message(nil), s.Messages...)
	out.OnlineUsers = append([]uint(nil), s.OnlineUsers...)
	out.TypingUsers = append([]uint(nil), s.TypingUsers...)
	out.Unread = make(map[uint]int64, len(s.Unread))
	for k, v := range s.Unread {
		out.Unread[k] = v
	}
	return out
}

// chatIndex returns the position of the chat in the list, or -1.
func (s *State) chatIndex(chatID uint) int {
	for i := range s.Chats {
		if s.Chats[i].ID == chatID {
			return i
		}
	}
	return -1
}
